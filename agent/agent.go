package agent

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/coverage"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/server"
	"alma.local/evofuzz/trace"
)

var log = logrus.WithField("prefix", "agent")

var (
	ErrAgentRunning    = errors.New("agent: already running")
	ErrAgentNotRunning = errors.New("agent: not running")
)

// Agent brackets exactly one execution of a target under instrumentation.
type Agent interface {
	OnStart(ctx context.Context, proc *server.Process) error
	OnStop(proc *server.Process) error
	// ArtifactPath is where the coverage file of proc's current run lands.
	ArtifactPath(proc *server.Process) string
	CollectResult(artifactPath string, run Run) (feedback.Result, error)
}

// Run is what the worker knows about an exchange once it is over.
type Run struct {
	Requested trace.Trace
	Executed  trace.Trace
	// WatchdogFired is set when the run deadline expired and the target was
	// killed.
	WatchdogFired bool
}

// Factory builds a fresh agent for each run.
type Factory func() Agent

// Opts configures a CoverageAgent.
type Opts struct {
	// Prefix is prepended to the restart command, e.g. a tracer wrapper that
	// writes its artifact to [output]/[id].
	Prefix string
	// TracesFolder is the directory the tracer writes artifacts to.
	TracesFolder string
}

// CoverageAgent runs a target under a tracer that writes one coverage
// artifact per process incarnation.
type CoverageAgent struct {
	opts    Opts
	running bool
	runID   string
	start   time.Time
	stop    time.Time
}

func New(opts Opts) *CoverageAgent {
	return &CoverageAgent{opts: opts}
}

// NewFactory returns a Factory for CoverageAgents sharing opts.
func NewFactory(opts Opts) Factory {
	return func() Agent { return New(opts) }
}

// OnStart restarts proc under the tracer prefix.
func (a *CoverageAgent) OnStart(ctx context.Context, proc *server.Process) error {
	if a.running {
		return ErrAgentRunning
	}
	a.start = time.Now()
	a.running = true
	if err := proc.Restart(ctx, a.opts.Prefix); err != nil {
		return errors.Wrap(err, "agent: start target")
	}
	a.runID = strconv.FormatInt(proc.ID(), 10)
	return nil
}

// OnStop stops proc so the tracer flushes its artifact.
func (a *CoverageAgent) OnStop(proc *server.Process) error {
	if !a.running {
		return ErrAgentNotRunning
	}
	a.stop = time.Now()
	a.running = false
	proc.Stop()
	return nil
}

func (a *CoverageAgent) ArtifactPath(proc *server.Process) string {
	return filepath.Join(a.opts.TracesFolder, strconv.FormatInt(proc.ID(), 10))
}

// CollectResult classifies the run from the artifact's final line and parses
// its edges. A missing or unreadable artifact yields a result with no
// coverage; the tracer most likely never flushed. A fired watchdog marks the
// result as timed out whatever the artifact says.
func (a *CoverageAgent) CollectResult(artifactPath string, run Run) (feedback.Result, error) {
	if a.running {
		return feedback.Result{}, ErrAgentRunning
	}
	res := feedback.Result{
		RunID:     a.runID,
		TimedOut:  run.WatchdogFired,
		StartTime: a.start,
		StopTime:  a.stop,
		Requested: run.Requested,
		Executed:  run.Executed,
	}
	if res.RunID == "" {
		res.RunID = filepath.Base(artifactPath)
	}
	rlog := log.WithField("runId", res.RunID)

	art, err := coverage.ReadArtifact(artifactPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			rlog.Debug("Failed to collect instrumentation output")
		} else {
			rlog.WithError(err).Warn("Could not read coverage artifact, using empty coverage")
		}
		return res, nil
	}
	res.Coverage = art
	switch art.Outcome {
	case coverage.Crash:
		rlog.Info("Found a crash")
		res.Crashed = true
	case coverage.Timeout:
		rlog.Info("Found a timeout")
		res.TimedOut = true
	}
	if art.Malformed > 0 {
		rlog.WithField("lines", art.Malformed).Warn("Skipped malformed artifact lines")
	}
	return res, nil
}
