// Package controller assembles the fuzzer from its configuration and exposes
// the operator controls: start, stop, status, server listing, edge dumps and
// single-trace replay.
package controller

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/agent"
	"alma.local/evofuzz/analyzer"
	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/executor"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/internal/config"
	"alma.local/evofuzz/internal/targets"
	"alma.local/evofuzz/mutator"
	"alma.local/evofuzz/protocol"
	"alma.local/evofuzz/protocol/tlsrecord"
	"alma.local/evofuzz/server"
)

var log = logrus.WithField("prefix", "controller")

// Controller owns every long-lived component of a fuzzing session.
type Controller struct {
	cfg   config.Config
	pool  *server.Pool
	store *corpus.Store
	exec  *executor.ThreadPool
}

// New builds a controller with the TLS record-layer protocol. reg may be nil
// to skip metrics.
func New(cfg config.Config, reg prometheus.Registerer) (*Controller, error) {
	proto := tlsrecord.New(tlsrecord.Opts{ReadTimeout: cfg.ReadTimeout})
	return NewWithProtocol(cfg, proto, reg)
}

// NewWithProtocol builds a controller around an arbitrary protocol.
func NewWithProtocol(cfg config.Config, proto protocol.Protocol, reg prometheus.Registerer) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	servers, err := targets.LoadServers(cfg.ServersFolder)
	if err != nil {
		return nil, err
	}
	servers = append(append([]server.Config(nil), cfg.Servers...), servers...)
	if len(servers) == 0 {
		return nil, server.ErrNoServers
	}
	for _, dir := range []string{cfg.OutputFolder, cfg.TracesFolder} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "controller: create %s", dir)
		}
	}

	pool := server.NewPool(cfg.AcquireTimeout)
	ids := server.NewIDGenerator(0)
	for _, sc := range servers {
		sc.OutputFolder = cfg.TracesFolder
		pool.Add(server.NewProcess(sc, ids))
	}

	archive := corpus.NewArchive(cfg.OutputFolder, cfg.Compress)
	if cfg.CleanStart {
		log.Info("Cleaning previous results")
		if err := archive.Clean(corpus.Good, corpus.UniqueFlow); err != nil {
			return nil, err
		}
	}
	store := corpus.NewStore(archive, cfg.Serialize)
	if err := addRules(cfg, store, archive); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mut, err := mutator.New(cfg.Mutator, proto, seed)
	if err != nil {
		return nil, err
	}

	opts := executor.Opts{
		Threads:       cfg.Threads,
		PauseInterval: cfg.PauseInterval,
		BootTimeout:   cfg.BootTimeout,
		DialTimeout:   cfg.DialTimeout,
		RunTimeout:    cfg.RunTimeout,
		StartStopped:  cfg.StartStopped,
	}
	if !cfg.NoOld {
		opts.ArchiveFolder = cfg.ArchiveFolder
	}
	exec := executor.NewThreadPool(opts, pool, store, mut, proto,
		agent.NewFactory(agent.Opts{Prefix: cfg.AgentPrefix, TracesFolder: cfg.TracesFolder}))
	if reg != nil {
		stats, err := executor.NewStats(reg, store)
		if err != nil {
			return nil, err
		}
		exec.SetStats(stats)
	}

	log.WithFields(logrus.Fields{
		"servers": pool.Len(),
		"threads": exec.Threads(),
		"output":  cfg.OutputFolder,
	}).Info("Fuzzer ready")
	return &Controller{cfg: cfg, pool: pool, store: store, exec: exec}, nil
}

// addRules registers the analyzer rules. The alert rule first learns the
// alerts of earlier sessions so it only reports new ones.
func addRules(cfg config.Config, store *corpus.Store, archive *corpus.Archive) error {
	alerts := analyzer.NewAlertRule(cfg.Alerts)
	if cfg.Alerts.OneOfEach {
		known, err := corpus.LoadDir(archive.Dir(analyzer.Alerts), func(path string, err error) {
			log.WithError(err).WithField("path", path).Warn("Skipping unreadable alert trace")
		})
		if err != nil {
			return err
		}
		alerts.Learn(known)
		log.WithField("alerts", alerts.Seen()).Debug("Learned known alerts")
	}
	versions, err := analyzer.NewVersionRule(cfg.Versions)
	if err != nil {
		return err
	}
	store.AddRule(alerts)
	store.AddRule(versions)
	return nil
}

func (c *Controller) Store() *corpus.Store           { return c.store }
func (c *Controller) Pool() *server.Pool             { return c.pool }
func (c *Controller) Executor() *executor.ThreadPool { return c.exec }

// Run drives the fuzzing loop until ctx is done and then stops every target.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		for _, p := range c.pool.Processes() {
			p.Stop()
		}
	}()
	return c.exec.Run(ctx)
}

// Start resumes dispatching.
func (c *Controller) Start() {
	c.exec.Start()
	log.Info("Fuzzer started")
}

// Stop pauses dispatching and waits until no worker holds a process.
func (c *Controller) Stop(ctx context.Context) error {
	c.exec.Stop()
	procs, err := c.pool.OccupyAll(ctx)
	if err != nil {
		return errors.Wrap(err, "controller: wait for workers")
	}
	if err := c.pool.ReleaseAll(procs); err != nil {
		return err
	}
	log.Info("Fuzzer stopped")
	return nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Runs    int64
	Stopped bool
	Servers int
	Free    int
	feedback.Summary
}

func (c *Controller) Status() Status {
	return Status{
		Runs:    c.exec.Runs(),
		Stopped: c.exec.Stopped(),
		Servers: c.pool.Len(),
		Free:    c.pool.FreeCount(),
		Summary: c.store.Summary(),
	}
}

func (s Status) String() string {
	state := "running"
	if s.Stopped {
		state = "stopped"
	}
	out := fmt.Sprintf("%s: runs=%d corpus=%d vertices=%d edges=%d good=%d crashes=%d timeouts=%d uniqueFlows=%d servers=%d/%d free",
		state, s.Runs, s.CorpusSize, s.Vertices, s.Edges, s.Good, s.Crashes, s.Timeouts, s.UniqueFlows, s.Free, s.Servers)
	if len(s.Findings) == 0 {
		return out
	}
	names := make([]string, 0, len(s.Findings))
	for name := range s.Findings {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, s.Findings[name])
	}
	return out + " findings: " + strings.Join(parts, " ")
}

// Servers describes every target process.
func (c *Controller) Servers() []string {
	var out []string
	for _, p := range c.pool.Processes() {
		out = append(out, p.String())
	}
	return out
}

// DumpEdges writes the coverage graph to path in DOT format.
func (c *Controller) DumpEdges(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "controller: create edge dump")
	}
	if err := c.store.Graph().WriteDot(f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "controller: close edge dump")
}

// Replay executes the stored trace at path once on the next free process. The
// result is returned and not committed.
func (c *Controller) Replay(ctx context.Context, path string) (feedback.Result, error) {
	t, err := corpus.ReadFile(path)
	if err != nil {
		return feedback.Result{}, err
	}
	log.WithFields(logrus.Fields{"path": path, "actions": t.Len()}).Info("Replaying trace")
	return c.exec.RunOnce(ctx, t)
}
