package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "server")

var (
	ErrAlreadyOccupied   = errors.New("server: process already occupied")
	ErrNotOccupied       = errors.New("server: process is not occupied")
	ErrNotStarted        = errors.New("server: process not started")
	ErrExitedBeforeReady = errors.New("server: process exited before printing the ready marker")
	ErrEmptyCommand      = errors.New("server: empty restart command")
)

// drainGrace bounds how long output is read after the target exits.
const drainGrace = 500 * time.Millisecond

// Config describes one target process.
type Config struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// RestartCommand may contain [id], [output], [host] and [port].
	RestartCommand string `yaml:"restartCommand" mapstructure:"restartCommand"`
	// ReadyMarker is the text the target prints once it accepts connections.
	// An empty marker means ready as soon as the process is started.
	ReadyMarker string `yaml:"readyMarker" mapstructure:"readyMarker"`
	KillCommand string `yaml:"killCommand" mapstructure:"killCommand"`
	// OutputFolder replaces [output]; coverage artifacts land there.
	OutputFolder string `yaml:"-" mapstructure:"-"`
}

// Process is one restartable instance of the software under test.
type Process struct {
	cfg Config
	ids *IDGenerator

	occupied atomic.Bool

	mu   sync.Mutex
	id   int64
	cmd  *exec.Cmd
	done chan struct{}
	exit error
}

// NewProcess creates an unstarted process. ids must be shared by every
// process of a run so artifact names never collide.
func NewProcess(cfg Config, ids *IDGenerator) *Process {
	return &Process{cfg: cfg, ids: ids, id: -1}
}

func (p *Process) Config() Config { return p.cfg }

// ID returns the id of the current incarnation, -1 before the first restart.
func (p *Process) ID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Process) Address() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Occupy marks the process as leased.
func (p *Process) Occupy() error {
	if !p.occupied.CompareAndSwap(false, true) {
		return ErrAlreadyOccupied
	}
	return nil
}

// Release clears the lease. Releasing a free process is an error: it means two
// callers believed they held it.
func (p *Process) Release() error {
	if !p.occupied.CompareAndSwap(true, false) {
		return ErrNotOccupied
	}
	return nil
}

func (p *Process) Free() bool { return !p.occupied.Load() }

func (p *Process) expand(template string, id int64) string {
	r := strings.NewReplacer(
		"[id]", strconv.FormatInt(id, 10),
		"[output]", p.cfg.OutputFolder,
		"[host]", p.cfg.Host,
		"[port]", strconv.Itoa(p.cfg.Port),
	)
	return r.Replace(template)
}

// Restart kills any running instance, launches a new one under a fresh id and
// blocks until the ready marker shows up on stdout or stderr. prefix is
// prepended to the restart command (an instrumentation wrapper, usually).
// Restart has no timeout of its own; ctx bounds the wait.
func (p *Process) Restart(ctx context.Context, prefix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	id := p.ids.Next()
	command := p.expand(prefix+p.cfg.RestartCommand, id)
	args := strings.Fields(command)
	if len(args) == 0 {
		return ErrEmptyCommand
	}
	cmd := exec.Command(args[0], args[1:]...)
	setProcessGroup(cmd)
	// stdout and stderr share one pipe handed to the child as a file, so Wait
	// never blocks on descendants that inherited it.
	pr, pw, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "server: output pipe")
	}
	cmd.Stdout, cmd.Stderr = pw, pw
	plog := log.WithFields(logrus.Fields{"processId": id, "address": p.Address()})
	plog.WithField("command", command).Debug("Starting target")
	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return errors.Wrapf(err, "server: start %q", args[0])
	}

	done := make(chan struct{})
	ready := make(chan struct{})
	var once sync.Once
	markReady := func() { once.Do(func() { close(ready) }) }
	if p.cfg.ReadyMarker == "" {
		markReady()
	}

	drained := make(chan struct{})
	go p.watch(pr, plog, markReady, drained)
	go func() {
		err := cmd.Wait()
		select {
		case <-drained:
		case <-time.After(drainGrace):
			// A descendant outside the group still holds the pipe.
			_ = pr.Close()
			<-drained
		}
		p.mu.Lock()
		if p.cmd == cmd {
			p.exit = err
		}
		p.mu.Unlock()
		close(done)
	}()

	p.id, p.cmd, p.done, p.exit = id, cmd, done, nil

	// The exit goroutine above takes p.mu, so wait without holding it.
	p.mu.Unlock()
	err = waitReady(ctx, ready, done)
	p.mu.Lock()
	if err != nil {
		if p.cmd == cmd {
			p.stopLocked()
		}
		return err
	}
	plog.Debug("Target ready")
	return nil
}

func waitReady(ctx context.Context, ready, done <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-done:
		select {
		case <-ready:
			return nil
		default:
		}
		return ErrExitedBeforeReady
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "server: waiting for ready marker")
	}
}

func (p *Process) watch(r io.ReadCloser, plog *logrus.Entry, markReady func(), drained chan<- struct{}) {
	defer close(drained)
	defer r.Close()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			plog.Trace(line)
			if p.cfg.ReadyMarker != "" && strings.Contains(line, p.cfg.ReadyMarker) {
				markReady()
			}
		}
		if err != nil {
			return
		}
	}
}

// Stop kills the running instance, if any, and waits for it to exit.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Process) stopLocked() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	running := true
	select {
	case <-p.done:
		running = false
	default:
		if err := killProcessGroup(p.cmd); err != nil {
			log.WithError(err).WithField("processId", p.id).Debug("Kill failed")
		}
	}
	if args := strings.Fields(p.expand(p.cfg.KillCommand, p.id)); len(args) > 0 {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			log.WithError(err).WithField("output", string(out)).Warn("Kill command failed")
		}
	}
	if running {
		done := p.done
		p.mu.Unlock()
		<-done
		p.mu.Lock()
	}
}

// Exited reports whether the instance started by the last Restart has
// terminated.
func (p *Process) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false, ErrNotStarted
	}
	select {
	case <-p.done:
		return true, nil
	default:
		return false, nil
	}
}

// ExitError returns the error cmd.Wait reported for the current instance.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) String() string {
	return fmt.Sprintf("Process{id=%d, address=%s, free=%t, command=%q, ready=%q}",
		p.ID(), p.Address(), p.Free(), p.cfg.RestartCommand, p.cfg.ReadyMarker)
}
