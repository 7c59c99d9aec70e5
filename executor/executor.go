// Package executor runs the fuzzing loop: it pairs mutated traces with free
// target processes and hands each pair to a bounded set of workers.
package executor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"alma.local/evofuzz/agent"
	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/mutator"
	"alma.local/evofuzz/server"
	"alma.local/evofuzz/trace"
)

var log = logrus.WithField("prefix", "executor")

const (
	DefaultPauseInterval = time.Second
	DefaultBootTimeout   = 60 * time.Second
	DefaultDialTimeout   = 5 * time.Second
)

// Runner drives one trace over an open connection.
type Runner interface {
	Execute(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error)
}

// DialFunc opens a connection to a target address.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// Opts configures a ThreadPool.
type Opts struct {
	// Threads is the number of concurrent workers. Zero or less means one
	// per process in the pool.
	Threads       int
	PauseInterval time.Duration
	BootTimeout   time.Duration
	DialTimeout   time.Duration
	// RunTimeout bounds the exchange; zero disables the watchdog.
	RunTimeout time.Duration
	// ArchiveFolder holds traces replayed once before mutation starts.
	// Empty disables replay.
	ArchiveFolder string
	// StartStopped starts the loop paused.
	StartStopped bool
}

// ThreadPool is the scheduler. A single control loop (Run) dispatches tasks;
// the workers do the slow part.
type ThreadPool struct {
	opts     Opts
	pool     *server.Pool
	store    *corpus.Store
	mutator  *mutator.Mutator
	runner   Runner
	newAgent agent.Factory
	dial     DialFunc
	stats    *Stats

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	runs atomic.Int64
}

func NewThreadPool(opts Opts, pool *server.Pool, store *corpus.Store, m *mutator.Mutator, runner Runner, newAgent agent.Factory) *ThreadPool {
	if opts.Threads <= 0 {
		opts.Threads = pool.Len()
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.PauseInterval <= 0 {
		opts.PauseInterval = DefaultPauseInterval
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = DefaultBootTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	var d net.Dialer
	e := &ThreadPool{
		opts:     opts,
		pool:     pool,
		store:    store,
		mutator:  m,
		runner:   runner,
		newAgent: newAgent,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		},
		sem:     semaphore.NewWeighted(int64(opts.Threads)),
		stopped: opts.StartStopped,
	}
	return e
}

// SetDialer replaces the TCP dialer.
func (e *ThreadPool) SetDialer(d DialFunc) { e.dial = d }

// SetStats attaches metrics. Call before Run.
func (e *ThreadPool) SetStats(s *Stats) { e.stats = s }

func (e *ThreadPool) Threads() int { return e.opts.Threads }

// Runs is the number of tasks dispatched so far.
func (e *ThreadPool) Runs() int64 { return e.runs.Load() }

func (e *ThreadPool) SetStopped(stopped bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = stopped
}

func (e *ThreadPool) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *ThreadPool) Start() { e.SetStopped(false) }

func (e *ThreadPool) Stop() { e.SetStopped(true) }

// Wait blocks until every dispatched task has finished.
func (e *ThreadPool) Wait() { e.wg.Wait() }

// Run replays the archive, then loops until ctx is done. It returns an error
// only when the pool cannot hand out a process in time, which means the
// worker count and the pool disagree or a release went missing.
func (e *ThreadPool) Run(ctx context.Context) error {
	if e.pool.Len() == 0 {
		return server.ErrNoServers
	}
	defer e.Wait()
	if e.opts.ArchiveFolder != "" {
		if err := e.replay(ctx); err != nil {
			return err
		}
	}
	log.WithField("threads", e.opts.Threads).Info("Fuzzing loop started")
	for ctx.Err() == nil {
		if e.Stopped() {
			e.pause(ctx)
			continue
		}
		proc, err := e.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return errors.Wrap(err, "executor: acquire process")
		}
		if e.Stopped() {
			// Stopped while waiting for the process.
			e.release(proc)
			continue
		}
		if _, err := e.dispatch(ctx, proc, e.mutator.Next(e.store.Corpus())); err != nil {
			break
		}
	}
	log.WithField("runs", e.Runs()).Info("Fuzzing loop finished")
	return nil
}

// replay executes every archived trace once without writing results back.
func (e *ThreadPool) replay(ctx context.Context) error {
	traces, err := corpus.LoadDir(e.opts.ArchiveFolder, func(path string, err error) {
		log.WithError(err).WithField("path", path).Warn("Skipping unreadable archived trace")
	})
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		return nil
	}
	log.WithField("traces", len(traces)).Info("Replaying archive")
	serialize := e.store.Serialize()
	e.store.SetSerialize(false)
	defer e.store.SetSerialize(serialize)

	for i := 0; i < len(traces) && ctx.Err() == nil; {
		if e.Stopped() {
			e.pause(ctx)
			continue
		}
		proc, err := e.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return errors.Wrap(err, "executor: acquire process")
		}
		dispatched, err := e.dispatch(ctx, proc, traces[i])
		if err != nil {
			break
		}
		if dispatched {
			i++
		}
	}
	// Replayed results must be committed before serialization comes back on.
	e.Wait()
	return nil
}

func (e *ThreadPool) pause(ctx context.Context) {
	t := time.NewTimer(e.opts.PauseInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// dispatch hands proc and t to a worker. proc is released here if no worker
// takes it, either because ctx ended or because the pool was stopped while
// waiting for a worker slot.
func (e *ThreadPool) dispatch(ctx context.Context, proc *server.Process, t trace.Trace) (bool, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.release(proc)
		return false, err
	}
	if e.Stopped() {
		e.sem.Release(1)
		e.release(proc)
		return false, nil
	}
	e.wg.Add(1)
	e.runs.Add(1)
	e.stats.dispatched()
	// In-flight runs finish even when the loop is cancelled.
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.execute(taskCtx, proc, t)
	}()
	return true, nil
}
