package executor

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/agent"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/server"
	"alma.local/evofuzz/trace"
)

// ErrNoResult is returned by RunOnce when the run ended without a result:
// the target never became ready, the agent failed or the run panicked.
var ErrNoResult = errors.New("executor: run produced no result")

// execute performs one run and commits its result. proc is released once the
// result is committed.
func (e *ThreadPool) execute(ctx context.Context, proc *server.Process, t trace.Trace) {
	defer e.release(proc)
	res, ok := e.run(ctx, proc, t)
	if !ok {
		return
	}
	e.stats.observe(res)
	e.store.Commit(res)
}

// RunOnce executes t on the next free process and returns its result without
// committing it. It ignores the stopped flag.
func (e *ThreadPool) RunOnce(ctx context.Context, t trace.Trace) (feedback.Result, error) {
	proc, err := e.pool.Acquire(ctx)
	if err != nil {
		return feedback.Result{}, errors.Wrap(err, "executor: acquire process")
	}
	defer e.release(proc)
	res, ok := e.run(ctx, proc, t)
	if !ok {
		return feedback.Result{}, ErrNoResult
	}
	return res, nil
}

// run performs start, exchange, stop and collect on a leased proc. ok is false
// when no result could be built, panics included.
func (e *ThreadPool) run(ctx context.Context, proc *server.Process, t trace.Trace) (res feedback.Result, ok bool) {
	plog := log.WithField("address", proc.Address())
	defer func() {
		if r := recover(); r != nil {
			plog.WithField("panic", r).Error("Worker panicked")
			res, ok = feedback.Result{}, false
		}
	}()

	ag := e.newAgent()
	bootCtx, cancel := context.WithTimeout(ctx, e.opts.BootTimeout)
	err := ag.OnStart(bootCtx, proc)
	cancel()
	if err != nil {
		plog.WithError(err).Warn("Target did not become ready")
		e.stats.bootFailed()
		if err := ag.OnStop(proc); err != nil {
			plog.WithError(err).Debug("Stop after failed start")
		}
		return feedback.Result{}, false
	}
	plog = plog.WithField("processId", proc.ID())

	executed, watchdog := e.exchange(ctx, proc, t, plog)
	if err := ag.OnStop(proc); err != nil {
		plog.WithError(err).Error("Could not stop agent")
		return feedback.Result{}, false
	}
	res, err = ag.CollectResult(ag.ArtifactPath(proc), agent.Run{
		Requested:     t,
		Executed:      executed,
		WatchdogFired: watchdog,
	})
	if err != nil {
		plog.WithError(err).Error("Could not collect result")
		return feedback.Result{}, false
	}
	return res, true
}

func (e *ThreadPool) release(proc *server.Process) {
	if err := e.pool.Release(proc); err != nil {
		log.WithError(err).WithField("address", proc.Address()).Error("Could not release process")
	}
}

// exchange connects to proc and runs t. watchdog is true when RunTimeout cut
// the run short, in which case the target has been killed.
func (e *ThreadPool) exchange(ctx context.Context, proc *server.Process, t trace.Trace, plog *logrus.Entry) (executed trace.Trace, watchdog bool) {
	conn, err := e.connect(ctx, proc.Address())
	if err != nil {
		plog.WithError(err).Debug("Target not reachable")
		return trace.Trace{}, false
	}
	defer conn.Close()

	runCtx := ctx
	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}
	executed, err = e.runner.Execute(runCtx, t, conn)
	if err != nil {
		plog.WithError(err).WithField("executed", executed.Len()).Debug("Exchange ended early")
	}
	if e.opts.RunTimeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		plog.WithField("timeout", e.opts.RunTimeout).Info("Run exceeded its deadline, killing target")
		proc.Stop()
		return executed, true
	}
	return executed, false
}

// connect dials address until it answers or DialTimeout passes. Targets may
// report ready slightly before they listen.
func (e *ThreadPool) connect(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.DialTimeout)
	defer cancel()
	backoff := 10 * time.Millisecond
	for {
		conn, err := e.dial(ctx, address)
		if err == nil {
			return conn, nil
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrapf(err, "executor: dial %s", address)
		case <-t.C:
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}
