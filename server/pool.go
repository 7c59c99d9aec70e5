package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted means no process became free within the acquire
	// ceiling. Either there are fewer processes than workers or a lease was
	// never released.
	ErrPoolExhausted  = errors.New("server: no free process within the acquire timeout")
	ErrNoServers      = errors.New("server: no processes configured")
	ErrUnknownProcess = errors.New("server: process does not belong to this pool")
)

// DefaultAcquireTimeout is the ceiling for Acquire.
const DefaultAcquireTimeout = 60 * time.Second

// Pool owns every target process and hands out exclusive leases.
type Pool struct {
	mu      sync.Mutex
	procs   []*Process
	cursor  int
	freed   chan struct{}
	timeout time.Duration
}

// NewPool returns an empty pool. A non-positive timeout selects
// DefaultAcquireTimeout.
func NewPool(timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Pool{
		freed:   make(chan struct{}, 64),
		timeout: timeout,
	}
}

// Add registers a process. Setup only.
func (p *Pool) Add(proc *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = append(p.procs, proc)
}

// Clear forgets every process. Teardown only.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = nil
	p.cursor = 0
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// Processes returns the members in registration order.
func (p *Pool) Processes() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Process(nil), p.procs...)
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, proc := range p.procs {
		if proc.Free() {
			n++
		}
	}
	return n
}

// Acquire returns a free process, already marked occupied. Members are tried
// round-robin starting after the last one handed out. When none is free the
// call sleeps until a Release or until the acquire timeout, which yields
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Process, error) {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	for {
		proc, err := p.tryAcquire()
		if err != nil || proc != nil {
			return proc, err
		}
		select {
		case <-p.freed:
		case <-deadline.C:
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) tryAcquire() (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.procs)
	if n == 0 {
		return nil, ErrNoServers
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if p.procs[idx].Occupy() == nil {
			p.cursor = (idx + 1) % n
			return p.procs[idx], nil
		}
	}
	return nil, nil
}

// Release returns a leased process to the pool. Releasing a free process
// fails with ErrNotOccupied.
func (p *Pool) Release(proc *Process) error {
	if !p.owns(proc) {
		return ErrUnknownProcess
	}
	if err := proc.Release(); err != nil {
		return errors.Wrapf(err, "server: release process %d", proc.ID())
	}
	p.signal()
	return nil
}

func (p *Pool) owns(proc *Process) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.procs {
		if m == proc {
			return true
		}
	}
	return false
}

func (p *Pool) signal() {
	select {
	case p.freed <- struct{}{}:
	default:
		// Buffer full: waiters already have wake-ups queued.
	}
}

// OccupyAll waits until every member is free and leases all of them at once.
func (p *Pool) OccupyAll(ctx context.Context) ([]*Process, error) {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	for {
		procs, err := p.tryOccupyAll()
		if err != nil || procs != nil {
			return procs, err
		}
		select {
		case <-p.freed:
		case <-deadline.C:
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) tryOccupyAll() ([]*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.procs) == 0 {
		return nil, ErrNoServers
	}
	for _, proc := range p.procs {
		if !proc.Free() {
			return nil, nil
		}
	}
	for i, proc := range p.procs {
		if err := proc.Occupy(); err != nil {
			// Someone occupied a member directly; undo and retry later.
			for _, taken := range p.procs[:i] {
				_ = taken.Release()
			}
			return nil, nil
		}
	}
	return append([]*Process(nil), p.procs...), nil
}

// ReleaseAll releases every process returned by OccupyAll.
func (p *Pool) ReleaseAll(procs []*Process) error {
	for _, proc := range procs {
		if err := p.Release(proc); err != nil {
			return err
		}
	}
	return nil
}
