package corpus

import (
	"math/rand"
	"sync"

	"alma.local/evofuzz/trace"
)

// Corpus is the append-only list of traces whose execution reached new
// coverage. Entries are never modified after Add, so readers may keep a
// snapshot while writers append.
type Corpus struct {
	mu     sync.RWMutex
	traces []trace.Trace
}

func New(seed ...trace.Trace) *Corpus {
	return &Corpus{traces: append([]trace.Trace(nil), seed...)}
}

// Add appends t. The caller must not modify t afterwards.
func (c *Corpus) Add(t trace.Trace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = append(c.traces, t)
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.traces)
}

// Snapshot returns the entries present at call time. Later appends never
// write into the returned slice's range.
func (c *Corpus) Snapshot() []trace.Trace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.traces[:len(c.traces):len(c.traces)]
}

// Random picks a uniformly random entry. ok is false for an empty corpus.
func (c *Corpus) Random(r *rand.Rand) (t trace.Trace, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.traces) == 0 {
		return trace.Trace{}, false
	}
	return c.traces[r.Intn(len(c.traces))], true
}

// UniqueFlows remembers the structural fingerprints already seen.
type UniqueFlows struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

func NewUniqueFlows() *UniqueFlows {
	return &UniqueFlows{seen: make(map[uint64]struct{})}
}

// Insert records t's shape and reports whether it was new.
func (u *UniqueFlows) Insert(t trace.Trace) bool {
	fp := t.Fingerprint()
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.seen[fp]; ok {
		return false
	}
	u.seen[fp] = struct{}{}
	return true
}

func (u *UniqueFlows) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.seen)
}
