package server

import "sync/atomic"

// IDGenerator hands out process ids. One generator is shared by every process
// of a fuzzing run; ids are strictly increasing.
type IDGenerator struct {
	next atomic.Int64
}

// NewIDGenerator returns a generator whose first id is start.
func NewIDGenerator(start int64) *IDGenerator {
	g := &IDGenerator{}
	g.next.Store(start)
	return g
}

func (g *IDGenerator) Next() int64 {
	return g.next.Add(1) - 1
}
