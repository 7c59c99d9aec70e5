// Package protocol declares what the fuzzing engine needs from a wire
// protocol implementation. The engine never looks at message bytes itself.
package protocol

import (
	"context"
	"math/rand"
	"net"

	"alma.local/evofuzz/trace"
)

// Protocol turns traces into bytes on a connection and owns every
// field-level edit.
type Protocol interface {
	// Catalogue lists the steps the mutator may append. The returned actions
	// are prototypes; callers clone before editing.
	Catalogue() []trace.Action

	// Encode returns the wire encoding of a single action, framing included.
	Encode(a trace.Action) ([]byte, error)

	// Fragment asks for a (further) split of a's message across framing units.
	Fragment(a *trace.Action, r *rand.Rand)

	// MutateField applies one random edit to f.
	MutateField(f *trace.Field, r *rand.Rand)

	// Execute drives t over conn and returns the prefix of t that was actually
	// carried out. A non-nil error still comes with the executed prefix.
	Execute(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error)
}
