package trace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ActionKind says whether a step is sent by the fuzzer or expected from the peer.
type ActionKind int

const (
	Send ActionKind = iota
	Receive
)

func (k ActionKind) String() string {
	switch k {
	case Send:
		return "send"
	case Receive:
		return "receive"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field is one mutable, byte-encoded field of a protocol message.
type Field struct {
	Name     string `json:"name"`
	Value    []byte `json:"value"`
	Modified bool   `json:"modified,omitempty"`
}

// Message is an opaque protocol message as seen by the engine. Only the
// encoding layer interprets ContentType and the field bytes.
type Message struct {
	Type        string  `json:"type"`
	ContentType byte    `json:"contentType"`
	Fields      []Field `json:"fields,omitempty"`
}

// Action is one step of a trace. Fragments is the number of framing units the
// encoding layer should split the message into; zero and one both mean "unsplit".
type Action struct {
	Kind      ActionKind `json:"kind"`
	Message   Message    `json:"message"`
	Fragments int        `json:"fragments,omitempty"`
}

// Trace is an ordered sequence of protocol actions. A Trace handed to the
// executor is never modified again; anything that wants to change it works on
// a Clone.
type Trace struct {
	Actions []Action `json:"actions"`
}

// New returns a trace holding the given actions.
func New(actions ...Action) Trace {
	return Trace{Actions: actions}
}

func (t Trace) Len() int { return len(t.Actions) }

func (t Trace) Empty() bool { return len(t.Actions) == 0 }

// Clone returns a deep copy, sharing no slices with t.
func (t Trace) Clone() Trace {
	if t.Actions == nil {
		return Trace{}
	}
	out := Trace{Actions: make([]Action, len(t.Actions))}
	for i, a := range t.Actions {
		out.Actions[i] = a.Clone()
	}
	return out
}

// Clone deep-copies the action and its message.
func (a Action) Clone() Action {
	a.Message = a.Message.Clone()
	return a
}

// Clone deep-copies the message fields.
func (m Message) Clone() Message {
	if m.Fields == nil {
		return m
	}
	fields := make([]Field, len(m.Fields))
	for i, f := range m.Fields {
		fields[i] = Field{Name: f.Name, Modified: f.Modified}
		if f.Value != nil {
			fields[i].Value = append([]byte(nil), f.Value...)
		}
	}
	m.Fields = fields
	return m
}

// Prefix returns the first n actions of t as a new trace.
func (t Trace) Prefix(n int) Trace {
	if n > len(t.Actions) {
		n = len(t.Actions)
	}
	if n < 0 {
		n = 0
	}
	return Trace{Actions: append([]Action(nil), t.Actions[:n]...)}
}

// Fingerprint hashes the structural shape of the trace: the ordered sequence
// of action kinds and message types. Field contents, fragmentation and
// modification flags are ignored.
func (t Trace) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, a := range t.Actions {
		binary.LittleEndian.PutUint64(buf[:], uint64(a.Kind))
		d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(len(a.Message.Type)))
		d.Write(buf[:])
		d.WriteString(a.Message.Type)
	}
	return d.Sum64()
}

// StructurallyEqual reports whether both traces have the same shape.
func StructurallyEqual(a, b Trace) bool {
	if len(a.Actions) != len(b.Actions) {
		return false
	}
	for i := range a.Actions {
		if a.Actions[i].Kind != b.Actions[i].Kind || a.Actions[i].Message.Type != b.Actions[i].Message.Type {
			return false
		}
	}
	return true
}

// String renders the shape, e.g. "send:ClientHello receive:ServerHello".
func (t Trace) String() string {
	parts := make([]string, len(t.Actions))
	for i, a := range t.Actions {
		parts[i] = a.Kind.String() + ":" + a.Message.Type
	}
	return strings.Join(parts, " ")
}
