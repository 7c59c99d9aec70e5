package mutator

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/trace"
)

var log = logrus.WithField("prefix", "mutator")

var ErrEmptyCatalogue = errors.New("mutator: protocol catalogue is empty")

// Config holds the per-edit probabilities, each in percent.
type Config struct {
	AddMessage     int `yaml:"addMessage" mapstructure:"addMessage"`
	RemoveMessage  int `yaml:"removeMessage" mapstructure:"removeMessage"`
	AddRecord      int `yaml:"addRecord" mapstructure:"addRecord"`
	ModifyVariable int `yaml:"modifyVariable" mapstructure:"modifyVariable"`
}

// Validate checks every percentage is within 0..100.
func (c Config) Validate() error {
	for name, v := range map[string]int{
		"addMessage":     c.AddMessage,
		"removeMessage":  c.RemoveMessage,
		"addRecord":      c.AddRecord,
		"modifyVariable": c.ModifyVariable,
	} {
		if v < 0 || v > 100 {
			return errors.Errorf("mutator: %s must be within 0..100, got %d", name, v)
		}
	}
	return nil
}

// Editor is the part of a protocol implementation the mutator edits with.
type Editor interface {
	Catalogue() []trace.Action
	Fragment(a *trace.Action, r *rand.Rand)
	MutateField(f *trace.Field, r *rand.Rand)
}

// Mutator derives new candidate traces from the corpus.
type Mutator struct {
	cfg       Config
	editor    Editor
	catalogue []trace.Action

	mu sync.Mutex
	r  *rand.Rand
}

func New(cfg Config, editor Editor, seed int64) (*Mutator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	catalogue := editor.Catalogue()
	if len(catalogue) == 0 {
		return nil, ErrEmptyCatalogue
	}
	return &Mutator{
		cfg:       cfg,
		editor:    editor,
		catalogue: catalogue,
		r:         rand.New(rand.NewSource(seed)),
	}, nil
}

func (m *Mutator) coin(pct int) bool {
	return m.r.Intn(100) < pct
}

// Next returns a fresh, never empty trace derived from a random corpus entry.
// An empty corpus is seeded with the empty trace first.
func (m *Mutator) Next(c *corpus.Corpus) trace.Trace {
	m.mu.Lock()
	defer m.mu.Unlock()

	base, ok := c.Random(m.r)
	if !ok {
		c.Add(trace.Trace{})
	}
	t := base.Clone()

	if t.Empty() || m.coin(m.cfg.AddMessage) {
		m.appendAction(&t)
	}
	if m.coin(m.cfg.RemoveMessage) {
		i := m.r.Intn(len(t.Actions))
		t.Actions = append(t.Actions[:i], t.Actions[i+1:]...)
		if t.Empty() {
			m.appendAction(&t)
		}
	}
	if m.coin(m.cfg.AddRecord) {
		if sends := sendIndices(t); len(sends) > 0 {
			m.editor.Fragment(&t.Actions[sends[m.r.Intn(len(sends))]], m.r)
		}
	}
	if m.coin(m.cfg.ModifyVariable) {
		m.modifyField(&t)
	}
	log.WithField("trace", t.String()).Debug("Mutated")
	return t
}

func (m *Mutator) appendAction(t *trace.Trace) {
	t.Actions = append(t.Actions, m.catalogue[m.r.Intn(len(m.catalogue))].Clone())
}

func sendIndices(t trace.Trace) []int {
	var out []int
	for i, a := range t.Actions {
		if a.Kind == trace.Send {
			out = append(out, i)
		}
	}
	return out
}

type fieldRef struct{ action, field int }

// modifyField edits one uniformly chosen field among all fields of the
// fuzzer's outbound messages.
func (m *Mutator) modifyField(t *trace.Trace) {
	var refs []fieldRef
	for _, i := range sendIndices(*t) {
		for j := range t.Actions[i].Message.Fields {
			refs = append(refs, fieldRef{i, j})
		}
	}
	if len(refs) == 0 {
		return
	}
	ref := refs[m.r.Intn(len(refs))]
	f := &t.Actions[ref.action].Message.Fields[ref.field]
	m.editor.MutateField(f, m.r)
	f.Modified = true
}
