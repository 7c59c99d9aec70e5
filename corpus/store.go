package corpus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/coverage"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/trace"
)

var log = logrus.WithField("prefix", "corpus")

// Store is the single writer of the coverage graph, the corpus and the
// unique-flow set. Commit calls from parallel workers serialize on it.
type Store struct {
	mu      sync.Mutex
	graph   *coverage.Graph
	corpus  *Corpus
	flows   *UniqueFlows
	archive *Archive
	history []feedback.Result
	summary feedback.Summary
	rules   []Rule

	serialize atomic.Bool
}

// NewStore returns a store writing to archive when serialize is set. A nil
// archive disables persistence entirely.
func NewStore(archive *Archive, serialize bool) *Store {
	s := &Store{
		graph:   coverage.NewGraph(),
		corpus:  New(),
		flows:   NewUniqueFlows(),
		archive: archive,
		summary: feedback.Summary{Findings: map[string]int{}},
	}
	s.serialize.Store(serialize)
	return s
}

func (s *Store) Graph() *coverage.Graph { return s.graph }
func (s *Store) Corpus() *Corpus        { return s.corpus }
func (s *Store) Flows() *UniqueFlows    { return s.flows }
func (s *Store) Archive() *Archive      { return s.archive }

// SetSerialize turns persistence on or off. Replaying an archive runs with it
// off so stored traces are not written a second time.
func (s *Store) SetSerialize(on bool) { s.serialize.Store(on) }

func (s *Store) Serialize() bool { return s.serialize.Load() }

// AddRule makes every later Commit run r.
func (s *Store) AddRule(r Rule) {
	s.mu.Lock()
	s.rules = append(s.rules, r)
	s.mu.Unlock()
}

// Commit records r: history, coverage merge, corpus growth on novelty, then
// the crash/timeout/unique-flow categories and finally the rules. Persistence failures are logged
// and never stop the in-memory update.
func (s *Store) Commit(r feedback.Result) coverage.MergeReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	rlog := log.WithField("runId", r.RunID)

	edges := r.Coverage.Edges
	kept := r
	// The edges live on in the graph; the history only needs the verdict.
	kept.Coverage.Edges = nil
	s.history = append(s.history, kept)
	s.summary.Results++

	rep := s.graph.Merge(edges)
	if rep.IsGood() {
		s.corpus.Add(r.Executed)
		s.summary.Good++
		rlog.WithFields(logrus.Fields{
			"newVertices": rep.NewVertices,
			"newEdges":    rep.NewEdges,
			"actions":     r.Executed.Len(),
		}).Info("New coverage")
		s.persist(Good, r.RunID, r.Executed)
	}
	if r.Crashed {
		s.summary.Crashes++
		s.persist(Crashed, r.RunID, r.Executed)
	}
	if r.TimedOut {
		s.summary.Timeouts++
		s.persist(Timeout, r.RunID, r.Executed)
	}
	if s.flows.Insert(r.Executed) {
		s.summary.UniqueFlows++
		s.persist(UniqueFlow, r.RunID, r.Executed)
	}
	for _, rule := range s.rules {
		reason, ok := rule.Check(r)
		if !ok {
			continue
		}
		s.summary.Findings[rule.Name()]++
		rlog.WithFields(logrus.Fields{"rule": rule.Name(), "reason": reason}).Info("Rule matched")
		s.persist(rule.Category(), r.RunID, r.Executed)
	}
	return rep
}

func (s *Store) persist(c Category, name string, t trace.Trace) {
	if s.archive == nil || !s.serialize.Load() {
		return
	}
	if err := s.archive.Write(c, name, t); err != nil {
		log.WithError(err).WithField("category", c).Warn("Could not persist trace")
	}
}

// History returns the results committed so far, without their coverage edges.
func (s *Store) History() []feedback.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feedback.Result(nil), s.history...)
}

// Summary returns current counters together with corpus and graph sizes.
func (s *Store) Summary() feedback.Summary {
	s.mu.Lock()
	sum := s.summary
	sum.Findings = make(map[string]int, len(s.summary.Findings))
	for name, n := range s.summary.Findings {
		sum.Findings[name] = n
	}
	s.mu.Unlock()
	sum.CorpusSize = s.corpus.Len()
	sum.Vertices = s.graph.Vertices()
	sum.Edges = s.graph.Edges()
	return sum
}
