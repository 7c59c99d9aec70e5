package executor

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/feedback"
)

// Stats exports fuzzing progress to Prometheus. A nil *Stats is valid and
// records nothing.
type Stats struct {
	runs         prometheus.Counter
	crashes      prometheus.Counter
	timeouts     prometheus.Counter
	bootFailures prometheus.Counter
}

// NewStats registers the fuzzer's metrics on reg. Corpus and graph sizes are
// read from store at scrape time.
func NewStats(reg prometheus.Registerer, store *corpus.Store) (*Stats, error) {
	s := &Stats{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evofuzz_runs_total",
			Help: "Traces dispatched to a worker",
		}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evofuzz_crashes_total",
			Help: "Runs whose target reported a crash",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evofuzz_timeouts_total",
			Help: "Runs whose target reported or hit a timeout",
		}),
		bootFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evofuzz_boot_failures_total",
			Help: "Target restarts that never became ready",
		}),
	}
	gauge := func(name, help string, get func(feedback.Summary) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(get(store.Summary())) })
	}
	collectors := []prometheus.Collector{
		s.runs, s.crashes, s.timeouts, s.bootFailures,
		gauge("evofuzz_corpus_size", "Traces in the corpus",
			func(sum feedback.Summary) int { return sum.CorpusSize }),
		gauge("evofuzz_graph_vertices", "Distinct control-flow addresses seen",
			func(sum feedback.Summary) int { return sum.Vertices }),
		gauge("evofuzz_graph_edges", "Distinct control-flow edges seen",
			func(sum feedback.Summary) int { return sum.Edges }),
		gauge("evofuzz_unique_flows", "Distinct message-sequence shapes executed",
			func(sum feedback.Summary) int { return sum.UniqueFlows }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "executor: register metrics")
		}
	}
	return s, nil
}

func (s *Stats) dispatched() {
	if s != nil {
		s.runs.Inc()
	}
}

func (s *Stats) bootFailed() {
	if s != nil {
		s.bootFailures.Inc()
	}
}

func (s *Stats) observe(r feedback.Result) {
	if s == nil {
		return
	}
	if r.Crashed {
		s.crashes.Inc()
	}
	if r.TimedOut {
		s.timeouts.Inc()
	}
}
