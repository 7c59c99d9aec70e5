package feedback

import (
	"time"

	"alma.local/evofuzz/coverage"
	"alma.local/evofuzz/trace"
)

// Result is everything one execution produced. It is built once by the agent
// and not modified afterwards.
type Result struct {
	RunID     string
	Crashed   bool
	TimedOut  bool
	StartTime time.Time
	StopTime  time.Time
	Coverage  coverage.Artifact
	Requested trace.Trace
	// Executed holds the steps actually carried out, receives as the peer sent
	// them. It is shorter than Requested when the target ended the exchange
	// early.
	Executed trace.Trace
}

// Duration is the wall time between agent start and stop.
func (r Result) Duration() time.Duration {
	if r.StopTime.Before(r.StartTime) {
		return 0
	}
	return r.StopTime.Sub(r.StartTime)
}

// Outcome folds the crash/timeout flags back into the sentinel vocabulary.
func (r Result) Outcome() coverage.Outcome {
	switch {
	case r.Crashed:
		return coverage.Crash
	case r.TimedOut:
		return coverage.Timeout
	}
	return coverage.Normal
}

// Summary is a compact count of what the result store has seen so far.
type Summary struct {
	Results     int
	Good        int
	Crashes     int
	Timeouts    int
	UniqueFlows int
	CorpusSize  int
	Vertices    int
	Edges       int
	// Findings counts rule matches by rule name.
	Findings map[string]int
}
