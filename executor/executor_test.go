package executor

import (
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/evofuzz/agent"
	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/coverage"
	"alma.local/evofuzz/feedback"
	"alma.local/evofuzz/mutator"
	"alma.local/evofuzz/server"
	"alma.local/evofuzz/trace"
)

// editor offers a single message and never edits fields.
type editor struct{}

func (editor) Catalogue() []trace.Action {
	return []trace.Action{{Kind: trace.Send, Message: trace.Message{Type: "ClientHello"}}}
}
func (editor) Fragment(a *trace.Action, r *rand.Rand)   {}
func (editor) MutateField(f *trace.Field, r *rand.Rand) {}

// fakeAgent never starts a process. Each collected result gets a fresh run
// id; novel reports whether it also carries a never-seen edge.
type fakeAgent struct {
	counter *atomic.Int64
	novel   bool
	boot    func(ctx context.Context) error
	running bool
}

func (a *fakeAgent) OnStart(ctx context.Context, proc *server.Process) error {
	a.running = true
	if a.boot != nil {
		return a.boot(ctx)
	}
	return nil
}

func (a *fakeAgent) OnStop(proc *server.Process) error {
	if !a.running {
		return agent.ErrAgentNotRunning
	}
	a.running = false
	return nil
}

func (a *fakeAgent) ArtifactPath(proc *server.Process) string { return "" }

func (a *fakeAgent) CollectResult(path string, run agent.Run) (feedback.Result, error) {
	n := a.counter.Add(1)
	res := feedback.Result{
		RunID:     "run-" + strconv.FormatInt(n, 10),
		TimedOut:  run.WatchdogFired,
		Requested: run.Requested,
		Executed:  run.Executed,
	}
	if a.novel {
		v := coverage.Vertex(n)
		res.Coverage.Edges = []coverage.Edge{{From: v, To: v + 1000000, Hits: 1}}
	}
	return res, nil
}

type runnerFunc func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error)

func (f runnerFunc) Execute(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
	return f(ctx, t, conn)
}

func echo(delay time.Duration) runnerFunc {
	return func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
		time.Sleep(delay)
		return t, nil
	}
}

func pipeDialer(ctx context.Context, address string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

type fixture struct {
	pool    *server.Pool
	store   *corpus.Store
	counter *atomic.Int64
}

func newFixture(t *testing.T, procs int, store *corpus.Store) *fixture {
	t.Helper()
	pool := server.NewPool(time.Second)
	ids := server.NewIDGenerator(1)
	for i := 0; i < procs; i++ {
		pool.Add(server.NewProcess(server.Config{Host: "127.0.0.1", Port: 4433 + i}, ids))
	}
	if store == nil {
		store = corpus.NewStore(nil, false)
	}
	return &fixture{pool: pool, store: store, counter: &atomic.Int64{}}
}

func (f *fixture) threadPool(t *testing.T, opts Opts, runner Runner, newAgent agent.Factory) *ThreadPool {
	t.Helper()
	m, err := mutator.New(mutator.Config{AddMessage: 50}, editor{}, 1)
	require.NoError(t, err)
	if opts.PauseInterval == 0 {
		opts.PauseInterval = 50 * time.Millisecond
	}
	e := NewThreadPool(opts, f.pool, f.store, m, runner, newAgent)
	e.SetDialer(pipeDialer)
	return e
}

func (f *fixture) agents(novel bool) agent.Factory {
	return func() agent.Agent { return &fakeAgent{counter: f.counter, novel: novel} }
}

func runAsync(ctx context.Context, e *ThreadPool) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	return errc
}

func TestRunWithoutServers(t *testing.T) {
	f := newFixture(t, 0, nil)
	e := f.threadPool(t, Opts{}, echo(0), f.agents(false))
	assert.ErrorIs(t, e.Run(context.Background()), server.ErrNoServers)
}

func TestThreadsDefaultToPoolSize(t *testing.T) {
	f := newFixture(t, 3, nil)
	e := f.threadPool(t, Opts{}, echo(0), f.agents(false))
	assert.Equal(t, 3, e.Threads())
}

func TestPauseStopsDispatching(t *testing.T) {
	f := newFixture(t, 2, nil)
	e := f.threadPool(t, Opts{}, echo(2*time.Millisecond), f.agents(false))
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)

	require.Eventually(t, func() bool { return e.Runs() > 10 }, 5*time.Second, 10*time.Millisecond)
	e.Stop()
	time.Sleep(3 * e.opts.PauseInterval)
	paused := e.Runs()
	time.Sleep(2 * time.Second)
	assert.Equal(t, paused, e.Runs(), "no dispatch while stopped")

	e.Start()
	require.Eventually(t, func() bool { return e.Runs() > paused }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, 2, f.pool.FreeCount())
}

func TestPanickingRunReleasesProcess(t *testing.T) {
	f := newFixture(t, 1, nil)
	boom := runnerFunc(func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
		panic("exchange blew up")
	})
	e := f.threadPool(t, Opts{}, boom, f.agents(false))
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)

	// With a single process, every further run needs the previous release.
	require.Eventually(t, func() bool { return e.Runs() >= 5 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, 1, f.pool.FreeCount())
	assert.Zero(t, f.store.Summary().Results, "panicked runs commit nothing")
}

func TestStuckLeaseExhaustsPool(t *testing.T) {
	f := newFixture(t, 1, nil)
	stuck := func() agent.Agent {
		return &fakeAgent{counter: f.counter, boot: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}
	}
	e := f.threadPool(t, Opts{Threads: 2, BootTimeout: 3 * time.Second}, echo(0), stuck)
	err := e.Run(context.Background())
	assert.ErrorIs(t, err, server.ErrPoolExhausted)
	assert.Equal(t, 1, f.pool.FreeCount())
}

func TestWatchdogMarksTimeout(t *testing.T) {
	f := newFixture(t, 1, nil)
	hang := runnerFunc(func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
		<-ctx.Done()
		return t.Prefix(1), ctx.Err()
	})
	e := f.threadPool(t, Opts{RunTimeout: 50 * time.Millisecond}, hang, f.agents(false))
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)

	require.Eventually(t, func() bool { return f.store.Summary().Timeouts >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	for _, r := range f.store.History() {
		assert.True(t, r.TimedOut)
		assert.LessOrEqual(t, r.Executed.Len(), 1)
	}
}

func TestReplayDoesNotPersist(t *testing.T) {
	out := t.TempDir()
	archiveDir := t.TempDir()
	archived := corpus.NewArchive(archiveDir, false)
	replayed := trace.New(trace.Action{Kind: trace.Send, Message: trace.Message{Type: "Replayed"}})
	require.NoError(t, archived.Write(corpus.Good, "a", replayed))
	require.NoError(t, archived.Write(corpus.Good, "b", replayed))

	store := corpus.NewStore(corpus.NewArchive(out, false), true)
	f := newFixture(t, 1, store)

	var mu sync.Mutex
	var seen []string
	record := runnerFunc(func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
		mu.Lock()
		seen = append(seen, t.Actions[0].Message.Type)
		mu.Unlock()
		return t, nil
	})
	e := f.threadPool(t, Opts{ArchiveFolder: archived.Dir(corpus.Good)}, record, f.agents(true))
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)
	require.Eventually(t, func() bool { return e.Runs() >= 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	assert.Equal(t, []string{"Replayed", "Replayed"}, seen[:2])
	mu.Unlock()
	assert.True(t, store.Serialize())

	_, err := os.Stat(filepath.Join(out, "good", "run-1"))
	assert.True(t, os.IsNotExist(err), "replayed results are not written back")
	_, err = os.Stat(filepath.Join(out, "good", "run-3"))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, store.Corpus().Len(), 3)
}

func TestReplayWaitsWhileStopped(t *testing.T) {
	archiveDir := t.TempDir()
	archived := corpus.NewArchive(archiveDir, false)
	replayed := trace.New(trace.Action{Kind: trace.Send, Message: trace.Message{Type: "Replayed"}})
	require.NoError(t, archived.Write(corpus.Good, "a", replayed))
	require.NoError(t, archived.Write(corpus.Good, "b", replayed))

	f := newFixture(t, 1, nil)
	e := f.threadPool(t, Opts{ArchiveFolder: archived.Dir(corpus.Good), StartStopped: true}, echo(0), f.agents(false))
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)

	time.Sleep(5 * e.opts.PauseInterval)
	assert.Zero(t, e.Runs(), "replay waits for start")
	assert.Equal(t, 1, f.pool.FreeCount())

	e.Start()
	require.Eventually(t, func() bool { return f.store.Summary().Results >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	history := f.store.History()
	assert.Equal(t, "Replayed", history[0].Executed.Actions[0].Message.Type)
	assert.Equal(t, "Replayed", history[1].Executed.Actions[0].Message.Type)
}

func TestStopWhileWaitingForWorker(t *testing.T) {
	f := newFixture(t, 2, nil)
	gate := make(chan struct{})
	blocked := runnerFunc(func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
		<-gate
		return t, nil
	})
	e := f.threadPool(t, Opts{Threads: 1}, blocked, f.agents(false))
	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)

	// One process runs, the loop holds the other while it waits for a slot.
	require.Eventually(t, func() bool { return f.pool.FreeCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	e.Stop()
	close(gate)

	require.Eventually(t, func() bool { return f.pool.FreeCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(3 * e.opts.PauseInterval)
	assert.Equal(t, int64(1), e.Runs(), "nothing is dispatched after stop")
	cancel()
	require.NoError(t, <-errc)
}

func TestRunOnceDoesNotCommit(t *testing.T) {
	f := newFixture(t, 1, nil)
	e := f.threadPool(t, Opts{StartStopped: true}, echo(0), f.agents(true))
	in := trace.New(trace.Action{Kind: trace.Send, Message: trace.Message{Type: "ClientHello"}})

	res, err := e.RunOnce(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.True(t, trace.StructurallyEqual(in, res.Executed))
	assert.Len(t, res.Coverage.Edges, 1)
	assert.Zero(t, f.store.Summary().Results)
	assert.Zero(t, e.Runs())
	assert.Equal(t, 1, f.pool.FreeCount())

	failing := f.threadPool(t, Opts{}, echo(0), func() agent.Agent {
		return &fakeAgent{counter: f.counter, boot: func(context.Context) error { return context.Canceled }}
	})
	_, err = failing.RunOnce(context.Background(), in)
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Equal(t, 1, f.pool.FreeCount())
}

func TestStatsCountRuns(t *testing.T) {
	f := newFixture(t, 1, nil)
	e := f.threadPool(t, Opts{}, echo(time.Millisecond), f.agents(true))
	reg := prometheus.NewRegistry()
	stats, err := NewStats(reg, f.store)
	require.NoError(t, err)
	e.SetStats(stats)

	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)
	require.Eventually(t, func() bool { return e.Runs() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, float64(e.Runs()), testutil.ToFloat64(stats.runs))
	assert.Equal(t, float64(f.store.Summary().CorpusSize), gatherGauge(t, reg, "evofuzz_corpus_size"))

	_, err = NewStats(reg, f.store)
	assert.Error(t, err, "metrics register once per registry")
}

func gatherGauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// The end-to-end run uses the real coverage agent against a shell target that
// writes its own artifact.
func TestNovelRunGrowsCorpus(t *testing.T) {
	traces := t.TempDir()
	out := t.TempDir()
	script := filepath.Join(t.TempDir(), "target.sh")
	body := "#!/bin/sh\nprintf '0x10 0x20 0 1\\nNORMAL\\n' > \"$1\"\necho ready\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	pool := server.NewPool(10 * time.Second)
	pool.Add(server.NewProcess(server.Config{
		Host:           "127.0.0.1",
		Port:           4433,
		RestartCommand: script + " [output]/[id]",
		ReadyMarker:    "ready",
		OutputFolder:   traces,
	}, server.NewIDGenerator(1)))

	store := corpus.NewStore(corpus.NewArchive(out, false), true)
	traceA := trace.New(
		trace.Action{Kind: trace.Send, Message: trace.Message{Type: "ClientHello"}},
		trace.Action{Kind: trace.Receive, Message: trace.Message{Type: "ServerHello"}},
	)
	store.Corpus().Add(traceA)

	m, err := mutator.New(mutator.Config{AddMessage: 100, RemoveMessage: 0}, editor{}, 1)
	require.NoError(t, err)
	var lengths []int
	var mu sync.Mutex
	runner := runnerFunc(func(ctx context.Context, t trace.Trace, conn net.Conn) (trace.Trace, error) {
		mu.Lock()
		lengths = append(lengths, t.Len())
		mu.Unlock()
		return t, nil
	})
	e := NewThreadPool(Opts{PauseInterval: 50 * time.Millisecond}, pool, store, m, runner, agent.NewFactory(agent.Opts{TracesFolder: traces}))
	e.SetDialer(pipeDialer)

	ctx, cancel := context.WithCancel(context.Background())
	errc := runAsync(ctx, e)
	require.Eventually(t, func() bool { return store.Summary().Results >= 1 }, 20*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	for _, p := range pool.Processes() {
		p.Stop()
	}

	mu.Lock()
	assert.Equal(t, 3, lengths[0])
	mu.Unlock()
	assert.Equal(t, 2, store.Corpus().Len())
	good, err := os.ReadDir(filepath.Join(out, "good"))
	require.NoError(t, err)
	assert.Len(t, good, 1)
	assert.Equal(t, "1", good[0].Name())
	assert.True(t, store.Graph().HasVertex(0x10))
}
