package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/evofuzz/coverage"
	"alma.local/evofuzz/server"
	"alma.local/evofuzz/trace"
)

func targetScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho ready\nexec sleep 30\n"), 0o755))
	return path
}

func TestStartStopContract(t *testing.T) {
	traces := t.TempDir()
	proc := server.NewProcess(server.Config{RestartCommand: targetScript(t), ReadyMarker: "ready"}, server.NewIDGenerator(1))
	defer proc.Stop()
	a := New(Opts{TracesFolder: traces})

	assert.Equal(t, ErrAgentNotRunning, a.OnStop(proc))
	require.NoError(t, a.OnStart(context.Background(), proc))
	assert.Equal(t, ErrAgentRunning, a.OnStart(context.Background(), proc))

	_, err := a.CollectResult(a.ArtifactPath(proc), Run{})
	assert.Equal(t, ErrAgentRunning, err, "results are only collected after stop")

	require.NoError(t, a.OnStop(proc))
	exited, err := proc.Exited()
	require.NoError(t, err)
	assert.True(t, exited)
	assert.Equal(t, filepath.Join(traces, "1"), a.ArtifactPath(proc))
}

func TestCollectResultMissingArtifact(t *testing.T) {
	a := New(Opts{})
	req := trace.New(trace.Action{Message: trace.Message{Type: "ClientHello"}})

	res, err := a.CollectResult(filepath.Join(t.TempDir(), "42"), Run{Requested: req, Executed: req.Prefix(0)})
	require.NoError(t, err)
	assert.False(t, res.Crashed)
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.Coverage.Edges)
	assert.Equal(t, "42", res.RunID)
	assert.Equal(t, 1, res.Requested.Len())
	assert.True(t, res.Executed.Empty())
}

func TestCollectResultClassifies(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"crash":   "1 2 0 1\nCRASH\n",
		"timeout": "1 2 0 1\n2 3 0 1\nTIMEOUT\n",
		"normal":  "1 2 0 1\nNORMAL\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	a := New(Opts{})

	res, err := a.CollectResult(filepath.Join(dir, "crash"), Run{})
	require.NoError(t, err)
	assert.True(t, res.Crashed)
	assert.False(t, res.TimedOut)

	res, err = a.CollectResult(filepath.Join(dir, "timeout"), Run{})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Len(t, res.Coverage.Edges, 2)

	res, err = a.CollectResult(filepath.Join(dir, "normal"), Run{})
	require.NoError(t, err)
	assert.False(t, res.Crashed || res.TimedOut)
	assert.Len(t, res.Coverage.Edges, 1)
}

func TestCollectResultWatchdog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "normal"), []byte("1 2 0 1\nNORMAL\n"), 0o644))
	a := New(Opts{})

	res, err := a.CollectResult(filepath.Join(dir, "normal"), Run{WatchdogFired: true})
	require.NoError(t, err)
	assert.True(t, res.TimedOut, "a killed run is a timeout even with a normal artifact")
	assert.Len(t, res.Coverage.Edges, 1)

	res, err = a.CollectResult(filepath.Join(dir, "missing"), Run{WatchdogFired: true})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, coverage.Timeout, res.Outcome())
}
