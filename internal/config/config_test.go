package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
threads: 4
outputFolder: /tmp/out
runTimeout: 1500ms
serialize: false
mutator:
  addMessage: 100
servers:
  - host: 127.0.0.1
    port: 4433
    restartCommand: openssl s_server -accept [port]
    readyMarker: ACCEPT
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, "/tmp/out", cfg.OutputFolder)
	assert.Equal(t, "traces", cfg.TracesFolder)
	assert.Equal(t, 1500*time.Millisecond, cfg.RunTimeout)
	assert.Equal(t, 60*time.Second, cfg.BootTimeout)
	assert.False(t, cfg.Serialize)
	assert.Equal(t, 100, cfg.Mutator.AddMessage)
	assert.Equal(t, 50, cfg.Mutator.ModifyVariable, "unset nested keys keep defaults")
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, 4433, cfg.Servers[0].Port)
	assert.Equal(t, "ACCEPT", cfg.Servers[0].ReadyMarker)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("treads: 4\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte("mutator:\n  removeMessage: 101\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("bootTimeout: -1s\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("servers:\n  - host: localhost\n"))
	assert.Error(t, err)

	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuzzer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("noOld: true\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.NoOld)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRuleLists(t *testing.T) {
	cfg, err := Parse([]byte("alerts:\n  whitelist: [40]\nversions:\n  allowed: [TLS1.2]\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{40}, cfg.Alerts.Whitelist, "lists replace the defaults")
	assert.True(t, cfg.Alerts.OneOfEach)
	assert.Equal(t, []string{"TLS1.2"}, cfg.Versions.Allowed)

	_, err = Parse([]byte("versions:\n  allowed: [TLS4]\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("alerts:\n  blacklist: [300]\n"))
	assert.Error(t, err)
}
