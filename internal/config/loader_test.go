package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, ".discovery/state/discovery.db", cfg.State.Path)
	assert.Equal(t, 4, cfg.Pipeline.ConcurrencyLimit)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 6, cfg.Pipeline.MaxSendBacks)
	assert.Equal(t, 2*time.Hour, cfg.Pipeline.StageTimeout)
	assert.Equal(t, "127.0.0.1:8790", cfg.Web.Addr)
	assert.Empty(t, cfg.Agents)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("DISCOVERY_LOG_LEVEL", "debug")
	t.Setenv("DISCOVERY_STATE_BACKEND", "json")
	t.Setenv("DISCOVERY_PIPELINE_CONCURRENCY_LIMIT", "8")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.State.Backend)
	assert.Equal(t, 8, cfg.Pipeline.ConcurrencyLimit)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
}

func TestLoad_ExplicitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
  format: json
pipeline:
  max_send_backs: 2
  stage_timeout: 45m
agents:
  - name: code-explorer
    command: bin/code-explorer
    version: "2.1"
    timeout: 10m
    env:
      EXPLORER_DEPTH: "3"
`), 0o644))

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2, cfg.Pipeline.MaxSendBacks)
	assert.Equal(t, 45*time.Minute, cfg.Pipeline.StageTimeout)
	// File-level settings merge over defaults.
	assert.Equal(t, "sqlite", cfg.State.Backend)

	require.Len(t, cfg.Agents, 1)
	a := cfg.Agents[0]
	assert.Equal(t, "code-explorer", a.Name)
	assert.Equal(t, "bin/code-explorer", a.Command)
	assert.Equal(t, "2.1", a.Version)
	assert.Equal(t, 10*time.Minute, a.Timeout)
	assert.Equal(t, map[string]string{"EXPLORER_DEPTH": "3"}, a.Env)
}

func TestLoad_EnvironmentBeatsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	t.Setenv("DISCOVERY_LOG_LEVEL", "error")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigFile(path).Load()
	assert.Error(t, err)
}
