package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
logging:
  level: debug
engine:
  concurrency: 8
  stall_timeout: 2m
  gate_policies:
    backend: aggregate
hooks:
  metrics:
    enabled: true
    namespace: testd
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Engine.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StallTimeout)
	assert.Equal(t, "aggregate", cfg.Engine.GatePolicies["backend"])
	assert.True(t, cfg.Hooks.Metrics.Enabled)
	assert.Equal(t, "testd", cfg.Hooks.Metrics.Namespace)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 20, cfg.Checkpoint.MaxPerBuild)
}

func TestLoadBytesInvalid(t *testing.T) {
	_, err := LoadBytes([]byte("engine:\n  concurrency: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.concurrency")

	_, err = LoadBytes([]byte("logging: [not a map"))
	require.Error(t, err)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  concurrency: 8
  stall_timeout: 2m
ops:
  enabled: true
`), 0o644))

	t.Setenv("BUILDD_ENGINE_CONCURRENCY", "16")
	t.Setenv("BUILDD_HOOKS_COST_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file, the file wins over defaults.
	assert.Equal(t, 16, cfg.Engine.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StallTimeout)
	assert.True(t, cfg.Ops.Enabled)
	assert.True(t, cfg.Hooks.Cost.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.Concurrency)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "engine.concurrency", envTransform("BUILDD_ENGINE_CONCURRENCY"))
	assert.Equal(t, "engine.stall_timeout", envTransform("BUILDD_ENGINE_STALL_TIMEOUT"))
	assert.Equal(t, "hooks.metrics.enabled", envTransform("BUILDD_HOOKS_METRICS_ENABLED"))
	assert.Equal(t, "hooks.notify.on_task_error", envTransform("BUILDD_HOOKS_NOTIFY_ON_TASK_ERROR"))
	assert.Equal(t, "ops.addr", envTransform("BUILDD_OPS_ADDR"))
}
