package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/buildd/internal/hooks"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Engine.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Engine.StallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 20, cfg.Checkpoint.MaxPerBuild)
	assert.Equal(t, "127.0.0.1:8377", cfg.Ops.Addr)
	assert.False(t, cfg.Ops.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Engine.Concurrency = 0 },
			wantErr: "engine.concurrency",
		},
		{
			name:    "negative stall timeout",
			mutate:  func(c *Config) { c.Engine.StallTimeout = -time.Second },
			wantErr: "engine.stall_timeout",
		},
		{
			name:    "negative dispatch rate",
			mutate:  func(c *Config) { c.Engine.DispatchPerSecond = -1 },
			wantErr: "engine.dispatch_per_second",
		},
		{
			name: "unknown gate policy",
			mutate: func(c *Config) {
				c.Engine.GatePolicies = map[string]string{"backend": "lenient"}
			},
			wantErr: "unknown policy",
		},
		{
			name: "known gate policies",
			mutate: func(c *Config) {
				c.Engine.GatePolicies = map[string]string{
					"backend": "aggregate",
					"tester":  "fail_fast",
				}
			},
		},
		{
			name:    "zero checkpoint retention",
			mutate:  func(c *Config) { c.Checkpoint.MaxPerBuild = 0 },
			wantErr: "checkpoint.max_per_build",
		},
		{
			name:    "watcher without dir",
			mutate:  func(c *Config) { c.Hooks.Watcher.Enabled = true },
			wantErr: "hooks.watcher.dir",
		},
		{
			name: "watcher with dir",
			mutate: func(c *Config) {
				c.Hooks.Watcher.Enabled = true
				c.Hooks.Watcher.Dir = t.TempDir()
			},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging",
		},
		{
			name:    "unknown agent capability",
			mutate:  func(c *Config) { c.Agents = map[string]string{"wizard": "http://localhost:9001"} },
			wantErr: "unknown capability",
		},
		{
			name:    "empty agent url",
			mutate:  func(c *Config) { c.Agents = map[string]string{"backend": ""} },
			wantErr: "worker url",
		},
		{
			name: "valid agents",
			mutate: func(c *Config) {
				c.Agents = map[string]string{
					"backend": "http://localhost:9001",
					"tester":  "http://localhost:9002",
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHooksEnabled(t *testing.T) {
	var h HooksConfig
	h.Metrics.Enabled = true
	h.Cost.Enabled = true

	assert.True(t, h.Enabled(hooks.FlagMetrics))
	assert.True(t, h.Enabled(hooks.FlagCost))
	assert.False(t, h.Enabled(hooks.FlagStream))
	assert.False(t, h.Enabled(hooks.FlagWatcher))
	assert.False(t, h.Enabled(hooks.FlagNotify))
	assert.False(t, h.Enabled("unknown"))
}
