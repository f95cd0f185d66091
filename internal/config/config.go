// Package config defines the single canonical configuration struct for
// buildd. Every component consumes this definition; nothing redefines its
// own copy of these options.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/buildd/internal/checkpoint"
	"github.com/fyrsmithlabs/buildd/internal/hooks"
	"github.com/fyrsmithlabs/buildd/internal/logging"
	"github.com/fyrsmithlabs/buildd/internal/storage"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// Config is the canonical options struct. One feature flag and one config
// sub-object per optional lifecycle-hook feature.
type Config struct {
	Logging    logging.Config             `koanf:"logging"`
	Storage    storage.Config             `koanf:"storage"`
	Engine     EngineConfig               `koanf:"engine"`
	Checkpoint checkpoint.RetentionPolicy `koanf:"checkpoint"`
	Ops        OpsConfig                  `koanf:"ops"`
	Hooks      HooksConfig                `koanf:"hooks"`

	// Agents maps a capability to its remote worker base URL. An empty map
	// means simulation mode: every capability served by the fake client.
	Agents map[string]string `koanf:"agents"`
}

// EngineConfig bounds the orchestration loop.
type EngineConfig struct {
	// Concurrency is the worker pool size for parallel phases.
	Concurrency int `koanf:"concurrency"`

	// StallTimeout fails a task that makes no progress within the window.
	StallTimeout time.Duration `koanf:"stall_timeout"`

	// TimeBudget halts dispatch of new tasks once exceeded. Zero means
	// unlimited.
	TimeBudget time.Duration `koanf:"time_budget"`

	// CostBudgetCents halts dispatch once accumulated agent spend passes
	// it. Zero means unlimited. Requires the cost hook.
	CostBudgetCents int64 `koanf:"cost_budget_cents"`

	// CheckpointInterval is the periodic checkpoint safety net on top of
	// the per-transition saves.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`

	// DispatchPerSecond rate-limits agent invocations. Zero disables the
	// limiter.
	DispatchPerSecond float64 `koanf:"dispatch_per_second"`

	// GatePolicies maps a capability to "fail_fast" or "aggregate".
	// Unlisted capabilities default to fail_fast.
	GatePolicies map[string]string `koanf:"gate_policies"`
}

// OpsConfig configures the operator status server.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// HooksConfig holds one flag plus one config object per optional hook.
type HooksConfig struct {
	Metrics hooks.MetricsConfig `koanf:"metrics"`
	Stream  hooks.StreamConfig  `koanf:"stream"`
	Watcher hooks.WatcherConfig `koanf:"watcher"`
	Notify  hooks.NotifyConfig  `koanf:"notify"`
	Cost    hooks.CostConfig    `koanf:"cost"`
}

// Enabled reports whether the named hook feature flag is on. The engine
// resolves this once at build start.
func (h HooksConfig) Enabled(flag string) bool {
	switch flag {
	case hooks.FlagMetrics:
		return h.Metrics.Enabled
	case hooks.FlagStream:
		return h.Stream.Enabled
	case hooks.FlagWatcher:
		return h.Watcher.Enabled
	case hooks.FlagNotify:
		return h.Notify.Enabled
	case hooks.FlagCost:
		return h.Cost.Enabled
	default:
		return false
	}
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Logging: *logging.DefaultConfig(),
		Engine: EngineConfig{
			Concurrency:        4,
			StallTimeout:       10 * time.Minute,
			CheckpointInterval: 30 * time.Second,
		},
		Checkpoint: checkpoint.DefaultRetention(),
		Ops: OpsConfig{
			Addr: "127.0.0.1:8377",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1, got %d", c.Engine.Concurrency)
	}
	if c.Engine.StallTimeout <= 0 {
		return fmt.Errorf("engine.stall_timeout must be positive")
	}
	if c.Engine.DispatchPerSecond < 0 {
		return fmt.Errorf("engine.dispatch_per_second must not be negative")
	}
	for capability, policy := range c.Engine.GatePolicies {
		if policy != "fail_fast" && policy != "aggregate" {
			return fmt.Errorf("engine.gate_policies[%s]: unknown policy %q", capability, policy)
		}
	}
	if c.Checkpoint.MaxPerBuild < 1 {
		return fmt.Errorf("checkpoint.max_per_build must be at least 1")
	}
	if c.Hooks.Watcher.Enabled && c.Hooks.Watcher.Dir == "" {
		return fmt.Errorf("hooks.watcher.dir is required when the watcher hook is enabled")
	}
	for capability, url := range c.Agents {
		if !taskgraph.Capability(capability).Valid() {
			return fmt.Errorf("agents: unknown capability %q", capability)
		}
		if url == "" {
			return fmt.Errorf("agents[%s]: worker url must not be empty", capability)
		}
	}
	return nil
}
