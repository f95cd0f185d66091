package hooks

import (
	"context"
	"sync/atomic"
)

// FlagCost enables the cost tracking hook.
const FlagCost = "cost"

// CostConfig configures the cost tracking hook.
type CostConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Cost accumulates agent-reported spend across a build. The engine reads
// Total against the build budget; keeping the bookkeeping in a hook keeps
// the core loop free of it.
type Cost struct {
	totalCents atomic.Int64
}

// NewCost creates the cost tracking hook.
func NewCost(CostConfig) *Cost { return &Cost{} }

func (c *Cost) Name() string { return "cost" }

func (c *Cost) Phases() []Phase {
	return []Phase{PhaseAfterTask, PhaseOnTaskError}
}

func (c *Cost) Invoke(ctx context.Context, phase Phase, hctx *Context) error {
	if hctx.Result != nil {
		c.totalCents.Add(hctx.Result.CostCents)
	}
	return nil
}

// TotalCents returns the accumulated spend.
func (c *Cost) TotalCents() int64 {
	return c.totalCents.Load()
}
