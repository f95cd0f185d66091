// Package hooks provides the lifecycle hook registry: optional,
// priority-ordered side-effect handlers layered onto the orchestration loop.
// A hook failure is logged and swallowed; it never aborts a build.
package hooks

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// Phase names a point in the orchestration loop where hooks fire.
type Phase string

const (
	PhaseBeforeBuild   Phase = "before-build"
	PhaseBeforeTask    Phase = "before-task"
	PhaseAfterTask     Phase = "after-task"
	PhaseOnTaskError   Phase = "on-task-error"
	PhaseOnHandoff     Phase = "on-handoff"
	PhaseBuildComplete Phase = "build-complete"
)

// Context is the material handed to a hook. Fields are populated per phase;
// a before-build hook sees only the build, an after-task hook also sees the
// task and its result.
type Context struct {
	Build  *taskgraph.Build
	Task   *taskgraph.Task
	Result *agent.Result
	Err    error

	// AgentContext is mutable on before-task: hooks may inject auxiliary
	// context that travels with the dispatch.
	AgentContext *agent.Context
}

// Hook is an optional cross-cutting feature invoked at named phases.
type Hook interface {
	// Name identifies the hook in logs.
	Name() string

	// Phases lists the lifecycle phases the hook subscribes to.
	Phases() []Phase

	// Invoke performs the side effect. Errors are logged, never propagated.
	Invoke(ctx context.Context, phase Phase, hctx *Context) error
}

type entry struct {
	hook     Hook
	priority int
	flag     string
	order    int // registration order, the tie-break
}

// Registry collects hook registrations. It is constructed explicitly and
// passed into the engine; there is no process-global registry.
type Registry struct {
	entries []entry
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register adds a hook with a priority and an optional feature flag. Lower
// priorities run first; ties keep registration order. A hook with an empty
// flag is always enabled.
func (r *Registry) Register(h Hook, priority int, flag string) {
	r.entries = append(r.entries, entry{
		hook:     h,
		priority: priority,
		flag:     flag,
		order:    len(r.entries),
	})
}

// Resolve evaluates feature flags once and returns the invocation set for a
// build. Disabled hooks are dropped here, so invoking a phase they
// subscribed to costs nothing at all.
func (r *Registry) Resolve(enabled func(flag string) bool) *Resolved {
	byPhase := make(map[Phase][]entry)
	for _, e := range r.entries {
		if e.flag != "" && (enabled == nil || !enabled(e.flag)) {
			r.logger.Debug("hook disabled by feature flag",
				zap.String("hook", e.hook.Name()),
				zap.String("flag", e.flag),
			)
			continue
		}
		for _, p := range e.hook.Phases() {
			byPhase[p] = append(byPhase[p], e)
		}
	}
	for p := range byPhase {
		es := byPhase[p]
		sort.SliceStable(es, func(i, j int) bool {
			if es[i].priority != es[j].priority {
				return es[i].priority < es[j].priority
			}
			return es[i].order < es[j].order
		})
	}
	return &Resolved{byPhase: byPhase, logger: r.logger}
}

// Resolved is the per-build invocation set with flags already applied.
type Resolved struct {
	byPhase map[Phase][]entry
	logger  *zap.Logger
}

// Count returns the number of hooks subscribed to a phase.
func (r *Resolved) Count(phase Phase) int {
	return len(r.byPhase[phase])
}

// Invoke runs every hook for the phase in priority order. Each invocation
// is wrapped in an isolating boundary: errors and panics are logged and the
// loop continues.
func (r *Resolved) Invoke(ctx context.Context, phase Phase, hctx *Context) {
	for _, e := range r.byPhase[phase] {
		r.invokeOne(ctx, phase, e.hook, hctx)
	}
}

func (r *Resolved) invokeOne(ctx context.Context, phase Phase, h Hook, hctx *Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("hook panicked",
				zap.String("hook", h.Name()),
				zap.String("phase", string(phase)),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := h.Invoke(ctx, phase, hctx); err != nil {
		r.logger.Warn("hook failed",
			zap.String("hook", h.Name()),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
	}
}

// Func adapts a plain function into a Hook.
type Func struct {
	ID string
	On []Phase
	Fn func(ctx context.Context, phase Phase, hctx *Context) error
}

func (f Func) Name() string { return f.ID }

func (f Func) Phases() []Phase { return f.On }

func (f Func) Invoke(ctx context.Context, phase Phase, hctx *Context) error {
	if f.Fn == nil {
		return fmt.Errorf("hook %s has no function", f.ID)
	}
	return f.Fn(ctx, phase, hctx)
}
