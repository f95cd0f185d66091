package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

func recordHook(id string, log *[]string) Func {
	return Func{
		ID: id,
		On: []Phase{PhaseAfterTask},
		Fn: func(ctx context.Context, phase Phase, hctx *Context) error {
			*log = append(*log, id)
			return nil
		},
	}
}

func TestInvoke_PriorityOrder(t *testing.T) {
	var log []string
	r := NewRegistry(zap.NewNop())
	r.Register(recordHook("low", &log), 10, "")
	r.Register(recordHook("first", &log), 1, "")
	r.Register(recordHook("mid", &log), 5, "")

	r.Resolve(nil).Invoke(context.Background(), PhaseAfterTask, &Context{})
	assert.Equal(t, []string{"first", "mid", "low"}, log)
}

func TestInvoke_StableOnEqualPriority(t *testing.T) {
	var log []string
	r := NewRegistry(zap.NewNop())
	r.Register(recordHook("a", &log), 5, "")
	r.Register(recordHook("b", &log), 5, "")
	r.Register(recordHook("c", &log), 5, "")

	r.Resolve(nil).Invoke(context.Background(), PhaseAfterTask, &Context{})
	assert.Equal(t, []string{"a", "b", "c"}, log)
}

func TestInvoke_ErrorIsolation(t *testing.T) {
	var log []string
	r := NewRegistry(zap.NewNop())
	r.Register(Func{
		ID: "failing",
		On: []Phase{PhaseAfterTask},
		Fn: func(ctx context.Context, phase Phase, hctx *Context) error {
			return errors.New("always fails")
		},
	}, 1, "")
	r.Register(recordHook("after", &log), 2, "")

	r.Resolve(nil).Invoke(context.Background(), PhaseAfterTask, &Context{})
	assert.Equal(t, []string{"after"}, log, "a failing hook never stops later hooks")
}

func TestInvoke_PanicIsolation(t *testing.T) {
	var log []string
	r := NewRegistry(zap.NewNop())
	r.Register(Func{
		ID: "panicking",
		On: []Phase{PhaseAfterTask},
		Fn: func(ctx context.Context, phase Phase, hctx *Context) error {
			panic("boom")
		},
	}, 1, "")
	r.Register(recordHook("after", &log), 2, "")

	require.NotPanics(t, func() {
		r.Resolve(nil).Invoke(context.Background(), PhaseAfterTask, &Context{})
	})
	assert.Equal(t, []string{"after"}, log)
}

func TestResolve_DisabledHookSkippedEntirely(t *testing.T) {
	var log []string
	r := NewRegistry(zap.NewNop())
	r.Register(recordHook("flagged", &log), 1, "feature-x")

	resolved := r.Resolve(func(flag string) bool { return false })
	assert.Equal(t, 0, resolved.Count(PhaseAfterTask), "disabled hooks are dropped at resolve time")

	// Invoking a phase with no hooks must cost nothing measurable.
	hctx := &Context{}
	start := time.Now()
	for i := 0; i < 100000; i++ {
		resolved.Invoke(context.Background(), PhaseAfterTask, hctx)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, log)
}

func TestResolve_FlagEvaluatedOnce(t *testing.T) {
	calls := 0
	r := NewRegistry(zap.NewNop())
	var log []string
	r.Register(recordHook("flagged", &log), 1, "feature-x")

	resolved := r.Resolve(func(flag string) bool {
		calls++
		return true
	})
	for i := 0; i < 10; i++ {
		resolved.Invoke(context.Background(), PhaseAfterTask, &Context{})
	}
	assert.Equal(t, 1, calls, "flags resolve once per build, not per invocation")
	assert.Len(t, log, 10)
}

func TestNotify(t *testing.T) {
	var got []string
	sink := notifierFunc(func(ctx context.Context, title, body string) error {
		got = append(got, title)
		return nil
	})

	n := NewNotify(NotifyConfig{OnTaskError: true}, sink)
	b := &taskgraph.Build{ID: "b1", Status: taskgraph.BuildDone, Title: "demo"}

	require.NoError(t, n.Invoke(context.Background(), PhaseBuildComplete, &Context{Build: b}))
	require.NoError(t, n.Invoke(context.Background(), PhaseOnTaskError, &Context{
		Task: &taskgraph.Task{ID: "t1"},
		Err:  errors.New("gate rejected"),
	}))
	assert.Len(t, got, 2)
	assert.Contains(t, got[0], "b1")
	assert.Contains(t, got[1], "t1")
}

type notifierFunc func(ctx context.Context, title, body string) error

func (f notifierFunc) Notify(ctx context.Context, title, body string) error {
	return f(ctx, title, body)
}

func TestCost(t *testing.T) {
	c := NewCost(CostConfig{})
	ctx := context.Background()

	require.NoError(t, c.Invoke(ctx, PhaseAfterTask, &Context{Result: resultWithCost(125)}))
	require.NoError(t, c.Invoke(ctx, PhaseOnTaskError, &Context{Result: resultWithCost(75)}))
	require.NoError(t, c.Invoke(ctx, PhaseAfterTask, &Context{}))
	assert.Equal(t, int64(200), c.TotalCents())
}
