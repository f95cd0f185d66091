package gates

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

func TestOutputGate(t *testing.T) {
	ctx := context.Background()
	g := NewOutputGate()
	task := &taskgraph.Task{ID: "t1"}

	v, err := g.Check(ctx, task, &agent.Result{Output: "done"})
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = g.Check(ctx, task, &agent.Result{Output: "   "})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.NotEmpty(t, v.Errors)

	v, err = g.Check(ctx, task, nil)
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestContractGate(t *testing.T) {
	ctx := context.Background()
	g := NewContractGate()
	task := &taskgraph.Task{ID: "t1", Output: "handler code"}

	v, err := g.Check(ctx, task, &agent.Result{Output: "wrote the handler code for the endpoint"})
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = g.Check(ctx, task, &agent.Result{Output: "did something else entirely"})
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestContractGate_MissingCriteria(t *testing.T) {
	g := NewContractGate()
	_, err := g.Check(context.Background(), &taskgraph.Task{ID: "t1"}, &agent.Result{Output: "x"})
	assert.ErrorIs(t, err, ErrValidationImpossible)
}

func TestArtifactGate(t *testing.T) {
	ctx := context.Background()
	task := &taskgraph.Task{ID: "t1"}

	v, err := NewArtifactGate(false).Check(ctx, task, &agent.Result{})
	require.NoError(t, err)
	assert.True(t, v.Passed, "not required means always pass")

	v, err = NewArtifactGate(true).Check(ctx, task, &agent.Result{})
	require.NoError(t, err)
	assert.False(t, v.Passed)

	v, err = NewArtifactGate(true).Check(ctx, task, &agent.Result{
		Artifacts: []taskgraph.Artifact{{Type: "file", Path: "a.go"}},
	})
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

type stubGate struct {
	name   string
	passed bool
	err    error
	calls  *int
}

func (s stubGate) Name() string { return s.name }

func (s stubGate) Check(ctx context.Context, task *taskgraph.Task, res *agent.Result) (Verdict, error) {
	if s.calls != nil {
		*s.calls++
	}
	if s.err != nil {
		return Verdict{}, s.err
	}
	v := Verdict{Gate: s.name, Passed: s.passed}
	if !s.passed {
		v.Errors = []string{s.name + " rejected"}
	}
	return v, nil
}

func TestPipeline_FailFast(t *testing.T) {
	var first, second int
	p := NewPipeline(
		stubGate{name: "a", passed: false, calls: &first},
		stubGate{name: "b", passed: true, calls: &second},
	)

	report, err := p.Run(context.Background(), &taskgraph.Task{ID: "t"}, &agent.Result{}, PolicyFailFast)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second, "fail-fast stops at the first failing gate")
	assert.Len(t, report.Verdicts, 1)
}

func TestPipeline_Aggregate(t *testing.T) {
	p := NewPipeline(
		stubGate{name: "a", passed: false},
		stubGate{name: "b", passed: true},
		stubGate{name: "c", passed: false},
	)

	report, err := p.Run(context.Background(), &taskgraph.Task{ID: "t"}, &agent.Result{}, PolicyAggregate)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Len(t, report.Verdicts, 3)
	assert.Equal(t, []string{"[a] a rejected", "[c] c rejected"}, report.Reasons())
}

func TestPipeline_GateError(t *testing.T) {
	p := NewPipeline(stubGate{name: "broken", err: errors.New("no criteria")})
	_, err := p.Run(context.Background(), &taskgraph.Task{ID: "t"}, &agent.Result{}, PolicyAggregate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func approveJudge(id string) Judge {
	return JudgeFunc{ID: id, Fn: func(ctx context.Context, task *taskgraph.Task, res *agent.Result) (bool, string, error) {
		return true, "", nil
	}}
}

func rejectJudge(id, reason string) Judge {
	return JudgeFunc{ID: id, Fn: func(ctx context.Context, task *taskgraph.Task, res *agent.Result) (bool, string, error) {
		return false, reason, nil
	}}
}

func TestCouncil_Majority(t *testing.T) {
	ctx := context.Background()
	task := &taskgraph.Task{ID: "t"}
	res := &agent.Result{Output: "x"}

	tests := []struct {
		name   string
		judges []Judge
		want   bool
	}{
		{"unanimous pass", []Judge{approveJudge("a"), approveJudge("b"), approveJudge("c")}, true},
		{"2 of 3", []Judge{approveJudge("a"), approveJudge("b"), rejectJudge("c", "weak tests")}, true},
		{"1 of 3", []Judge{approveJudge("a"), rejectJudge("b", "no"), rejectJudge("c", "no")}, false},
		{"even split fails", []Judge{approveJudge("a"), rejectJudge("b", "no")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewCouncil("council", tt.judges...).Check(ctx, task, res)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Passed)
		})
	}
}

func TestCouncil_NoJudges(t *testing.T) {
	_, err := NewCouncil("empty").Check(context.Background(), &taskgraph.Task{ID: "t"}, &agent.Result{})
	assert.ErrorIs(t, err, ErrValidationImpossible)
}

func TestCouncil_JudgeError(t *testing.T) {
	bad := JudgeFunc{ID: "bad", Fn: func(ctx context.Context, task *taskgraph.Task, res *agent.Result) (bool, string, error) {
		return false, "", errors.New("judge offline")
	}}
	_, err := NewCouncil("council", bad).Check(context.Background(), &taskgraph.Task{ID: "t"}, &agent.Result{})
	assert.Error(t, err)
}
