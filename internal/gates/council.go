package gates

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// Judge is one independent voice on a council. A judge reads the task and
// result and returns an approve/reject vote with a reason.
type Judge interface {
	// Name identifies the judge in verdicts and logs.
	Name() string

	// Judge votes on the result. The error return means the judge could
	// not evaluate at all.
	Judge(ctx context.Context, task *taskgraph.Task, res *agent.Result) (approve bool, reason string, err error)
}

// JudgeFunc adapts a function to the Judge interface.
type JudgeFunc struct {
	ID string
	Fn func(ctx context.Context, task *taskgraph.Task, res *agent.Result) (bool, string, error)
}

func (j JudgeFunc) Name() string { return j.ID }

func (j JudgeFunc) Judge(ctx context.Context, task *taskgraph.Task, res *agent.Result) (bool, string, error) {
	return j.Fn(ctx, task, res)
}

// Council aggregates independent judgments into one pass/fail by strict
// majority. An even split resolves to fail: acceptance needs a real
// majority, not the benefit of the doubt.
type Council struct {
	id     string
	judges []Judge
}

// NewCouncil creates a council gate over the given judges.
func NewCouncil(id string, judges ...Judge) *Council {
	return &Council{id: id, judges: judges}
}

func (c *Council) Name() string { return c.id }

// Check collects every vote and passes only on a strict majority of
// approvals.
func (c *Council) Check(ctx context.Context, task *taskgraph.Task, res *agent.Result) (Verdict, error) {
	if len(c.judges) == 0 {
		return Verdict{}, fmt.Errorf("%w: council %s has no judges", ErrValidationImpossible, c.id)
	}

	v := Verdict{Gate: c.id}
	approvals := 0
	for _, j := range c.judges {
		approve, reason, err := j.Judge(ctx, task, res)
		if err != nil {
			return Verdict{}, fmt.Errorf("judge %s: %w", j.Name(), err)
		}
		if approve {
			approvals++
			continue
		}
		if reason == "" {
			reason = "rejected without reason"
		}
		v.Errors = append(v.Errors, fmt.Sprintf("%s: %s", j.Name(), reason))
	}

	v.Passed = approvals*2 > len(c.judges)
	if !v.Passed && len(v.Errors) == 0 {
		v.Errors = append(v.Errors, fmt.Sprintf("council split %d/%d, ties resolve to fail", approvals, len(c.judges)))
	}
	return v, nil
}
