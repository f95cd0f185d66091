package gates

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// Policy selects how the pipeline reacts to a failing gate.
type Policy string

const (
	// PolicyFailFast stops at the first failing gate.
	PolicyFailFast Policy = "fail_fast"

	// PolicyAggregate runs every gate and collects all failures.
	PolicyAggregate Policy = "aggregate"
)

// Report is the pipeline's combined judgment for one task result.
type Report struct {
	TaskID   string    `json:"task_id"`
	Passed   bool      `json:"passed"`
	Verdicts []Verdict `json:"verdicts"`
}

// Reasons flattens every failing verdict into gate-prefixed reasons,
// suitable for a retry request or an escalation record.
func (r *Report) Reasons() []string {
	var reasons []string
	for _, v := range r.Verdicts {
		if v.Passed {
			continue
		}
		for _, e := range v.Errors {
			reasons = append(reasons, fmt.Sprintf("[%s] %s", v.Gate, e))
		}
	}
	return reasons
}

// Pipeline runs gates in a fixed configured order.
type Pipeline struct {
	gates []Gate
}

// NewPipeline creates a pipeline over the given gates. Argument order is
// execution order.
func NewPipeline(gs ...Gate) *Pipeline {
	return &Pipeline{gates: gs}
}

// Run applies every gate per the policy. A gate evaluation error aborts the
// run and surfaces to the caller; rejection is expressed in the report.
func (p *Pipeline) Run(ctx context.Context, task *taskgraph.Task, res *agent.Result, policy Policy) (*Report, error) {
	report := &Report{TaskID: task.ID, Passed: true}

	for _, g := range p.gates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		verdict, err := g.Check(ctx, task, res)
		if err != nil {
			return nil, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		report.Verdicts = append(report.Verdicts, verdict)
		if !verdict.Passed {
			report.Passed = false
			if policy == PolicyFailFast {
				break
			}
		}
	}

	return report, nil
}
