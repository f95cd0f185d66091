// Package gates validates agent results before the orchestrator accepts
// them. Gates are pure over the task, the result, and their own config:
// they never touch build state.
package gates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// ErrValidationImpossible marks a gate that cannot evaluate the task at all,
// for example when acceptance criteria are missing. The controller treats it
// as a fatal escalation trigger, not a retryable failure.
var ErrValidationImpossible = errors.New("validation impossible")

// Verdict is one gate's judgment of one result.
type Verdict struct {
	Gate   string   `json:"gate"`
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// Gate is a single validator. A gate must not assume any other gate ran.
type Gate interface {
	// Name returns the gate identifier.
	Name() string

	// Check judges the result. The error return is reserved for the gate
	// itself failing to evaluate; rejection is expressed in the Verdict.
	Check(ctx context.Context, task *taskgraph.Task, res *agent.Result) (Verdict, error)
}

// OutputGate rejects empty agent output. The smallest useful contract: an
// agent that returned nothing did not do the task.
type OutputGate struct{}

// NewOutputGate creates the output presence gate.
func NewOutputGate() *OutputGate { return &OutputGate{} }

func (g *OutputGate) Name() string { return "output-presence" }

func (g *OutputGate) Check(ctx context.Context, task *taskgraph.Task, res *agent.Result) (Verdict, error) {
	v := Verdict{Gate: g.Name(), Passed: true}
	if res == nil || strings.TrimSpace(res.Output) == "" {
		v.Passed = false
		v.Errors = append(v.Errors, fmt.Sprintf("task %s produced no output", task.ID))
	}
	return v, nil
}

// ContractGate checks the result against the task's declared output
// contract. A task without a contract cannot be judged: that is a
// validation-impossible condition, not a pass.
type ContractGate struct{}

// NewContractGate creates the output contract gate.
func NewContractGate() *ContractGate { return &ContractGate{} }

func (g *ContractGate) Name() string { return "output-contract" }

func (g *ContractGate) Check(ctx context.Context, task *taskgraph.Task, res *agent.Result) (Verdict, error) {
	if strings.TrimSpace(task.Output) == "" {
		return Verdict{}, fmt.Errorf("%w: task %s declares no output contract", ErrValidationImpossible, task.ID)
	}
	v := Verdict{Gate: g.Name(), Passed: true}
	if res == nil || res.Output == "" {
		v.Passed = false
		v.Errors = append(v.Errors, "no output to check against contract")
		return v, nil
	}
	// The contract is a short description of the expected deliverable; the
	// result must at least acknowledge every contracted term.
	for _, term := range contractTerms(task.Output) {
		if !strings.Contains(strings.ToLower(res.Output), term) {
			v.Passed = false
			v.Errors = append(v.Errors, fmt.Sprintf("output does not address contracted term %q", term))
		}
	}
	return v, nil
}

// ArtifactGate requires at least one artifact when the task declares file
// inputs, on the theory that such tasks produce files in turn.
type ArtifactGate struct {
	// Required forces artifact presence regardless of inputs.
	Required bool
}

// NewArtifactGate creates the artifact gate.
func NewArtifactGate(required bool) *ArtifactGate {
	return &ArtifactGate{Required: required}
}

func (g *ArtifactGate) Name() string { return "artifact-presence" }

func (g *ArtifactGate) Check(ctx context.Context, task *taskgraph.Task, res *agent.Result) (Verdict, error) {
	v := Verdict{Gate: g.Name(), Passed: true}
	if !g.Required {
		return v, nil
	}
	if res == nil || len(res.Artifacts) == 0 {
		v.Passed = false
		v.Errors = append(v.Errors, fmt.Sprintf("task %s produced no artifacts", task.ID))
	}
	return v, nil
}

// contractTerms lowercases and splits a contract into significant words.
func contractTerms(contract string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(contract)) {
		w = strings.Trim(w, ".,;:()[]")
		if len(w) >= 4 {
			terms = append(terms, w)
		}
	}
	return terms
}
