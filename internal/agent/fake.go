package agent

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// FakeClient is a scriptable client for tests and dry runs. Responses are
// keyed by task id; unscripted tasks succeed with a canned output.
type FakeClient struct {
	mu sync.Mutex

	// Outputs maps task id to the output returned for it.
	Outputs map[string]string

	// Errs maps task id to an error returned instead of a result.
	Errs map[string]error

	// FailFirst maps task id to a number of initial invocations that
	// return empty output, which the output gate rejects.
	FailFirst map[string]int

	// HealthErr, when set, makes Healthy fail.
	HealthErr error

	// Invocations records every task id in dispatch order.
	Invocations []string
}

// NewFakeClient creates an empty fake that succeeds on every task.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Outputs:   make(map[string]string),
		Errs:      make(map[string]error),
		FailFirst: make(map[string]int),
	}
}

// Invoke returns the scripted response for the task.
func (f *FakeClient) Invoke(ctx context.Context, task *taskgraph.Task, actx *Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.Invocations = append(f.Invocations, task.ID)
	err := f.Errs[task.ID]
	out, ok := f.Outputs[task.ID]
	failing := f.FailFirst[task.ID] > 0
	if failing {
		f.FailFirst[task.ID]--
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if failing {
		return &Result{TaskID: task.ID}, nil
	}
	if !ok {
		out = "completed: " + task.Description
	}
	return &Result{TaskID: task.ID, Output: out}, nil
}

// Healthy reports the scripted health state.
func (f *FakeClient) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HealthErr
}

// Count returns how many times the task was dispatched.
func (f *FakeClient) Count(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.Invocations {
		if id == taskID {
			n++
		}
	}
	return n
}
