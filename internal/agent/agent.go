// Package agent defines the boundary to the workers that execute atomic
// tasks. The orchestrator treats a client as an opaque capability: it hands
// over a task plus assembled context and consumes a structured result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// Errors for agent dispatch.
var (
	ErrCapabilityUnknown     = errors.New("no client registered for capability")
	ErrCapabilityUnavailable = errors.New("capability is unavailable")
	ErrStalled               = errors.New("task stalled: no progress within the stall window")
)

// Result is the structured output of one agent invocation.
type Result struct {
	TaskID    string               `json:"task_id"`
	Output    string               `json:"output"`
	Artifacts []taskgraph.Artifact `json:"artifacts,omitempty"`
	CostCents int64                `json:"cost_cents,omitempty"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

// Context carries everything an agent may need beyond the task itself:
// outputs of tasks named by the declared input references, gate failure
// reasons on a retry, and auxiliary entries injected by lifecycle hooks.
type Context struct {
	BuildID string `json:"build_id"`

	// Inputs maps an input-reference task id to that task's accepted output.
	Inputs map[string]string `json:"inputs,omitempty"`

	// RetryReasons is non-empty only on the single bounded retry and carries
	// the rejecting gates' failure reasons.
	RetryReasons []string `json:"retry_reasons,omitempty"`

	// Auxiliary holds hook-injected context such as routing hints or
	// retrieved memory. Keys are hook-owned.
	Auxiliary map[string]string `json:"auxiliary,omitempty"`
}

// Inject adds an auxiliary entry. Hooks use this on before-task.
func (c *Context) Inject(key, value string) {
	if c.Auxiliary == nil {
		c.Auxiliary = make(map[string]string)
	}
	c.Auxiliary[key] = value
}

// Client executes a task. Implementations wrap an LLM call, a subprocess,
// or a remote worker; the orchestrator never looks inside.
type Client interface {
	// Invoke runs the task to completion or error. Blocking; honors ctx.
	Invoke(ctx context.Context, task *taskgraph.Task, actx *Context) (*Result, error)

	// Healthy reports whether the backing worker can currently accept work.
	Healthy(ctx context.Context) error
}

// Registry maps capabilities to clients. It is constructed explicitly and
// passed in, so two builds in one process can run with different rosters.
type Registry struct {
	clients map[taskgraph.Capability]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[taskgraph.Capability]Client)}
}

// Register binds a client to a capability, replacing any previous binding.
func (r *Registry) Register(capability taskgraph.Capability, client Client) {
	r.clients[capability] = client
}

// Client returns the client bound to the capability.
func (r *Registry) Client(capability taskgraph.Capability) (Client, error) {
	c, ok := r.clients[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityUnknown, capability)
	}
	return c, nil
}

// Healthy checks that the capability is registered and its worker is up.
func (r *Registry) Healthy(ctx context.Context, capability taskgraph.Capability) error {
	c, err := r.Client(capability)
	if err != nil {
		return err
	}
	if err := c.Healthy(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCapabilityUnavailable, capability, err)
	}
	return nil
}

// Capabilities lists registered capabilities in stable order.
func (r *Registry) Capabilities() []taskgraph.Capability {
	caps := make([]taskgraph.Capability, 0, len(r.clients))
	for c := range r.clients {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// AssembleContext builds the invocation context for a task from the build's
// accepted outputs and the retry reasons, if any.
func AssembleContext(b *taskgraph.Build, task *taskgraph.Task, retryReasons []string) *Context {
	actx := &Context{
		BuildID:      b.ID,
		RetryReasons: append([]string(nil), retryReasons...),
	}
	for _, ref := range task.Input {
		if _, src, ok := b.FindTask(ref); ok && src.Status == taskgraph.TaskValidated {
			if actx.Inputs == nil {
				actx.Inputs = make(map[string]string)
			}
			actx.Inputs[ref] = src.ResultOutput
		}
	}
	return actx
}

// Describe renders a short human-readable summary of the context, used in
// logs and escalation records.
func (c *Context) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build=%s inputs=%d", c.BuildID, len(c.Inputs))
	if len(c.RetryReasons) > 0 {
		fmt.Fprintf(&sb, " retry_reasons=%d", len(c.RetryReasons))
	}
	return sb.String()
}
