// Package taskgraph defines the build data model: a Build owns ordered
// Phases, each Phase owns its atomic Tasks, and dependency edges reference
// strictly earlier phases.
package taskgraph

import (
	"time"
)

// Capability identifies the kind of agent a task is dispatched to.
// The set is closed so dispatch switches stay exhaustive.
type Capability string

const (
	CapabilityPlanner  Capability = "planner"
	CapabilityBackend  Capability = "backend"
	CapabilityFrontend Capability = "frontend"
	CapabilityTester   Capability = "tester"
	CapabilityReviewer Capability = "reviewer"
	CapabilityDocs     Capability = "docs"
)

// AllCapabilities returns every known capability.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityPlanner,
		CapabilityBackend,
		CapabilityFrontend,
		CapabilityTester,
		CapabilityReviewer,
		CapabilityDocs,
	}
}

// Valid reports whether the capability is one of the known kinds.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityPlanner, CapabilityBackend, CapabilityFrontend,
		CapabilityTester, CapabilityReviewer, CapabilityDocs:
		return true
	}
	return false
}

// BuildStatus is the lifecycle status of a Build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildBlocked   BuildStatus = "blocked"
	BuildEscalated BuildStatus = "escalated"
	BuildDone      BuildStatus = "done"
)

// Terminal reports whether the status ends the build absent external action.
func (s BuildStatus) Terminal() bool {
	return s == BuildDone || s == BuildEscalated
}

// EscalationLevel tracks the retry controller's position for a build.
type EscalationLevel string

const (
	EscalationNone       EscalationLevel = "none"
	EscalationAgentRetry EscalationLevel = "agent_retry"
	EscalationBlocked    EscalationLevel = "blocked"
	EscalationEscalated  EscalationLevel = "escalated"
	EscalationDone       EscalationLevel = "done"
)

// PhaseStatus is the lifecycle status of a Phase.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseRunning PhaseStatus = "running"
	PhasePassed  PhaseStatus = "passed"
	PhaseFailed  PhaseStatus = "failed"
)

// TaskStatus is the lifecycle status of an atomic Task. Transitions are
// monotonic; see ValidTaskTransition.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskValidated  TaskStatus = "validated"
)

// Build is one end-to-end orchestrator run over a task graph.
type Build struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Status          BuildStatus     `json:"status"`
	Phases          []*Phase        `json:"phases"`
	CurrentPhase    int             `json:"current_phase"`
	RetryCount      int             `json:"retry_count"`
	EscalationLevel EscalationLevel `json:"escalation_level"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Phase is a named group of tasks sharing a primary capability.
type Phase struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Capability Capability  `json:"capability"`
	Tasks      []*Task     `json:"tasks"`
	DependsOn  []int       `json:"depends_on,omitempty"`
	Parallel   bool        `json:"parallel,omitempty"`
	Status     PhaseStatus `json:"status"`

	// Failures counts distinct tasks in this phase that exhausted their
	// retry. Two failures across separate tasks escalate the build.
	Failures int `json:"failures,omitempty"`
}

// Task is the smallest dispatchable unit of work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Capability  Capability `json:"capability"`
	Input       []string   `json:"input,omitempty"`
	Output      string     `json:"output,omitempty"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`

	// ResultOutput is the accepted agent output, kept for downstream
	// tasks that declare this task as an input reference.
	ResultOutput string     `json:"result_output,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a work product attached to a validated task.
type Artifact struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// TaskRef addresses a task by phase index and position within the phase.
type TaskRef struct {
	Phase int
	Index int
}

// TaskAt returns the task at ref, or nil when out of range.
func (b *Build) TaskAt(ref TaskRef) *Task {
	if ref.Phase < 0 || ref.Phase >= len(b.Phases) {
		return nil
	}
	p := b.Phases[ref.Phase]
	if ref.Index < 0 || ref.Index >= len(p.Tasks) {
		return nil
	}
	return p.Tasks[ref.Index]
}

// FindTask locates a task by its id across all phases.
func (b *Build) FindTask(taskID string) (TaskRef, *Task, bool) {
	for pi, p := range b.Phases {
		for ti, task := range p.Tasks {
			if task.ID == taskID {
				return TaskRef{Phase: pi, Index: ti}, task, true
			}
		}
	}
	return TaskRef{}, nil, false
}

// Remaining reports whether any task has not reached a validated state.
func (b *Build) Remaining() bool {
	for _, p := range b.Phases {
		for _, t := range p.Tasks {
			if t.Status != TaskValidated {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	tc := *t
	tc.Input = append([]string(nil), t.Input...)
	tc.Artifacts = append([]Artifact(nil), t.Artifacts...)
	return &tc
}

// Clone returns a deep copy of the build. Checkpoint and event paths hold
// copies so they never alias the live build.
func (b *Build) Clone() *Build {
	cp := *b
	cp.Phases = make([]*Phase, len(b.Phases))
	for i, p := range b.Phases {
		pc := *p
		pc.DependsOn = append([]int(nil), p.DependsOn...)
		pc.Tasks = make([]*Task, len(p.Tasks))
		for j, t := range p.Tasks {
			pc.Tasks[j] = t.Clone()
		}
		cp.Phases[i] = &pc
	}
	return &cp
}
