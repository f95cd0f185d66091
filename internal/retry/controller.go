// Package retry governs what happens when a task's result is rejected:
// one bounded retry, then escalation. It also owns the fatal triggers that
// skip retry entirely.
package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// MaxRetries is the hard bound on automated retries per task: one original
// dispatch plus one retry, never more.
const MaxRetries = 1

// Reason classifies why a build escalated.
type Reason string

const (
	ReasonGateExhausted         Reason = "gate_retry_exhausted"
	ReasonCycle                 Reason = "circular_dependency"
	ReasonCapabilityUnavailable Reason = "capability_unavailable"
	ReasonValidationImpossible  Reason = "validation_impossible"
	ReasonPhaseFailedTwice      Reason = "phase_failed_twice"
	ReasonExternalUnreachable   Reason = "external_dependency_unreachable"
	ReasonBudgetExceeded        Reason = "budget_exceeded"
)

// FailureKind distinguishes retryable from fatal failures.
type FailureKind string

const (
	// FailureGate is a gate rejection; retryable once.
	FailureGate FailureKind = "gate"

	// FailureStall is a stalled task; routed exactly like a gate failure.
	FailureStall FailureKind = "stall"

	// FailureFatal skips retry and escalates immediately.
	FailureFatal FailureKind = "fatal"
)

// Failure describes one task failure presented to the controller.
type Failure struct {
	Kind    FailureKind
	Reasons []string
	Fatal   Reason // set when Kind is FailureFatal
}

// Action is the controller's decision for a failure.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

// Decision carries the chosen action plus the material the engine needs to
// execute it.
type Decision struct {
	Action Action

	// RetryReasons feed the retry request's context on ActionRetry.
	RetryReasons []string

	// Record is the escalation artifact on ActionEscalate.
	Record *EscalationRecord
}

// EscalationRecord is the structured artifact written on escalation, meant
// for an external operator to read and act on.
type EscalationRecord struct {
	ID             string    `json:"id"`
	BuildID        string    `json:"build_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Reason         Reason    `json:"reason"`
	LastError      string    `json:"last_error"`
	RequiredAction string    `json:"required_action"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewRecord builds an escalation record outside the per-task retry path,
// for build-level triggers such as dependency cycles and exhausted budgets.
func NewRecord(buildID, taskID string, reason Reason, lastErr string) *EscalationRecord {
	return &EscalationRecord{
		ID:             uuid.New().String(),
		BuildID:        buildID,
		TaskID:         taskID,
		Reason:         reason,
		LastError:      lastErr,
		RequiredAction: requiredAction(reason),
		Timestamp:      time.Now().UTC(),
	}
}

// Controller tracks retry state per task and failure counts per phase.
// Thread-safe; one controller serves one build.
type Controller struct {
	mu sync.Mutex

	attempts      map[string]int // task id -> failed attempts
	phaseFailures map[int]int    // phase index -> distinct exhausted tasks
	logger        *zap.Logger
}

// NewController creates a controller for a single build.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		attempts:      make(map[string]int),
		phaseFailures: make(map[int]int),
		logger:        logger,
	}
}

// Attempts returns the failed attempt count recorded for a task.
func (c *Controller) Attempts(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[taskID]
}

// Decide records the failure and chooses retry or escalation.
//
// Gate and stall failures get exactly one retry. The second consecutive
// failure, any fatal failure, or a second exhausted task in the same phase
// escalates the build.
func (c *Controller) Decide(b *taskgraph.Build, ref taskgraph.TaskRef, f Failure) Decision {
	task := b.TaskAt(ref)
	if task == nil {
		return Decision{Action: ActionEscalate, Record: c.record(b, "", ReasonValidationImpossible,
			fmt.Sprintf("failure reported for unknown task at phase %d index %d", ref.Phase, ref.Index),
			"inspect the build plan and event log; the task reference is invalid")}
	}

	if f.Kind == FailureFatal {
		return Decision{Action: ActionEscalate, Record: c.record(b, task.ID, f.Fatal,
			joinReasons(f.Reasons), requiredAction(f.Fatal))}
	}

	c.mu.Lock()
	c.attempts[task.ID]++
	attempts := c.attempts[task.ID]
	c.mu.Unlock()

	if attempts <= MaxRetries {
		c.logger.Info("scheduling bounded retry",
			zap.String("build_id", b.ID),
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempts),
			zap.Strings("reasons", f.Reasons),
		)
		return Decision{Action: ActionRetry, RetryReasons: append([]string(nil), f.Reasons...)}
	}

	// Retry exhausted: the task and its phase are done for.
	c.mu.Lock()
	c.phaseFailures[ref.Phase]++
	phaseFailures := c.phaseFailures[ref.Phase]
	c.mu.Unlock()

	reason := ReasonGateExhausted
	if phaseFailures >= 2 {
		reason = ReasonPhaseFailedTwice
	}
	if f.Kind == FailureStall {
		f.Reasons = append(f.Reasons, "task stalled past the configured window")
	}

	return Decision{Action: ActionEscalate, Record: c.record(b, task.ID, reason,
		joinReasons(f.Reasons), requiredAction(reason))}
}

// PhaseFailures returns distinct exhausted-task count for a phase index.
func (c *Controller) PhaseFailures(phase int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phaseFailures[phase]
}

// Clear resets retry state for a task, used when an external actor clears
// an escalation and the build resumes from a checkpoint.
func (c *Controller) Clear(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, taskID)
}

func (c *Controller) record(b *taskgraph.Build, taskID string, reason Reason, lastErr, action string) *EscalationRecord {
	rec := &EscalationRecord{
		ID:             uuid.New().String(),
		BuildID:        b.ID,
		TaskID:         taskID,
		Reason:         reason,
		LastError:      lastErr,
		RequiredAction: action,
		Timestamp:      time.Now().UTC(),
	}
	c.logger.Error("escalating build",
		zap.String("build_id", b.ID),
		zap.String("task_id", taskID),
		zap.String("reason", string(reason)),
		zap.String("last_error", lastErr),
	)
	return rec
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no reasons recorded"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func requiredAction(reason Reason) string {
	switch reason {
	case ReasonCycle:
		return "fix the circular phase dependency in the plan and resubmit"
	case ReasonCapabilityUnavailable:
		return "restore the unavailable agent capability, then resume from the last checkpoint"
	case ReasonValidationImpossible:
		return "add acceptance criteria for the task, then resume from the last checkpoint"
	case ReasonPhaseFailedTwice:
		return "review the phase definition; two separate tasks in it exhausted their retries"
	case ReasonExternalUnreachable:
		return "restore the unreachable external dependency, then resume from the last checkpoint"
	case ReasonBudgetExceeded:
		return "raise the build budget or trim the plan, then resume from the last checkpoint"
	default:
		return "review the gate failures, correct the task or its agent, then resume from the last checkpoint"
	}
}
