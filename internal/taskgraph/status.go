package taskgraph

import (
	"fmt"
	"time"
)

// ValidTaskTransition reports whether a task may move from one status to
// another. The machine is monotonic: a validated task is never re-queued.
// The single failed -> assigned edge is the bounded retry redispatch; the
// retry controller enforces that it is taken at most once per task.
func ValidTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskQueued:
		return to == TaskAssigned
	case TaskAssigned:
		return to == TaskInProgress
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed
	case TaskCompleted:
		// A completed result is either accepted by the gates or rejected.
		return to == TaskValidated || to == TaskFailed
	case TaskFailed:
		return to == TaskAssigned
	default:
		return false
	}
}

// TransitionTask moves a task to the given status, rejecting any edge the
// state machine does not allow.
func (b *Build) TransitionTask(ref TaskRef, to TaskStatus) error {
	task := b.TaskAt(ref)
	if task == nil {
		return fmt.Errorf("no task at phase %d index %d", ref.Phase, ref.Index)
	}
	if !ValidTaskTransition(task.Status, to) {
		return fmt.Errorf("invalid task transition for %s: %s -> %s", task.ID, task.Status, to)
	}
	task.Status = to
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// ValidBuildTransition reports whether the build status machine allows the
// edge. Escalated builds may only resume through external clearance, which
// re-enters running.
func ValidBuildTransition(from, to BuildStatus) bool {
	switch from {
	case BuildPending:
		return to == BuildRunning || to == BuildBlocked
	case BuildRunning:
		return to == BuildDone || to == BuildBlocked || to == BuildEscalated
	case BuildBlocked:
		return to == BuildEscalated
	case BuildEscalated:
		return to == BuildRunning
	default:
		return false
	}
}

// TransitionBuild moves the build to the given status.
func (b *Build) TransitionBuild(to BuildStatus) error {
	if !ValidBuildTransition(b.Status, to) {
		return fmt.Errorf("invalid build transition for %s: %s -> %s", b.ID, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// RefreshPhase recomputes a phase's status from its tasks: passed when
// every task is validated, running once any task has left the queue. It
// also advances CurrentPhase past a newly passed phase.
func (b *Build) RefreshPhase(phaseIdx int) {
	if phaseIdx < 0 || phaseIdx >= len(b.Phases) {
		return
	}
	p := b.Phases[phaseIdx]
	if p.Status == PhaseFailed {
		return
	}
	done := true
	started := false
	for _, t := range p.Tasks {
		if t.Status != TaskValidated {
			done = false
		}
		if t.Status != TaskQueued {
			started = true
		}
	}
	switch {
	case done:
		p.Status = PhasePassed
		if phaseIdx >= b.CurrentPhase && phaseIdx+1 <= len(b.Phases) {
			b.CurrentPhase = phaseIdx + 1
		}
	case started:
		p.Status = PhaseRunning
	}
}
