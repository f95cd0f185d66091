// Package resolver computes dispatch order over a build's task graph.
//
// Resolution is a pure function of the build: nothing here mutates phase or
// task status, so the engine's commit path stays the only writer.
package resolver

import (
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// NextReady returns the next dispatchable task, if any.
//
// A task is ready when it is queued, every phase dependency has passed, and,
// in a phase not marked parallel, every earlier task in the phase has been
// validated. Ties break to the lowest phase index, then declaration order.
func NextReady(b *taskgraph.Build) (taskgraph.TaskRef, bool) {
	for pi, phase := range b.Phases {
		if !depsPassed(b, phase) {
			continue
		}
		for ti, task := range phase.Tasks {
			if task.Status != taskgraph.TaskQueued {
				continue
			}
			if !phase.Parallel && !earlierValidated(phase, ti) {
				break
			}
			return taskgraph.TaskRef{Phase: pi, Index: ti}, true
		}
	}
	return taskgraph.TaskRef{}, false
}

// ReadySet returns every currently dispatchable task in tie-break order.
// Used by the engine to fill the worker pool for parallel phases.
func ReadySet(b *taskgraph.Build) []taskgraph.TaskRef {
	var refs []taskgraph.TaskRef
	for pi, phase := range b.Phases {
		if !depsPassed(b, phase) {
			continue
		}
		for ti, task := range phase.Tasks {
			if task.Status != taskgraph.TaskQueued {
				continue
			}
			if !phase.Parallel {
				if earlierValidated(phase, ti) {
					refs = append(refs, taskgraph.TaskRef{Phase: pi, Index: ti})
				}
				break
			}
			refs = append(refs, taskgraph.TaskRef{Phase: pi, Index: ti})
		}
	}
	return refs
}

// InFlight reports whether any task is between dispatch and commit.
func InFlight(b *taskgraph.Build) bool {
	for _, phase := range b.Phases {
		for _, task := range phase.Tasks {
			switch task.Status {
			case taskgraph.TaskAssigned, taskgraph.TaskInProgress, taskgraph.TaskCompleted, taskgraph.TaskFailed:
				return true
			}
		}
	}
	return false
}

// Deadlocked reports whether the graph can make no further progress: no task
// is ready, none is in flight, yet queued tasks remain. With a validated
// plan this only happens on a dependency cycle or an unresolved cross
// reference, and it is fatal for the build.
func Deadlocked(b *taskgraph.Build) bool {
	if _, ok := NextReady(b); ok {
		return false
	}
	if InFlight(b) {
		return false
	}
	for _, phase := range b.Phases {
		for _, task := range phase.Tasks {
			if task.Status == taskgraph.TaskQueued {
				return true
			}
		}
	}
	return false
}

// HasCycle checks phase dependency edges directly. Plan validation already
// rejects forward and self references, so this guards builds reconstructed
// from external state.
func HasCycle(b *taskgraph.Build) bool {
	for pi, phase := range b.Phases {
		for _, dep := range phase.DependsOn {
			if dep < 0 || dep >= pi {
				return true
			}
		}
	}
	return false
}

func depsPassed(b *taskgraph.Build, phase *taskgraph.Phase) bool {
	for _, dep := range phase.DependsOn {
		if dep < 0 || dep >= len(b.Phases) {
			return false
		}
		if b.Phases[dep].Status != taskgraph.PhasePassed {
			return false
		}
	}
	return true
}

func earlierValidated(phase *taskgraph.Phase, idx int) bool {
	for i := 0; i < idx; i++ {
		if phase.Tasks[i].Status != taskgraph.TaskValidated {
			return false
		}
	}
	return true
}
