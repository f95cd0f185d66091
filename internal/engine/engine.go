// Package engine runs builds: it resolves dispatch order, hands tasks to
// agents under a bounded worker pool, validates results through the gate
// pipeline, and drives the retry and escalation rules. All build mutation
// happens on the engine's loop goroutine; workers only invoke and judge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/checkpoint"
	"github.com/fyrsmithlabs/buildd/internal/config"
	"github.com/fyrsmithlabs/buildd/internal/eventlog"
	"github.com/fyrsmithlabs/buildd/internal/gates"
	"github.com/fyrsmithlabs/buildd/internal/hooks"
	"github.com/fyrsmithlabs/buildd/internal/resolver"
	"github.com/fyrsmithlabs/buildd/internal/retry"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

const instrumentationName = "github.com/fyrsmithlabs/buildd/internal/engine"

// ErrBuildBlocked reports a build that ended blocked on its dependency
// graph rather than on task work.
var ErrBuildBlocked = errors.New("build is blocked")

// Engine orchestrates one build at a time per Run call. It is safe to run
// multiple builds concurrently from separate goroutines; each run owns its
// own retry controller and resolved hook set.
type Engine struct {
	cfg         *config.Config
	agents      *agent.Registry
	pipeline    *gates.Pipeline
	hooks       *hooks.Registry
	events      *eventlog.Log
	checkpoints *checkpoint.Store
	escalations *retry.Store
	cost        *hooks.Cost
	logger      *zap.Logger

	tracer        trace.Tracer
	buildsCounter metric.Int64Counter
}

// New wires an engine from its collaborators. cost may be nil when the cost
// hook is disabled; the budget check is skipped without it.
func New(
	cfg *config.Config,
	agents *agent.Registry,
	pipeline *gates.Pipeline,
	hookReg *hooks.Registry,
	events *eventlog.Log,
	checkpoints *checkpoint.Store,
	escalations *retry.Store,
	cost *hooks.Cost,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:         cfg,
		agents:      agents,
		pipeline:    pipeline,
		hooks:       hookReg,
		events:      events,
		checkpoints: checkpoints,
		escalations: escalations,
		cost:        cost,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	e.buildsCounter, err = meter.Int64Counter(
		"buildd.engine.builds_total",
		metric.WithDescription("Builds finished, by terminal status"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		logger.Warn("failed to create builds counter", zap.Error(err))
	}
	return e
}

// Run executes a freshly planned build to a terminal status. The returned
// build is the same pointer, mutated to its final state; the error reports
// engine failures, not build outcomes. A blocked or escalated build returns
// a nil error.
func (e *Engine) Run(ctx context.Context, b *taskgraph.Build) (*taskgraph.Build, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(attribute.String("build_id", b.ID))

	if _, err := e.events.Append(ctx, b.ID, eventlog.KindBuildCreated, map[string]any{
		"title":  b.Title,
		"phases": len(b.Phases),
	}); err != nil {
		return b, err
	}

	// A cyclic graph can never dispatch anything, so it is caught before
	// the first transition and the build parks as blocked.
	if resolver.HasCycle(b) {
		return b, e.block(ctx, b, retry.ReasonCycle,
			"phase dependency graph contains a cycle; no task can ever become ready")
	}

	resolved := e.hooks.Resolve(e.cfg.Hooks.Enabled)
	resolved.Invoke(ctx, hooks.PhaseBeforeBuild, &hooks.Context{Build: b})

	if err := b.TransitionBuild(taskgraph.BuildRunning); err != nil {
		return b, err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindBuildStarted, nil); err != nil {
		return b, err
	}
	return e.loop(ctx, b, resolved)
}

// Resume restores a build from its latest checkpoint and continues it.
// Tasks that were in flight when the checkpoint was taken are re-queued;
// validated work is never redone. Retry counters start fresh, which is the
// external-clearance semantics: the operator resolved whatever escalated.
func (e *Engine) Resume(ctx context.Context, buildID string) (*taskgraph.Build, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resume")
	defer span.End()
	span.SetAttributes(attribute.String("build_id", buildID))

	cp, err := e.checkpoints.Latest(ctx, buildID)
	if err != nil {
		return nil, err
	}
	b := cp.Build

	switch b.Status {
	case taskgraph.BuildDone:
		return b, fmt.Errorf("build %s is already complete", buildID)
	case taskgraph.BuildBlocked:
		return b, fmt.Errorf("%w: build %s has a cyclic plan; fix the plan and start a new build",
			ErrBuildBlocked, buildID)
	case taskgraph.BuildEscalated:
		if err := b.TransitionBuild(taskgraph.BuildRunning); err != nil {
			return b, err
		}
	case taskgraph.BuildPending:
		if err := b.TransitionBuild(taskgraph.BuildRunning); err != nil {
			return b, err
		}
	}

	requeueInFlight(b)
	b.EscalationLevel = taskgraph.EscalationNone
	b.LastError = ""

	if _, err := e.events.Append(ctx, b.ID, eventlog.KindBuildResumed, map[string]any{
		"checkpoint_id": cp.ID,
	}); err != nil {
		return b, err
	}

	resolved := e.hooks.Resolve(e.cfg.Hooks.Enabled)
	resolved.Invoke(ctx, hooks.PhaseBeforeBuild, &hooks.Context{Build: b})
	return e.loop(ctx, b, resolved)
}

// requeueInFlight resets every non-terminal task to queued and recomputes
// phase statuses. Checkpoint restore is the one place a task moves backward.
func requeueInFlight(b *taskgraph.Build) {
	for _, p := range b.Phases {
		for _, t := range p.Tasks {
			switch t.Status {
			case taskgraph.TaskAssigned, taskgraph.TaskInProgress,
				taskgraph.TaskCompleted, taskgraph.TaskFailed:
				t.Status = taskgraph.TaskQueued
			}
		}
		if p.Status != taskgraph.PhasePassed {
			p.Status = taskgraph.PhasePending
		}
	}
}

// outcome travels from a worker back to the loop goroutine.
type outcome struct {
	ref     taskgraph.TaskRef
	res     *agent.Result
	report  *gates.Report
	err     error
	stalled bool
	fatal   retry.Reason // non-empty when err must escalate without retry
}

func (e *Engine) loop(ctx context.Context, b *taskgraph.Build, resolved *hooks.Resolved) (*taskgraph.Build, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	controller := retry.NewController(e.logger)
	limiter := e.newLimiter()
	started := time.Now()

	results := make(chan outcome, e.cfg.Engine.Concurrency)
	inflight := 0
	drain := func() {
		cancel()
		for inflight > 0 {
			<-results
			inflight--
		}
	}

	interval := e.cfg.Engine.CheckpointInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		over, why := e.budgetExceeded(started)
		if !over {
			for inflight < e.cfg.Engine.Concurrency {
				refs := resolver.ReadySet(b)
				if len(refs) == 0 {
					break
				}
				if err := e.dispatch(ctx, b, refs[0], nil, resolved, limiter, results); err != nil {
					drain()
					if !isCapabilityErr(err) {
						return b, err
					}
					return b, e.escalateBuild(ctx, b, controller, resolved,
						controller.Decide(b, refs[0], retry.Failure{
							Kind:    retry.FailureFatal,
							Fatal:   retry.ReasonCapabilityUnavailable,
							Reasons: []string{err.Error()},
						}).Record)
				}
				inflight++
			}
		}

		if inflight == 0 {
			if !b.Remaining() {
				return b, e.finish(ctx, b, resolved)
			}
			if over {
				drain()
				return b, e.escalateBuild(ctx, b, controller, resolved,
					retry.NewRecord(b.ID, "", retry.ReasonBudgetExceeded, why))
			}
			if resolver.Deadlocked(b) {
				return b, e.block(ctx, b, retry.ReasonCycle,
					"no task is ready and none is in flight, yet unvalidated tasks remain")
			}
		}

		select {
		case <-ctx.Done():
			drain()
			e.saveCheckpoint(context.WithoutCancel(ctx), b)
			return b, ctx.Err()
		case <-ticker.C:
			e.saveCheckpoint(ctx, b)
		case out := <-results:
			inflight--
			if ctx.Err() != nil {
				drain()
				e.saveCheckpoint(context.WithoutCancel(ctx), b)
				return b, ctx.Err()
			}
			redispatched, escalated, err := e.commit(ctx, b, out, controller, resolved, limiter, results)
			if err != nil {
				drain()
				return b, err
			}
			if escalated {
				drain()
				return b, nil
			}
			if redispatched {
				inflight++
			}
		}
	}
}

func (e *Engine) newLimiter() *rate.Limiter {
	if e.cfg.Engine.DispatchPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(e.cfg.Engine.DispatchPerSecond), 1)
}

// budgetExceeded checks the wall-clock and cost budgets. Exceeding either
// halts new dispatch; in-flight tasks still commit their results.
func (e *Engine) budgetExceeded(started time.Time) (bool, string) {
	if tb := e.cfg.Engine.TimeBudget; tb > 0 && time.Since(started) > tb {
		return true, fmt.Sprintf("time budget of %s exhausted", tb)
	}
	if cb := e.cfg.Engine.CostBudgetCents; cb > 0 && e.cost != nil && e.cost.TotalCents() > cb {
		return true, fmt.Sprintf("cost budget of %d cents exhausted at %d cents", cb, e.cost.TotalCents())
	}
	return false, ""
}

// dispatch moves a task to assigned, fires before-task hooks, and hands the
// task to its agent on a worker goroutine. retryReasons is non-nil only on
// the single bounded retry.
func (e *Engine) dispatch(
	ctx context.Context,
	b *taskgraph.Build,
	ref taskgraph.TaskRef,
	retryReasons []string,
	resolved *hooks.Resolved,
	limiter *rate.Limiter,
	results chan<- outcome,
) error {
	task := b.TaskAt(ref)
	if task == nil {
		return fmt.Errorf("no task at phase %d index %d", ref.Phase, ref.Index)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := e.agents.Healthy(ctx, task.Capability); err != nil {
		return err
	}
	client, err := e.agents.Client(task.Capability)
	if err != nil {
		return err
	}

	kind := eventlog.KindTaskDispatched
	if task.Status == taskgraph.TaskFailed {
		kind = eventlog.KindTaskRetried
		b.RetryCount++
		b.EscalationLevel = taskgraph.EscalationAgentRetry
	}
	if err := b.TransitionTask(ref, taskgraph.TaskAssigned); err != nil {
		return err
	}
	task.Attempts++
	if _, err := e.events.Append(ctx, b.ID, kind, map[string]any{
		"task_id":    task.ID,
		"capability": string(task.Capability),
		"attempt":    task.Attempts,
		"reasons":    retryReasons,
	}); err != nil {
		return err
	}

	actx := agent.AssembleContext(b, task, retryReasons)
	resolved.Invoke(ctx, hooks.PhaseBeforeTask, &hooks.Context{Build: b, Task: task, AgentContext: actx})

	if err := b.TransitionTask(ref, taskgraph.TaskInProgress); err != nil {
		return err
	}
	e.logger.Info("task dispatched",
		zap.String("build_id", b.ID),
		zap.String("task_id", task.ID),
		zap.String("capability", string(task.Capability)),
		zap.Int("attempt", task.Attempts),
	)

	go e.invoke(ctx, client, task.Clone(), actx, e.policyFor(task.Capability), ref, results)
	return nil
}

// invoke runs on a worker goroutine: one agent call under the stall window,
// then the gate pipeline. It never touches the live build.
func (e *Engine) invoke(
	ctx context.Context,
	client agent.Client,
	task *taskgraph.Task,
	actx *agent.Context,
	policy gates.Policy,
	ref taskgraph.TaskRef,
	results chan<- outcome,
) {
	ictx, cancel := context.WithTimeout(ctx, e.cfg.Engine.StallTimeout)
	defer cancel()

	res, err := client.Invoke(ictx, task, actx)
	if err != nil {
		out := outcome{ref: ref, err: err}
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, agent.ErrStalled):
			out.stalled = true
		case errors.Is(err, agent.ErrCapabilityUnavailable), errors.Is(err, agent.ErrCapabilityUnknown):
			out.fatal = retry.ReasonCapabilityUnavailable
		}
		results <- out
		return
	}

	report, err := e.pipeline.Run(ctx, task, res, policy)
	if err != nil {
		out := outcome{ref: ref, res: res, err: err}
		if errors.Is(err, gates.ErrValidationImpossible) {
			out.fatal = retry.ReasonValidationImpossible
		}
		results <- out
		return
	}
	results <- outcome{ref: ref, res: res, report: report}
}

func (e *Engine) policyFor(capability taskgraph.Capability) gates.Policy {
	if e.cfg.Engine.GatePolicies[string(capability)] == string(gates.PolicyAggregate) {
		return gates.PolicyAggregate
	}
	return gates.PolicyFailFast
}

// commit applies one worker outcome to the build on the loop goroutine.
func (e *Engine) commit(
	ctx context.Context,
	b *taskgraph.Build,
	out outcome,
	controller *retry.Controller,
	resolved *hooks.Resolved,
	limiter *rate.Limiter,
	results chan<- outcome,
) (redispatched, escalated bool, err error) {
	task := b.TaskAt(out.ref)
	if task == nil {
		return false, false, fmt.Errorf("commit for unknown task at phase %d index %d", out.ref.Phase, out.ref.Index)
	}

	if out.err == nil && out.report.Passed {
		return false, false, e.accept(ctx, b, out, task, resolved)
	}
	return e.reject(ctx, b, out, task, controller, resolved, limiter, results)
}

// accept validates a passing result and advances the phase.
func (e *Engine) accept(ctx context.Context, b *taskgraph.Build, out outcome, task *taskgraph.Task, resolved *hooks.Resolved) error {
	if err := b.TransitionTask(out.ref, taskgraph.TaskCompleted); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindTaskCompleted, map[string]any{
		"task_id": task.ID,
	}); err != nil {
		return err
	}

	task.ResultOutput = out.res.Output
	task.LastError = ""
	if err := b.TransitionTask(out.ref, taskgraph.TaskValidated); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindTaskValidated, map[string]any{
		"task_id": task.ID,
		"gates":   len(out.report.Verdicts),
	}); err != nil {
		return err
	}
	resolved.Invoke(ctx, hooks.PhaseAfterTask, &hooks.Context{Build: b, Task: task, Result: out.res})
	// After-task hooks may attach artifacts to the result, so the copy onto
	// the task happens once they have run.
	task.Artifacts = append(task.Artifacts, out.res.Artifacts...)

	before := b.Phases[out.ref.Phase].Status
	b.RefreshPhase(out.ref.Phase)
	if before != taskgraph.PhasePassed && b.Phases[out.ref.Phase].Status == taskgraph.PhasePassed {
		if _, err := e.events.Append(ctx, b.ID, eventlog.KindPhasePassed, map[string]any{
			"phase": b.Phases[out.ref.Phase].ID,
		}); err != nil {
			return err
		}
		resolved.Invoke(ctx, hooks.PhaseOnHandoff, &hooks.Context{Build: b, Task: task, Result: out.res})
	}

	e.saveCheckpoint(ctx, b)
	return nil
}

// reject routes a failing result through the retry controller.
func (e *Engine) reject(
	ctx context.Context,
	b *taskgraph.Build,
	out outcome,
	task *taskgraph.Task,
	controller *retry.Controller,
	resolved *hooks.Resolved,
	limiter *rate.Limiter,
	results chan<- outcome,
) (redispatched, escalated bool, err error) {
	failure := e.classify(out)
	task.LastError = joinStrings(failure.Reasons)

	if out.stalled {
		if _, err := e.events.Append(ctx, b.ID, eventlog.KindTaskStalled, map[string]any{
			"task_id": task.ID,
			"window":  e.cfg.Engine.StallTimeout.String(),
		}); err != nil {
			return false, false, err
		}
	}
	if out.err == nil {
		// The agent finished but the gates rejected the result.
		if err := b.TransitionTask(out.ref, taskgraph.TaskCompleted); err != nil {
			return false, false, err
		}
		if _, err := e.events.Append(ctx, b.ID, eventlog.KindTaskCompleted, map[string]any{
			"task_id": task.ID,
		}); err != nil {
			return false, false, err
		}
	}
	if err := b.TransitionTask(out.ref, taskgraph.TaskFailed); err != nil {
		return false, false, err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindTaskFailed, map[string]any{
		"task_id": task.ID,
		"reasons": failure.Reasons,
	}); err != nil {
		return false, false, err
	}
	resolved.Invoke(ctx, hooks.PhaseOnTaskError, &hooks.Context{Build: b, Task: task, Result: out.res, Err: out.err})

	decision := controller.Decide(b, out.ref, failure)
	if decision.Action == retry.ActionRetry {
		if err := e.dispatch(ctx, b, out.ref, decision.RetryReasons, resolved, limiter, results); err != nil {
			if !isCapabilityErr(err) {
				return false, false, err
			}
			rec := controller.Decide(b, out.ref, retry.Failure{
				Kind:    retry.FailureFatal,
				Fatal:   retry.ReasonCapabilityUnavailable,
				Reasons: []string{err.Error()},
			}).Record
			return false, true, e.escalateBuild(ctx, b, controller, resolved, rec)
		}
		return true, false, nil
	}

	b.Phases[out.ref.Phase].Failures = controller.PhaseFailures(out.ref.Phase)
	b.Phases[out.ref.Phase].Status = taskgraph.PhaseFailed
	return false, true, e.escalateBuild(ctx, b, controller, resolved, decision.Record)
}

// classify maps a worker outcome onto the retry controller's failure kinds.
func (e *Engine) classify(out outcome) retry.Failure {
	switch {
	case out.fatal != "":
		return retry.Failure{
			Kind:    retry.FailureFatal,
			Fatal:   out.fatal,
			Reasons: []string{out.err.Error()},
		}
	case out.stalled:
		return retry.Failure{
			Kind:    retry.FailureStall,
			Reasons: []string{fmt.Sprintf("no progress within %s", e.cfg.Engine.StallTimeout)},
		}
	case out.err != nil:
		return retry.Failure{
			Kind:    retry.FailureGate,
			Reasons: []string{out.err.Error()},
		}
	default:
		return retry.Failure{
			Kind:    retry.FailureGate,
			Reasons: out.report.Reasons(),
		}
	}
}

// escalateBuild parks the build as escalated, persists the record, and
// takes a final checkpoint so Resume can pick up after clearance.
func (e *Engine) escalateBuild(
	ctx context.Context,
	b *taskgraph.Build,
	controller *retry.Controller,
	resolved *hooks.Resolved,
	rec *retry.EscalationRecord,
) error {
	// drain may have cancelled the loop context already; the escalation
	// record, event, and terminal checkpoint still have to land.
	ctx = context.WithoutCancel(ctx)
	b.EscalationLevel = taskgraph.EscalationEscalated
	b.LastError = rec.LastError
	if err := b.TransitionBuild(taskgraph.BuildEscalated); err != nil {
		return err
	}
	if err := e.escalations.Save(ctx, rec); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindBuildEscalated, map[string]any{
		"escalation_id":   rec.ID,
		"task_id":         rec.TaskID,
		"reason":          string(rec.Reason),
		"required_action": rec.RequiredAction,
	}); err != nil {
		return err
	}
	resolved.Invoke(ctx, hooks.PhaseBuildComplete, &hooks.Context{Build: b})
	e.saveCheckpoint(ctx, b)
	e.countBuild(ctx, b)
	return nil
}

// block parks a build that can never make progress. The plan itself is
// wrong, so there is nothing to resume; the escalation record tells the
// operator what to fix.
func (e *Engine) block(ctx context.Context, b *taskgraph.Build, reason retry.Reason, why string) error {
	ctx = context.WithoutCancel(ctx)
	rec := retry.NewRecord(b.ID, "", reason, why)
	b.EscalationLevel = taskgraph.EscalationBlocked
	b.LastError = why
	if err := b.TransitionBuild(taskgraph.BuildBlocked); err != nil {
		return err
	}
	if err := e.escalations.Save(ctx, rec); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindBuildBlocked, map[string]any{
		"escalation_id": rec.ID,
		"reason":        string(rec.Reason),
	}); err != nil {
		return err
	}
	e.saveCheckpoint(ctx, b)
	e.countBuild(ctx, b)
	return nil
}

// finish completes a build whose every task validated.
func (e *Engine) finish(ctx context.Context, b *taskgraph.Build, resolved *hooks.Resolved) error {
	ctx = context.WithoutCancel(ctx)
	b.EscalationLevel = taskgraph.EscalationDone
	if err := b.TransitionBuild(taskgraph.BuildDone); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindBuildComplete, map[string]any{
		"retries": b.RetryCount,
	}); err != nil {
		return err
	}
	resolved.Invoke(ctx, hooks.PhaseBuildComplete, &hooks.Context{Build: b})
	e.saveCheckpoint(ctx, b)
	e.countBuild(ctx, b)
	e.logger.Info("build complete",
		zap.String("build_id", b.ID),
		zap.Int("retries", b.RetryCount),
	)
	return nil
}

// saveCheckpoint snapshots the build; failures are logged, never fatal, so
// a checkpointing hiccup cannot take a healthy build down.
func (e *Engine) saveCheckpoint(ctx context.Context, b *taskgraph.Build) {
	id, err := e.checkpoints.Save(ctx, b)
	if err != nil {
		e.logger.Error("checkpoint save failed",
			zap.String("build_id", b.ID),
			zap.Error(err),
		)
		return
	}
	if _, err := e.events.Append(ctx, b.ID, eventlog.KindCheckpointSaved, map[string]any{
		"checkpoint_id": id,
	}); err != nil {
		e.logger.Error("checkpoint event append failed", zap.Error(err))
	}
}

func (e *Engine) countBuild(ctx context.Context, b *taskgraph.Build) {
	if e.buildsCounter == nil {
		return
	}
	e.buildsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(b.Status)),
	))
}

// isCapabilityErr separates agent roster problems, which escalate the
// build, from engine infrastructure errors, which surface to the caller.
func isCapabilityErr(err error) bool {
	return errors.Is(err, agent.ErrCapabilityUnknown) || errors.Is(err, agent.ErrCapabilityUnavailable)
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
