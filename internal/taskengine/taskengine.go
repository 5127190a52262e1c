// Package taskengine implements the Task Engine (§4.1): the state machine
// that drives one task's plan/execute/test/document pipeline, one step at a
// time, using the Agent Runtime for each step's agent invocation and the
// Task state machine (internal/task) for legal transitions.
package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/agentruntime"
	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/telemetry"
)

// agentInvocationAttempts bounds the Task Engine's immediate, in-process
// retry of a single agent invocation per §4.3's closing line: "the Task
// Engine decides whether to retry this agent invocation (bounded) or
// transition the task to failed." This is distinct from the persisted
// RetryCount, which counts fix-loop iterations only (§4.1).
const agentInvocationAttempts = 2

// fixChildPrefix and testChildPrefix name the two kinds of child task the
// testing phase spawns (§4.1 "Fix-loop policy"), distinguished by Title so
// a restarted worker can tell them apart without a dedicated Task field.
const (
	fixChildPrefix  = "Fix: "
	testChildPrefix = "Write tests: "
)

// AgentInvoker is the narrow interface the Task Engine consumes from
// internal/agentruntime, so tests can substitute a fake without wiring a
// real generative client and tool registry.
type AgentInvoker interface {
	Run(ctx context.Context, req agentruntime.Request) outcome.Result[*agentruntime.RunOutput]
}

// Config carries the policy constants named throughout §4.1/§4.3/§5.
type Config struct {
	TauAuto   float64
	TauReview float64
	RFix      int
	DMax      int
	IMax      int
	TBeat     time.Duration
}

// DefaultConfig returns the specification's recommended defaults.
func DefaultConfig() Config {
	return Config{
		TauAuto:   0.7,
		TauReview: 0.7,
		RFix:      3,
		DMax:      3,
		IMax:      8,
		TBeat:     15 * time.Second,
	}
}

// Engine drives a single task's pipeline. One Engine is shared across
// workers; RunToSuspension is safe to call concurrently for distinct task
// IDs (concurrency within one task ID is the caller's responsibility (§5
// assigns one worker per task at a time)).
type Engine struct {
	store   store.Store
	bus     eventbus.Publisher
	agents  AgentInvoker
	clock   clock.Clock
	cfg     Config
	log     telemetry.Logger
	metrics telemetry.Metrics
}

// New builds an Engine. log and metrics default to no-op implementations
// when nil.
func New(st store.Store, bus eventbus.Publisher, agents AgentInvoker, clk clock.Clock, cfg Config, log telemetry.Logger, metrics telemetry.Metrics) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{store: st, bus: bus, agents: agents, clock: clk, cfg: cfg, log: log, metrics: metrics}
}

// RunToSuspension drives taskID's pipeline, one phase-step at a time, until
// it reaches a terminal status, plan_review (awaiting external approval),
// paused (cooperative suspension, §5), or an awaiting-child sub-state with
// its child still in flight. It returns the status the task was in when
// driving stopped.
func (e *Engine) RunToSuspension(ctx context.Context, taskID string) outcome.Result[task.Status] {
	for {
		if err := ctx.Err(); err != nil {
			return e.cancelTask(context.Background(), taskID)
		}

		t, err := e.store.Get(ctx, taskID)
		if err != nil {
			return outcome.ErrFromCause[task.Status](kinds.KindTransient, "load task "+taskID, err)
		}
		if t.Status.Terminal() || t.Status == task.StatusPlanReview || t.Status == task.StatusPaused {
			return outcome.Ok(t.Status)
		}
		if err := e.store.Heartbeat(ctx, t.ID, e.clock.Now()); err != nil {
			return outcome.ErrFromCause[task.Status](kinds.KindTransient, "heartbeat "+taskID, err)
		}

		res := e.stepOnce(ctx, t)
		if !res.IsOK() {
			return outcome.Err[task.Status](res.Failure().Kind, res.Failure().Detail)
		}
		if res.Value() {
			reloaded, err := e.store.Get(ctx, taskID)
			if err != nil {
				return outcome.ErrFromCause[task.Status](kinds.KindTransient, "reload task "+taskID, err)
			}
			return outcome.Ok(reloaded.Status)
		}
	}
}

// stepOnce applies one phase-step for t and reports whether driving should
// suspend (true) or continue looping (false).
func (e *Engine) stepOnce(ctx context.Context, t *task.Task) outcome.Result[bool] {
	switch t.Status {
	case task.StatusPending:
		return e.handlePending(ctx, t)
	case task.StatusPlanning:
		return e.handlePlanning(ctx, t)
	case task.StatusExecuting:
		return e.handleExecuting(ctx, t)
	case task.StatusTesting:
		return e.handleTesting(ctx, t)
	case task.StatusDocumenting:
		return e.handleDocumenting(ctx, t)
	default:
		return outcome.Err[bool](kinds.KindInvalidTransition, "no Task Engine handler for status "+string(t.Status))
	}
}

func (e *Engine) handlePending(ctx context.Context, t *task.Task) outcome.Result[bool] {
	next, err := task.Next(t.Status, task.EventWorkerPickup)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	t.Phase = string(agentruntime.RolePlanner)
	t.Heartbeat = e.clock.Now()
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "commit worker_pickup", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(false)
}

func (e *Engine) handlePlanning(ctx context.Context, t *task.Task) outcome.Result[bool] {
	req := plannerRequest(t, e.cfg)
	res := e.invokeWithRetry(ctx, req)
	if !res.IsOK() {
		return e.failTask(ctx, t, res.Failure())
	}
	out := res.Value()
	if err := e.recordRun(ctx, t, out); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "append planner run", err)
	}

	var plan task.Plan
	if err := json.Unmarshal(out.Result, &plan); err != nil {
		return e.failTask(ctx, t, &outcome.Failure{Kind: kinds.KindInvalidPlan, Detail: "planner result did not decode as a Plan: " + err.Error()})
	}

	event := task.EventPlanReadyAuto
	if plan.Confidence < e.cfg.TauAuto {
		event = task.EventPlanReadyReview
	}
	next, err := task.Next(t.Status, event)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
	}

	expected := t.Status
	t.Plan = &plan
	t.CurrentStep = 0
	t.Status = next
	t.HumanReview = next == task.StatusPlanReview
	if next == task.StatusExecuting {
		t.Phase = firstStepRole(&plan)
	}
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "commit plan transition", err)
	}
	e.publish(ctx, t.ID, eventbus.KindPlanReady, plan)
	e.publishStatus(ctx, t)
	return outcome.Ok(next == task.StatusPlanReview)
}

func (e *Engine) handleExecuting(ctx context.Context, t *task.Task) outcome.Result[bool] {
	children, err := e.store.ListChildren(ctx, t.ID)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "list children", err)
	}
	if child := latestChild(children); child != nil && isLoopChild(child) {
		if !child.Status.Terminal() {
			return outcome.Ok(true)
		}
		return e.resolveLoopChild(ctx, t, child)
	}

	if t.Plan == nil || t.CurrentStep < 0 || t.CurrentStep >= len(t.Plan.Steps) {
		return e.failTask(ctx, t, &outcome.Failure{Kind: kinds.KindInvalidPlan, Detail: "executing phase reached with no current plan step"})
	}
	step := t.Plan.Steps[t.CurrentStep]

	req := coderRequest(t, step, e.cfg)
	res := e.invokeWithRetry(ctx, req)
	if !res.IsOK() {
		return e.failTask(ctx, t, res.Failure())
	}
	out := res.Value()
	if err := e.recordRun(ctx, t, out); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "append step run", err)
	}
	if err := e.recordFileEvents(ctx, t, out); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "record file events", err)
	}

	expected := t.Status
	last := t.CurrentStep == len(t.Plan.Steps)-1
	event := task.EventStepSucceeded
	if last {
		event = task.EventAllStepsSucceeded
	}
	next, err := task.Next(t.Status, event)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
	}
	if last {
		t.Status = next
		t.Phase = string(agentruntime.RoleQA)
	} else {
		t.CurrentStep++
		t.Phase = t.Plan.Steps[t.CurrentStep].AgentRole
	}
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "commit step transition", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(false)
}

func (e *Engine) handleTesting(ctx context.Context, t *task.Task) outcome.Result[bool] {
	req := qaRequest(t, e.cfg)
	res := e.invokeWithRetry(ctx, req)
	if !res.IsOK() {
		return e.failTask(ctx, t, res.Failure())
	}
	out := res.Value()
	if err := e.recordRun(ctx, t, out); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "append qa run", err)
	}

	report := decodeQAReport(out)
	classification, _ := agentruntime.ClassifyTestOutput(report.exitSuccess, report.output)

	switch classification {
	case agentruntime.TestOutcomeNoTestsRun:
		return e.spawnLoopChild(ctx, t, testChildPrefix, "Generate missing tests for: "+t.Title, task.EventTestsNoneFound)
	case agentruntime.TestOutcomePassed:
		return e.advanceTesting(ctx, t, task.EventTestsPassed)
	default: // TestOutcomeFailed
		if t.RetryCount < e.cfg.RFix {
			return e.spawnLoopChild(ctx, t, fixChildPrefix, fmt.Sprintf("Fix failing tests for %q:\n%s", t.Title, report.output), task.EventTestsFailedRetry)
		}
		return e.advanceTesting(ctx, t, task.EventTestsFailedFinal)
	}
}

func (e *Engine) advanceTesting(ctx context.Context, t *task.Task, event string) outcome.Result[bool] {
	next, err := task.Next(t.Status, event)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	if next == task.StatusDocumenting {
		t.Phase = string(agentruntime.RoleDocs)
	}
	if next == task.StatusFailed {
		t.ErrorKind = string(kinds.KindAgent)
		t.ErrorMessage = "tests failed after exhausting the fix-loop retry budget"
	}
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "commit testing transition", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(next == task.StatusFailed)
}

func (e *Engine) handleDocumenting(ctx context.Context, t *task.Task) outcome.Result[bool] {
	req := docsRequest(t, e.cfg)
	res := e.invokeWithRetry(ctx, req)
	if !res.IsOK() {
		return e.failTask(ctx, t, res.Failure())
	}
	out := res.Value()
	if err := e.recordRun(ctx, t, out); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "append docs run", err)
	}
	if err := e.recordFileEvents(ctx, t, out); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "record file events", err)
	}

	next, err := task.Next(t.Status, task.EventDocsSucceeded)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	now := e.clock.Now()
	t.CompletedAt = &now
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "commit docs transition", err)
	}
	e.publish(ctx, t.ID, eventbus.KindComplete, map[string]any{"task_id": t.ID})
	return outcome.Ok(true)
}

// spawnLoopChild creates a fix-loop or write-tests child task, per §4.1
// "Fix-loop policy", bounded by D_max. When transitionEvent is non-empty it
// also applies that (Testing -> Executing) transition to t, matching the
// table rows that pair "spawn child" with a status change; resolveLoopChild
// calls this with an empty event when t is already Executing (spawning a
// second fix child after the first one failed).
func (e *Engine) spawnLoopChild(ctx context.Context, t *task.Task, titlePrefix, request, transitionEvent string) outcome.Result[bool] {
	if t.RecursionDepth+1 > e.cfg.DMax {
		return e.failTask(ctx, t, &outcome.Failure{Kind: kinds.KindExceededIteration, Detail: "fix-loop recursion depth exceeds D_max"})
	}

	child := &task.Task{
		ID:             newID(),
		ParentID:       t.ID,
		RepoID:         t.RepoID,
		UserRequest:    request,
		Title:          titlePrefix + t.Title,
		Status:         task.StatusPending,
		RecursionDepth: t.RecursionDepth + 1,
		CreatedAt:      e.clock.Now(),
		UpdatedAt:      e.clock.Now(),
		Heartbeat:      e.clock.Now(),
	}
	if err := e.store.Create(ctx, child); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "create loop child", err)
	}

	expected := t.Status
	if transitionEvent != "" {
		next, err := task.Next(t.Status, transitionEvent)
		if err != nil {
			return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
		}
		t.Status = next
	}
	if titlePrefix == fixChildPrefix {
		t.RetryCount++
		t.Phase = "awaiting_fix_child"
	} else {
		t.Phase = "awaiting_test_child"
	}
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "persist loop-child spawn", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(true)
}

// resolveLoopChild merges a terminated fix-loop/write-tests child's outcome
// into its parent, per §4.1: on completed, the parent retries testing; on
// failed, the parent's retry counter (already incremented at spawn time for
// fix children) decides whether another child is spawned or the parent
// fails.
func (e *Engine) resolveLoopChild(ctx context.Context, t *task.Task, child *task.Task) outcome.Result[bool] {
	if child.Status == task.StatusCompleted {
		expected := t.Status
		next, err := task.Next(t.Status, task.EventAllStepsSucceeded)
		if err != nil {
			return outcome.ErrFromCause[bool](kinds.KindInvalidTransition, err.Error(), err)
		}
		t.Status = next
		t.Phase = string(agentruntime.RoleQA)
		if err := e.commit(ctx, t, expected); err != nil {
			return outcome.ErrFromCause[bool](kinds.KindTransient, "commit child-resolved transition", err)
		}
		e.publishStatus(ctx, t)
		return outcome.Ok(false)
	}

	if isFixChild(child) && t.RetryCount < e.cfg.RFix {
		return e.spawnLoopChild(ctx, t, fixChildPrefix, "Fix: previous attempt failed - "+child.ErrorMessage, "")
	}
	return e.failTask(ctx, t, &outcome.Failure{Kind: kinds.KindAgent, Detail: "fix-loop child failed: " + child.ErrorMessage})
}

// invokeWithRetry calls the Agent Runtime, retrying once in-process for
// non-terminal failure kinds per §4.3's closing paragraph.
func (e *Engine) invokeWithRetry(ctx context.Context, req agentruntime.Request) outcome.Result[*agentruntime.RunOutput] {
	var last outcome.Result[*agentruntime.RunOutput]
	for attempt := 0; attempt < agentInvocationAttempts; attempt++ {
		last = e.agents.Run(ctx, req)
		if last.IsOK() {
			return last
		}
		if last.Failure().Kind.Terminal() {
			return last
		}
	}
	return last
}

func (e *Engine) failTask(ctx context.Context, t *task.Task, failure *outcome.Failure) outcome.Result[bool] {
	expected := t.Status
	t.Status = task.StatusFailed
	t.ErrorKind = string(failure.Kind)
	t.ErrorMessage = failure.Detail
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "commit failure transition", err)
	}
	e.publish(ctx, t.ID, eventbus.KindError, map[string]any{"kind": failure.Kind, "detail": failure.Detail})
	return outcome.Ok(true)
}

// cancelTask transitions taskID to failed(cancelled) when the driving
// context is done (§5 "Cancellation semantics"). Already-verified
// filesystem effects are retained; no rollback is attempted.
func (e *Engine) cancelTask(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return e.cancelTaskWithReason(ctx, taskID, "cancelled")
}

// cancelTaskWithReason is cancelTask's general form: the DAG Scheduler's
// cascade (§4.2 "Cancellation") calls it with reason "parent cancelled" for
// every descendant of a cancelled ancestor, while a direct Cancel call
// keeps the plain "cancelled" reason.
func (e *Engine) cancelTaskWithReason(ctx context.Context, taskID, reason string) outcome.Result[task.Status] {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "load task for cancellation "+taskID, err)
	}
	if t.Status.Terminal() {
		return outcome.Ok(t.Status)
	}
	next, err := task.Cancel(t.Status)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	t.ErrorKind = string(kinds.KindCancelled)
	t.ErrorMessage = reason
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "commit cancellation", err)
	}
	e.publish(ctx, t.ID, eventbus.KindError, map[string]any{"kind": kinds.KindCancelled, "detail": reason})
	return outcome.Ok(next)
}

// Cancel transitions taskID only; cascading to descendants is the DAG
// Scheduler's responsibility, §4.2) to failed with reason "cancelled".
func (e *Engine) Cancel(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return e.cancelTask(ctx, taskID)
}

// CancelDescendant is the scheduler-facing cascade entry point: it cancels
// taskID with reason "parent cancelled" (§4.2) rather than the plain
// "cancelled" a direct, user-initiated Cancel records.
func (e *Engine) CancelDescendant(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return e.cancelTaskWithReason(ctx, taskID, "parent cancelled")
}

// ApprovePlan resolves an external plan_review approval (§4.1 "plan_review |
// external approve | executing").
func (e *Engine) ApprovePlan(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return e.externalPlanDecision(ctx, taskID, task.EventPlanApproved)
}

// RejectPlan resolves an external plan_review rejection.
func (e *Engine) RejectPlan(ctx context.Context, taskID string, reason string) outcome.Result[task.Status] {
	res := e.externalPlanDecision(ctx, taskID, task.EventPlanRejected)
	if !res.IsOK() {
		return res
	}
	if res.Value() == task.StatusFailed {
		t, err := e.store.Get(ctx, taskID)
		if err == nil {
			t.ErrorKind = string(kinds.KindUser)
			t.ErrorMessage = reason
			_ = e.store.UpdateExpected(ctx, t, t.Status)
		}
	}
	return res
}

func (e *Engine) externalPlanDecision(ctx context.Context, taskID, event string) outcome.Result[task.Status] {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "load task "+taskID, err)
	}
	if t.Status != task.StatusPlanReview {
		return outcome.Err[task.Status](kinds.KindUser, "task is not awaiting plan review")
	}
	next, err := task.Next(t.Status, event)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	if next == task.StatusExecuting && t.Plan != nil {
		t.Phase = firstStepRole(t.Plan)
	}
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "commit plan decision", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(next)
}

// Pause requests cooperative suspension (§4.1, §5): the task's status is
// set to paused immediately; an in-flight worker observes it at its next
// RunToSuspension loop iteration.
func (e *Engine) Pause(ctx context.Context, taskID string) outcome.Result[task.Status] {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "load task "+taskID, err)
	}
	next, pausedFrom, err := task.Pause(t.Status)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	t.PausedFrom = pausedFrom
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "commit pause", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(next)
}

// Resume restores a paused task to the status recorded at pause time.
func (e *Engine) Resume(ctx context.Context, taskID string) outcome.Result[task.Status] {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "load task "+taskID, err)
	}
	next, err := task.Resume(t.PausedFrom)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindInvalidTransition, err.Error(), err)
	}
	expected := t.Status
	t.Status = next
	t.PausedFrom = ""
	if err := e.commit(ctx, t, expected); err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "commit resume", err)
	}
	e.publishStatus(ctx, t)
	return outcome.Ok(next)
}

func (e *Engine) commit(ctx context.Context, t *task.Task, expected task.Status) error {
	t.UpdatedAt = e.clock.Now()
	return e.store.UpdateExpected(ctx, t, expected)
}

func (e *Engine) recordRun(ctx context.Context, t *task.Task, out *agentruntime.RunOutput) error {
	out.Run.TaskID = t.ID
	if err := e.store.AppendRun(ctx, out.Run); err != nil {
		return err
	}
	e.publish(ctx, t.ID, eventbus.KindAgentLog, out.Run)
	return nil
}

func (e *Engine) recordFileEvents(ctx context.Context, t *task.Task, out *agentruntime.RunOutput) error {
	for _, evt := range out.FileEvents {
		evt.TaskID = t.ID
		if err := e.store.AppendFileEvent(ctx, evt); err != nil {
			return err
		}
		e.publish(ctx, t.ID, eventbus.KindFileVerified, evt)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, taskID string, kind eventbus.Kind, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, taskID, kind, payload); err != nil && e.log != nil {
		e.log.Warn(ctx, "event publish failed", "task_id", taskID, "kind", kind, "error", err)
	}
}

func (e *Engine) publishStatus(ctx context.Context, t *task.Task) {
	e.publish(ctx, t.ID, eventbus.KindStatus, map[string]any{"status": t.Status, "phase": t.Phase})
}

type qaReport struct {
	exitSuccess bool
	output      string
}

// decodeQAReport extracts the command_exec tool invocation's exit status
// and combined output from a QA AgentRun, for ClassifyTestOutput.
func decodeQAReport(out *agentruntime.RunOutput) qaReport {
	for i := len(out.Run.Tools) - 1; i >= 0; i-- {
		inv := out.Run.Tools[i]
		if inv.Tool != "command_exec" {
			continue
		}
		return qaReport{exitSuccess: inv.Success, output: inv.Result}
	}
	return qaReport{exitSuccess: false, output: "no command_exec invocation recorded"}
}

func latestChild(children []*task.Task) *task.Task {
	var latest *task.Task
	for _, c := range children {
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

func isLoopChild(t *task.Task) bool {
	return isFixChild(t) || isTestChild(t)
}

func isFixChild(t *task.Task) bool {
	return len(t.Title) >= len(fixChildPrefix) && t.Title[:len(fixChildPrefix)] == fixChildPrefix
}

func isTestChild(t *task.Task) bool {
	return len(t.Title) >= len(testChildPrefix) && t.Title[:len(testChildPrefix)] == testChildPrefix
}

func newID() string {
	return uuid.NewString()
}

func firstStepRole(plan *task.Plan) string {
	if len(plan.Steps) == 0 {
		return string(agentruntime.RoleCoder)
	}
	return plan.Steps[0].AgentRole
}
