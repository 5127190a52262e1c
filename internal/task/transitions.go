package task

import "fmt"

// Transition describes one edge of the state machine in §4.1's transition
// table, keyed by (From, Event).
type Transition struct {
	From  Status
	Event string
	To    Status
}

// Event names used to look up a Transition. Kept as a closed set so the
// Task Engine and tests reference the same literals.
const (
	EventWorkerPickup      = "worker_pickup"
	EventPlanReadyAuto     = "plan_ready_auto"
	EventPlanReadyReview   = "plan_ready_review"
	EventPlanApproved      = "plan_approved"
	EventPlanRejected      = "plan_rejected"
	EventStepSucceeded     = "step_succeeded"
	EventAllStepsSucceeded = "all_steps_succeeded"
	EventTestsNoneFound    = "tests_none_found"
	EventTestsFailedRetry  = "tests_failed_retry"
	EventTestsFailedFinal  = "tests_failed_final"
	EventTestsPassed       = "tests_passed"
	EventDocsSucceeded     = "docs_succeeded"
	EventPause             = "pause"
	EventResume            = "resume"
	EventLeaseExpired      = "lease_expired"
	EventCancel            = "cancel"
)

// table enumerates every legal (From, Event) -> To edge from §4.1. Pause,
// resume, lease-expiry, and cancel are handled specially below because they
// apply from multiple or dynamic source states.
var table = []Transition{
	{StatusPending, EventWorkerPickup, StatusPlanning},
	{StatusPlanning, EventPlanReadyAuto, StatusExecuting},
	{StatusPlanning, EventPlanReadyReview, StatusPlanReview},
	{StatusPlanReview, EventPlanApproved, StatusExecuting},
	{StatusPlanReview, EventPlanRejected, StatusFailed},
	{StatusExecuting, EventStepSucceeded, StatusExecuting},
	{StatusExecuting, EventAllStepsSucceeded, StatusTesting},
	{StatusTesting, EventTestsNoneFound, StatusExecuting},
	{StatusTesting, EventTestsFailedRetry, StatusExecuting},
	{StatusTesting, EventTestsFailedFinal, StatusFailed},
	{StatusTesting, EventTestsPassed, StatusDocumenting},
	{StatusDocumenting, EventDocsSucceeded, StatusCompleted},
}

// ErrInvalidTransition is returned by Apply when the requested event is not
// legal from the task's current status.
type ErrInvalidTransition struct {
	From  Status
	Event string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: event %q not legal from status %q", e.Event, e.From)
}

// Next resolves the destination status for (from, event) per the
// transition table, or returns ErrInvalidTransition. Pause, resume, cancel,
// and lease-expiry are resolved by their own helpers below since they are
// not simple table lookups.
func Next(from Status, event string) (Status, error) {
	for _, t := range table {
		if t.From == from && t.Event == event {
			return t.To, nil
		}
	}
	return "", &ErrInvalidTransition{From: from, Event: event}
}

// Pause computes the destination status and the PausedFrom value to record
// when pausing a task currently in a non-terminal status. Pause is legal
// from any non-terminal, non-paused status (§4.1).
func Pause(from Status) (to Status, pausedFrom Status, err error) {
	if from.Terminal() || from == StatusPaused {
		return "", "", &ErrInvalidTransition{From: from, Event: EventPause}
	}
	return StatusPaused, from, nil
}

// Resume computes the destination status when resuming a paused task,
// restoring the status recorded at pause time (§4.1 "Pause semantics").
func Resume(pausedFrom Status) (to Status, err error) {
	if pausedFrom == "" {
		return "", &ErrInvalidTransition{From: StatusPaused, Event: EventResume}
	}
	return pausedFrom, nil
}

// LeaseExpire computes the destination status when the Lease Sweeper
// reclaims a task whose heartbeat has expired. Legal from any executing
// status (§4.1, Invariant 2 in §8).
func LeaseExpire(from Status) (to Status, err error) {
	if !from.Executing() {
		return "", &ErrInvalidTransition{From: from, Event: EventLeaseExpired}
	}
	return StatusFailed, nil
}

// Cancel computes the destination status when a task (or an ancestor) is
// cancelled. Legal from any non-terminal status, including plan_review and
// paused (§4.2 "Cancellation").
func Cancel(from Status) (to Status, err error) {
	if from.Terminal() {
		return "", &ErrInvalidTransition{From: from, Event: EventCancel}
	}
	return StatusFailed, nil
}
