// Package task defines the orchestrator's central unit of work: Task, its
// embedded Plan/PlanStep decomposition, and the status state machine driven
// by the Task Engine (§3, §4.1 of the specification).
package task

import "time"

type (
	// Task is the unit of work tracked by the orchestrator. A root Task is
	// created by the External API; fix-loop and write-tests Tasks are
	// created by the Task Engine with ParentID set.
	Task struct {
		ID string
		// ParentID is empty for root tasks, otherwise the ID of the task that
		// spawned this one as a fix-loop or write-tests child.
		ParentID string
		RepoID   string
		// UserRequest is the free-text engineering request driving this task.
		UserRequest string
		Title       string
		Status      Status
		// Phase names the agent role currently active for this task
		// ("planner", "coder_be", "coder_fe", "coder_infra", "qa", "docs").
		Phase string
		// CurrentStep is the index into Plan.Steps of the step in progress.
		// Must satisfy CurrentStep <= len(Plan.Steps) when Plan is non-nil.
		CurrentStep int
		Plan        *Plan
		RetryCount  int
		// RecursionDepth counts fix-loop/write-tests ancestors; bounded by
		// D_max (see §4.1).
		RecursionDepth int
		HumanReview    bool
		// ErrorKind and ErrorMessage are set only when Status is StatusFailed.
		ErrorKind    string
		ErrorMessage string
		// Heartbeat is the monotonic liveness timestamp written by the owning
		// worker every T_beat while Task is in an executing status. The Lease
		// Sweeper reclaims tasks where now-Heartbeat > T_lease.
		Heartbeat time.Time
		// PausedFrom records the status a paused task should resume into.
		PausedFrom Status
		CreatedAt  time.Time
		UpdatedAt  time.Time
		CompletedAt *time.Time
	}

	// Plan is a task's decomposition into an ordered, dependency-linked
	// sequence of steps, produced by the planner role.
	Plan struct {
		Summary    string
		Steps      []PlanStep
		Complexity int // 1-10
		AffectedFiles []string
		Risks         []string
		// Confidence is the planner's self-reported confidence in [0,1],
		// compared against taskengine.Config.TauAuto to decide plan_review routing.
		Confidence float64
	}

	// PlanStep is one node in the plan DAG. Dependencies name, by Order, the
	// steps that must run before this one; a dependency on a later Order is
	// allowed. ValidatePlan rejects unknown and self dependencies, and the
	// scheduler (internal/scheduler) rejects dependencies that form a cycle.
	PlanStep struct {
		Order        int
		Description  string
		AgentRole    string
		Files        []string
		Dependencies []int
	}

	// Status is the task's coarse lifecycle state (§4.1 transition table).
	Status string
)

const (
	StatusPending     Status = "pending"
	StatusPlanning    Status = "planning"
	StatusPlanReview  Status = "plan_review"
	StatusExecuting   Status = "executing"
	StatusTesting     Status = "testing"
	StatusDocumenting Status = "documenting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"
)

// Terminal reports whether Status is one of the two states from which no
// further transition is possible (§4.1).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Executing reports whether a task in this status is expected to be
// actively driven by a worker and therefore subject to heartbeat/lease
// checking (§5, Invariant 2 in §8).
func (s Status) Executing() bool {
	switch s {
	case StatusPlanning, StatusExecuting, StatusTesting, StatusDocumenting:
		return true
	default:
		return false
	}
}
