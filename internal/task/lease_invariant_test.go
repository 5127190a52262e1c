package task_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/taskmesh/orchestrator/internal/task"
)

var allStatuses = []task.Status{
	task.StatusPending,
	task.StatusPlanning,
	task.StatusPlanReview,
	task.StatusExecuting,
	task.StatusTesting,
	task.StatusDocumenting,
	task.StatusCompleted,
	task.StatusFailed,
	task.StatusPaused,
}

// TestLeaseExpire_InvariantHoldsAcrossEveryStatus checks Invariant 2 of §8:
// a lease can only expire out from under a task that a worker is actively
// expected to be driving, and when it does, the task always lands in the
// terminal failed status, never anywhere else.
func TestLeaseExpire_InvariantHoldsAcrossEveryStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("LeaseExpire succeeds exactly on executing statuses and always yields failed", prop.ForAll(
		func(idx int) bool {
			s := allStatuses[idx%len(allStatuses)]
			to, err := task.LeaseExpire(s)
			if s.Executing() {
				return err == nil && to == task.StatusFailed
			}
			return err != nil
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
