package task_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/task"
)

func TestNext_HappyPathSequence(t *testing.T) {
	s, err := task.Next(task.StatusPending, task.EventWorkerPickup)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, s)

	s, err = task.Next(task.StatusPlanning, task.EventPlanReadyAuto)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, s)

	s, err = task.Next(task.StatusExecuting, task.EventAllStepsSucceeded)
	require.NoError(t, err)
	assert.Equal(t, task.StatusTesting, s)

	s, err = task.Next(task.StatusTesting, task.EventTestsPassed)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDocumenting, s)

	s, err = task.Next(task.StatusDocumenting, task.EventDocsSucceeded)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, s)
}

func TestNext_LowConfidenceRoutesToPlanReview(t *testing.T) {
	s, err := task.Next(task.StatusPlanning, task.EventPlanReadyReview)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanReview, s)

	s, err = task.Next(task.StatusPlanReview, task.EventPlanApproved)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, s)
}

func TestNext_RejectsIllegalEvent(t *testing.T) {
	_, err := task.Next(task.StatusPending, task.EventTestsPassed)
	require.Error(t, err)
	var invalid *task.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestPauseResume_RoundTripIsNoOp(t *testing.T) {
	to, pausedFrom, err := task.Pause(task.StatusExecuting)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, to)
	assert.Equal(t, task.StatusExecuting, pausedFrom)

	resumed, err := task.Resume(pausedFrom)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, resumed)
}

func TestPause_RejectsTerminalStatus(t *testing.T) {
	_, _, err := task.Pause(task.StatusCompleted)
	require.Error(t, err)
}

func TestLeaseExpire_OnlyFromExecutingStatuses(t *testing.T) {
	s, err := task.LeaseExpire(task.StatusExecuting)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, s)

	_, err = task.LeaseExpire(task.StatusPending)
	require.Error(t, err)
}

func TestCancel_FromPlanReviewAndPaused(t *testing.T) {
	s, err := task.Cancel(task.StatusPlanReview)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, s)

	s, err = task.Cancel(task.StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, s)

	_, err = task.Cancel(task.StatusFailed)
	require.Error(t, err)
}
