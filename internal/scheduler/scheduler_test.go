package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*task.Task)}
}

func (s *fakeStore) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) UpdateExpected(ctx context.Context, t *task.Task, expected task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != expected {
		return store.ErrConflict
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) Heartbeat(ctx context.Context, id string, now time.Time) error { return nil }

func (s *fakeStore) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) List(ctx context.Context, repoID, parentID string) ([]*task.Task, error) {
	return nil, nil
}

func (s *fakeStore) ListByStatusAndStaleHeartbeat(ctx context.Context, before time.Time) ([]*task.Task, error) {
	return nil, nil
}

func (s *fakeStore) DeleteCascade(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) AppendRun(ctx context.Context, r *agentrun.AgentRun) error          { return nil }
func (s *fakeStore) ListRuns(ctx context.Context, taskID string) ([]*agentrun.AgentRun, error) {
	return nil, nil
}
func (s *fakeStore) AppendFileEvent(ctx context.Context, e *fsevent.Event) error { return nil }
func (s *fakeStore) ListFileEvents(ctx context.Context, taskID string) ([]*fsevent.Event, error) {
	return nil, nil
}
func (s *fakeStore) GetRepo(ctx context.Context, id string) (*repository.Repository, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) PutRepo(ctx context.Context, r *repository.Repository) error { return nil }

// fakeRunner records which task IDs were driven and pretends every drive
// completes immediately, so Scheduler tests exercise dispatch and
// serialization logic without a real Task Engine.
type fakeRunner struct {
	mu      sync.Mutex
	driven  []string
	onDrive func(taskID string)
}

func (r *fakeRunner) RunToSuspension(ctx context.Context, taskID string) outcome.Result[task.Status] {
	r.mu.Lock()
	r.driven = append(r.driven, taskID)
	hook := r.onDrive
	r.mu.Unlock()
	if hook != nil {
		hook(taskID)
	}
	return outcome.Ok(task.StatusCompleted)
}

func (r *fakeRunner) Cancel(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return outcome.Ok(task.StatusFailed)
}

func (r *fakeRunner) CancelDescendant(ctx context.Context, taskID string) outcome.Result[task.Status] {
	r.mu.Lock()
	r.driven = append(r.driven, "cancel:"+taskID)
	r.mu.Unlock()
	return outcome.Ok(task.StatusFailed)
}

func (r *fakeRunner) drivenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.driven))
	copy(out, r.driven)
	return out
}

func seedTask(t *testing.T, st *fakeStore, id, repoID string) {
	t.Helper()
	require.NoError(t, st.Create(context.Background(), &task.Task{
		ID:     id,
		RepoID: repoID,
		Status: task.StatusPending,
	}))
}

func TestDispatchDrivesAQueuedPendingTask(t *testing.T) {
	st := newFakeStore()
	seedTask(t, st, "task-1", "repo-a")
	runner := &fakeRunner{}
	sched := New(st, nil, runner, nil, Config{Workers: 2}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Enqueue("task-1")
	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		return len(runner.drivenIDs()) == 1
	}, time.Second, time.Millisecond)
	cancel()
	sched.Wait()

	require.Equal(t, []string{"task-1"}, runner.drivenIDs())
}

func TestDispatchNeverRunsTheSameTaskTwiceConcurrently(t *testing.T) {
	st := newFakeStore()
	seedTask(t, st, "task-1", "repo-a")
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	runner := &fakeRunner{onDrive: func(taskID string) {
		started <- struct{}{}
		<-release
	}}
	sched := New(st, nil, runner, nil, Config{Workers: 4}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	sched.Enqueue("task-1")
	sched.Enqueue("task-1")
	sched.Enqueue("task-1")

	<-started
	select {
	case <-started:
		t.Fatal("task-1 was dispatched concurrently")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	cancel()
	sched.Wait()
}

func TestSameRepoTasksAreSerialized(t *testing.T) {
	st := newFakeStore()
	seedTask(t, st, "task-1", "repo-a")
	seedTask(t, st, "task-2", "repo-a")

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	release := make(chan struct{})
	runner := &fakeRunner{onDrive: func(taskID string) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		<-release
		mu.Lock()
		concurrent--
		mu.Unlock()
	}}
	sched := New(st, nil, runner, nil, Config{Workers: 4}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	sched.Enqueue("task-1")
	sched.Enqueue("task-2")

	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return len(runner.drivenIDs()) == 1
	}, time.Second, time.Millisecond)

	cancel()
	sched.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxConcurrent, "same-repository tasks must not dispatch concurrently")
}

func TestCancelCascadesToDescendants(t *testing.T) {
	st := newFakeStore()
	seedTask(t, st, "root", "repo-a")
	require.NoError(t, st.Create(context.Background(), &task.Task{ID: "child-1", ParentID: "root", RepoID: "repo-a", Status: task.StatusExecuting}))
	require.NoError(t, st.Create(context.Background(), &task.Task{ID: "grandchild-1", ParentID: "child-1", RepoID: "repo-a", Status: task.StatusPending}))
	runner := &fakeRunner{}
	sched := New(st, nil, runner, nil, Config{Workers: 1}, nil, nil)

	res := sched.Cancel(context.Background(), "root")
	require.True(t, res.IsOK())

	driven := runner.drivenIDs()
	require.Contains(t, driven, "cancel:child-1")
	require.Contains(t, driven, "cancel:grandchild-1")
}

func TestValidateForDispatchAcceptsAcyclicPlan(t *testing.T) {
	plan := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, AgentRole: "coder"},
			{Order: 1, AgentRole: "qa", Dependencies: []int{0}},
		},
	}
	res := ValidateForDispatch(plan)
	require.True(t, res.IsOK())
	require.Equal(t, []int{0, 1}, res.Value())
}

func TestValidateForDispatchRejectsInvalidDependencyIndex(t *testing.T) {
	plan := &task.Plan{
		Steps: []task.PlanStep{
			{Order: 0, AgentRole: "coder", Dependencies: []int{5}},
			{Order: 1, AgentRole: "qa"},
		},
	}
	res := ValidateForDispatch(plan)
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindInvalidPlan, res.Failure().Kind)
}
