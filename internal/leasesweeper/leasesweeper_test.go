package leasesweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newFakeStore() *fakeStore { return &fakeStore{tasks: make(map[string]*task.Task)} }

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

func (s *fakeStore) Heartbeat(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Heartbeat = now
	return nil
}

func (s *fakeStore) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	return nil, nil
}

func (s *fakeStore) List(ctx context.Context, repoID, parentID string) ([]*task.Task, error) {
	return nil, nil
}

func (s *fakeStore) ListByStatusAndStaleHeartbeat(ctx context.Context, before time.Time) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status.Executing() && t.Heartbeat.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteCascade(ctx context.Context, id string) error { return nil }

func (s *fakeStore) AppendRun(ctx context.Context, r *agentrun.AgentRun) error { return nil }
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

type fakeBus struct {
	mu        sync.Mutex
	published []eventbus.Kind
}

func (b *fakeBus) Publish(ctx context.Context, taskID string, kind eventbus.Kind, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, kind)
	return nil
}

func TestSweepOnceReclaimsStaleExecutingTask(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := newFakeStore()
	require.NoError(t, st.Create(context.Background(), &task.Task{
		ID:        "task-1",
		Status:    task.StatusExecuting,
		Heartbeat: fc.Now().Add(-time.Hour),
	}))
	bus := &fakeBus{}
	sweeper := New(st, bus, fc, Config{TBeat: 15 * time.Second, TLease: 45 * time.Second}, nil)

	sweeper.SweepOnce(context.Background())

	got, err := st.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, string(kinds.KindLeaseExpired), got.ErrorKind)
	require.Contains(t, bus.published, eventbus.KindError)
}

func TestSweepOnceLeavesFreshHeartbeatsAlone(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := newFakeStore()
	require.NoError(t, st.Create(context.Background(), &task.Task{
		ID:        "task-1",
		Status:    task.StatusExecuting,
		Heartbeat: fc.Now(),
	}))
	sweeper := New(st, nil, fc, Config{TBeat: 15 * time.Second, TLease: 45 * time.Second}, nil)

	sweeper.SweepOnce(context.Background())

	got, err := st.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusExecuting, got.Status)
}

func TestSweepOnceInvokesOnReclaimCallback(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := newFakeStore()
	require.NoError(t, st.Create(context.Background(), &task.Task{
		ID:        "task-1",
		Status:    task.StatusTesting,
		Heartbeat: fc.Now().Add(-time.Hour),
	}))
	sweeper := New(st, nil, fc, Config{TBeat: 15 * time.Second, TLease: 45 * time.Second}, nil)
	var reclaimed []string
	sweeper.OnReclaim(func(taskID string) { reclaimed = append(reclaimed, taskID) })

	sweeper.SweepOnce(context.Background())

	require.Equal(t, []string{"task-1"}, reclaimed)
}

func TestSweepOnceSkipsATaskAlreadyResolvedToNonExecuting(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := newFakeStore()
	require.NoError(t, st.Create(context.Background(), &task.Task{
		ID:        "task-1",
		Status:    task.StatusCompleted,
		Heartbeat: fc.Now().Add(-time.Hour),
	}))
	sweeper := New(st, nil, fc, Config{TBeat: 15 * time.Second, TLease: 45 * time.Second}, nil)

	sweeper.SweepOnce(context.Background())

	got, err := st.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
}
