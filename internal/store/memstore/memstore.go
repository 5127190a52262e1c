// Package memstore implements store.Store entirely in process memory: the
// "memory" StoreConfig.Driver selection for local development and
// single-process demos where standing up Postgres and Mongo is unwanted
// overhead. It is the production form of the fakeStore test doubles
// repeated across this codebase's *_test.go files (scheduler, leasesweeper,
// api), generalized to satisfy store.Store in full rather than just the
// slice a given package's tests exercise.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Store is a mutex-guarded, map-backed store.Store. Every returned pointer
// is a copy so callers cannot mutate state behind the store's back.
type Store struct {
	mu         sync.Mutex
	tasks      map[string]*task.Task
	runs       map[string][]*agentrun.AgentRun
	fileEvents map[string][]*fsevent.Event
	repos      map[string]*repository.Repository
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		tasks:      make(map[string]*task.Task),
		runs:       make(map[string][]*agentrun.AgentRun),
		fileEvents: make(map[string][]*fsevent.Event),
		repos:      make(map[string]*repository.Repository),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateExpected(ctx context.Context, t *task.Task, expected task.Status) error {
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

func (s *Store) Heartbeat(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Heartbeat = now
	return nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
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

func (s *Store) List(ctx context.Context, repoID, parentID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if repoID != "" && t.RepoID != repoID {
			continue
		}
		if parentID != "" && t.ParentID != parentID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListByStatusAndStaleHeartbeat(ctx context.Context, before time.Time) ([]*task.Task, error) {
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

// DeleteCascade removes id, every descendant task, and their AgentRuns and
// VerifiedFileEvents.
func (s *Store) DeleteCascade(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{id}
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for _, pid := range frontier {
			for _, t := range s.tasks {
				if t.ParentID == pid {
					ids = append(ids, t.ID)
					next = append(next, t.ID)
				}
			}
		}
		frontier = next
	}
	for _, tid := range ids {
		delete(s.tasks, tid)
		delete(s.runs, tid)
		delete(s.fileEvents, tid)
	}
	return nil
}

func (s *Store) AppendRun(ctx context.Context, r *agentrun.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.TaskID] = append(s.runs[r.TaskID], &cp)
	return nil
}

func (s *Store) ListRuns(ctx context.Context, taskID string) ([]*agentrun.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*agentrun.AgentRun
	for _, r := range s.runs[taskID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) AppendFileEvent(ctx context.Context, e *fsevent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.fileEvents[e.TaskID] = append(s.fileEvents[e.TaskID], &cp)
	return nil
}

func (s *Store) ListFileEvents(ctx context.Context, taskID string) ([]*fsevent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fsevent.Event
	for _, e := range s.fileEvents[taskID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetRepo(ctx context.Context, id string) (*repository.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) PutRepo(ctx context.Context, r *repository.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.repos[r.ID] = &cp
	return nil
}
