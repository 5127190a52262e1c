// Package hybridstore composes pgstore.Store (relational: repositories,
// tasks, agent_runs) and mongostore.Store (document: verified file events,
// the event log) into a single store.Store, mirroring §4.6/§6.4's split
// between the two physical databases while giving the rest of the
// orchestrator one interface to depend on.
package hybridstore

import (
	"context"
	"time"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/store/mongostore"
	"github.com/taskmesh/orchestrator/internal/store/pgstore"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Store satisfies store.Store by delegating task/run/repo operations to a
// pgstore.Store and file-event operations to a mongostore.Store. The two
// stores' Close methods have different signatures, so Close here calls
// each one explicitly.
type Store struct {
	Pg    *pgstore.Store
	Mongo *mongostore.Store
}

// New composes an already-opened pg and mongo store.
func New(pg *pgstore.Store, mongo *mongostore.Store) *Store {
	return &Store{Pg: pg, Mongo: mongo}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, t *task.Task) error { return s.Pg.Create(ctx, t) }
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) { return s.Pg.Get(ctx, id) }
func (s *Store) UpdateExpected(ctx context.Context, t *task.Task, expected task.Status) error {
	return s.Pg.UpdateExpected(ctx, t, expected)
}
func (s *Store) Heartbeat(ctx context.Context, id string, now time.Time) error {
	return s.Pg.Heartbeat(ctx, id, now)
}
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.Pg.ListChildren(ctx, parentID)
}
func (s *Store) List(ctx context.Context, repoID, parentID string) ([]*task.Task, error) {
	return s.Pg.List(ctx, repoID, parentID)
}
func (s *Store) ListByStatusAndStaleHeartbeat(ctx context.Context, before time.Time) ([]*task.Task, error) {
	return s.Pg.ListByStatusAndStaleHeartbeat(ctx, before)
}
// DeleteCascade removes id and every descendant's relational records via
// pgstore, plus their document-stored VerifiedFileEvents via mongostore:
// mongostore has no notion of ParentID, so the descendant set is walked
// here (via ListChildren) before the relational cascade runs.
func (s *Store) DeleteCascade(ctx context.Context, id string) error {
	ids, err := s.collectDescendantIDs(ctx, id)
	if err != nil {
		return err
	}
	for _, tid := range ids {
		if err := s.Mongo.DeleteFileEventsForTask(ctx, tid); err != nil {
			return err
		}
	}
	return s.Pg.DeleteCascade(ctx, id)
}

func (s *Store) collectDescendantIDs(ctx context.Context, root string) ([]string, error) {
	ids := []string{root}
	frontier := []string{root}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := s.Pg.ListChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				ids = append(ids, c.ID)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return ids, nil
}

func (s *Store) AppendRun(ctx context.Context, r *agentrun.AgentRun) error {
	return s.Pg.AppendRun(ctx, r)
}
func (s *Store) ListRuns(ctx context.Context, taskID string) ([]*agentrun.AgentRun, error) {
	return s.Pg.ListRuns(ctx, taskID)
}

func (s *Store) AppendFileEvent(ctx context.Context, e *fsevent.Event) error {
	return s.Mongo.AppendFileEvent(ctx, e)
}
func (s *Store) ListFileEvents(ctx context.Context, taskID string) ([]*fsevent.Event, error) {
	return s.Mongo.ListFileEvents(ctx, taskID)
}

func (s *Store) GetRepo(ctx context.Context, id string) (*repository.Repository, error) {
	return s.Pg.GetRepo(ctx, id)
}
func (s *Store) PutRepo(ctx context.Context, r *repository.Repository) error {
	return s.Pg.PutRepo(ctx, r)
}

// Close closes both underlying stores, returning the first error
// encountered (the other close is still attempted).
func (s *Store) Close(ctx context.Context) error {
	pgErr := s.Pg.Close()
	mongoErr := s.Mongo.Close(ctx)
	if pgErr != nil {
		return pgErr
	}
	return mongoErr
}
