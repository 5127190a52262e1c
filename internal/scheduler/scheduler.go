// Package scheduler implements the DAG Scheduler (§4.2): the ready-frontier
// computation, bounded-worker-pool dispatch, plan-insertion cycle detection,
// and cancellation cascade that sit above a single task's Task Engine drive
// loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/telemetry"
)

// TaskRunner is the narrow slice of taskengine.Engine the Scheduler drives.
// A fake implementation lets scheduler tests run without a real Agent
// Runtime, mirroring the AgentInvoker pattern in internal/taskengine.
type TaskRunner interface {
	RunToSuspension(ctx context.Context, taskID string) outcome.Result[task.Status]
	Cancel(ctx context.Context, taskID string) outcome.Result[task.Status]
	CancelDescendant(ctx context.Context, taskID string) outcome.Result[task.Status]
}

// repoLockTTL bounds how long a per-repository dispatch lock can survive a
// worker that dies without releasing it; a safety valve, not the normal
// release path (the normal path is the explicit Delete once RunToSuspension
// returns).
const repoLockTTL = 30 * time.Minute

// Config carries the Scheduler's own policy knobs (§5 "Scheduling model").
type Config struct {
	// Workers bounds the worker-slot pool, W (recommended 2-4 x CPU).
	Workers int
}

// DefaultConfig returns a small worker pool suitable for tests and local
// development; production callers size Workers from CPU count.
func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Scheduler maintains the FIFO ready queue and dispatches queued task IDs
// onto a bounded worker pool, with at most one task per repository in
// flight at a time (§5 "Shared resources"). Tasks' affected-file sets are
// not consulted, so tasks with disjoint files against the same repository
// are serialized as well.
type Scheduler struct {
	store   store.Store
	runner  TaskRunner
	bus     eventbus.Publisher
	clock   clock.Clock
	cfg     Config
	log     telemetry.Logger
	metrics telemetry.Metrics

	queue chan string
	sem   chan struct{}

	repoLocks *gocache.Cache

	mu      sync.Mutex
	claimed map[string]bool // taskID -> currently owned by a worker goroutine

	wg sync.WaitGroup
}

// New builds a Scheduler. log and metrics default to no-ops when nil.
func New(st store.Store, bus eventbus.Publisher, runner TaskRunner, clk clock.Clock, cfg Config, log telemetry.Logger, metrics telemetry.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Scheduler{
		store:     st,
		runner:    runner,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		queue:     make(chan string, 4096),
		sem:       make(chan struct{}, cfg.Workers),
		repoLocks: gocache.New(repoLockTTL, repoLockTTL/2),
		claimed:   make(map[string]bool),
	}
}

// Enqueue adds taskID to the FIFO ready queue (§4.2 "Dispatch": ready tasks
// are dispatched in FIFO order, tie-broken by insertion timestamp, which
// Go's buffered channel already preserves). Enqueue is the scheduler's only
// entry point for new work; callers (the External API, the Task Engine
// spawning a loop-child, the Lease Sweeper requeuing a reclaimed task) call
// it once a task's status becomes pending.
func (s *Scheduler) Enqueue(taskID string) {
	select {
	case s.queue <- taskID:
	default:
		// Queue is saturated: the ID is not queued and the task stays a
		// stored pending row. Run does not rescan the store, so the task is
		// dispatched only once Enqueue is called for it again.
	}
}

// Run drains the ready queue onto the worker pool until ctx is cancelled.
// It never dispatches a task twice concurrently: claimed tracks in-flight
// task IDs so a requeue (e.g. after a failed repo-lock acquisition) cannot
// race with the goroutine already driving that task.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case taskID := <-s.queue:
			s.dispatch(ctx, taskID)
		}
	}
}

// Wait blocks until every in-flight dispatch goroutine returns. Callers use
// it after cancelling Run's context to know shutdown is complete.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, taskID string) {
	s.mu.Lock()
	if s.claimed[taskID] {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		s.warn(ctx, "scheduler: load task for dispatch failed", "task_id", taskID, "error", err.Error())
		return
	}
	if t.Status != task.StatusPending {
		// Already picked up by a worker, or resolved since enqueue; drop.
		return
	}
	if !s.tryLockRepo(taskID, t.RepoID) {
		// Another task is already in flight against this repository;
		// requeue to the back of the FIFO order and let a later pass retry
		// once that task suspends.
		s.Enqueue(taskID)
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.unlockRepo(t.RepoID)
		return
	}

	s.mu.Lock()
	s.claimed[taskID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer s.unlockRepo(t.RepoID)
		defer func() {
			s.mu.Lock()
			delete(s.claimed, taskID)
			s.mu.Unlock()
		}()

		if s.metrics != nil {
			s.metrics.IncCounter("scheduler.dispatched", 1, "repo_id", t.RepoID)
		}
		res := s.runner.RunToSuspension(ctx, taskID)
		if !res.IsOK() {
			s.warn(ctx, "scheduler: task drive failed", "task_id", taskID, "error", res.Failure().Detail)
			return
		}
		if res.Value() == task.StatusPending {
			// Defensive: a driver that suspends back in pending would spin
			// forever without this requeue. Not expected in practice since
			// handlePending always advances to planning before returning.
			s.Enqueue(taskID)
		}
	}()
}

// tryLockRepo reports whether taskID may proceed against repoID: only when
// no task currently holds the repo's lock, including an earlier dispatch of
// taskID itself that has not released it yet. repoID == "" (no repository
// target) never serializes.
func (s *Scheduler) tryLockRepo(taskID, repoID string) bool {
	if repoID == "" {
		return true
	}
	if _, found := s.repoLocks.Get(repoID); found {
		return false
	}
	s.repoLocks.Set(repoID, taskID, repoLockTTL)
	return true
}

func (s *Scheduler) unlockRepo(repoID string) {
	if repoID == "" {
		return
	}
	s.repoLocks.Delete(repoID)
}

func (s *Scheduler) warn(ctx context.Context, msg string, keyvals ...any) {
	if s.log != nil {
		s.log.Warn(ctx, msg, keyvals...)
	}
}

// Cancel cancels taskID and cascades to every descendant (§4.2
// "Cancellation"): descendants become failed with reason "parent
// cancelled"; an in-flight descendant observes the cancellation at its
// next cooperative checkpoint via the Task Engine's own ctx.Err() check.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) outcome.Result[bool] {
	if res := s.runner.Cancel(ctx, taskID); !res.IsOK() {
		return outcome.Err[bool](res.Failure().Kind, res.Failure().Detail)
	}
	descendants, err := s.collectDescendants(ctx, taskID)
	if err != nil {
		return outcome.ErrFromCause[bool](kinds.KindTransient, "collect descendants of "+taskID, err)
	}
	for _, d := range descendants {
		if res := s.runner.CancelDescendant(ctx, d); !res.IsOK() {
			return outcome.Err[bool](res.Failure().Kind, res.Failure().Detail)
		}
	}
	return outcome.Ok(true)
}

// collectDescendants walks the parent/child tree breadth-first via
// store.ListChildren, returning every descendant's ID (not including
// taskID itself).
func (s *Scheduler) collectDescendants(ctx context.Context, taskID string) ([]string, error) {
	var out []string
	frontier := []string{taskID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := s.store.ListChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c.ID)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}
