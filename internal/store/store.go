// Package store defines the State Store interfaces required by the
// specification (§4.6, §6.4): durable storage for tasks, the per-task run
// log, verified-file events, and repositories. Concrete adapters live in
// pgstore (relational: repositories, tasks, agent_runs) and mongostore
// (document: verified_file_events, per-task event log).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/task"
)

// ErrNotFound is returned by Get-style methods when no record matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by UpdateExpected when the task's current status
// no longer matches the expected precondition, per §4.1 "Transition safety":
// a transition commits only if the current status matches the expected
// precondition.
var ErrConflict = errors.New("store: conflicting concurrent update")

// ErrVersionMismatch is returned when the State Store's schema migration
// version does not match what the running binary requires (§6.4).
var ErrVersionMismatch = errors.New("store: schema version mismatch")

type (
	// TaskStore persists Task records and supports the expected-status
	// compare-and-swap required for serializable state transitions.
	TaskStore interface {
		// Create inserts a new task. The caller has already assigned t.ID.
		Create(ctx context.Context, t *task.Task) error

		// Get loads a task by ID. Returns ErrNotFound if absent.
		Get(ctx context.Context, id string) (*task.Task, error)

		// UpdateExpected persists t only if the task's currently stored
		// status equals expected; otherwise returns ErrConflict so the
		// caller can re-read and retry (§4.1 "Transition safety").
		UpdateExpected(ctx context.Context, t *task.Task, expected task.Status) error

		// Heartbeat bumps the stored heartbeat timestamp for id to now,
		// without requiring a full task read-modify-write.
		Heartbeat(ctx context.Context, id string, now time.Time) error

		// ListChildren returns all tasks whose ParentID equals parentID.
		ListChildren(ctx context.Context, parentID string) ([]*task.Task, error)

		// List returns tasks filtered by repoID (optional) and parentID
		// (optional, pass "" to mean "no filter" for either).
		List(ctx context.Context, repoID, parentID string) ([]*task.Task, error)

		// ListByStatusAndStaleHeartbeat returns tasks in an executing status
		// whose heartbeat is older than before. Used by the Lease Sweeper.
		ListByStatusAndStaleHeartbeat(ctx context.Context, before time.Time) ([]*task.Task, error)

		// DeleteCascade removes the task and every descendant, their
		// AgentRuns, and their VerifiedFileEvents (§3 "Lifecycle").
		DeleteCascade(ctx context.Context, id string) error
	}

	// RunStore is the append-only store for AgentRun records.
	RunStore interface {
		AppendRun(ctx context.Context, r *agentrun.AgentRun) error
		ListRuns(ctx context.Context, taskID string) ([]*agentrun.AgentRun, error)
	}

	// FileEventStore is the append-only store for VerifiedFileEvents.
	FileEventStore interface {
		AppendFileEvent(ctx context.Context, e *fsevent.Event) error
		ListFileEvents(ctx context.Context, taskID string) ([]*fsevent.Event, error)
	}

	// RepoStore persists Repository records.
	RepoStore interface {
		GetRepo(ctx context.Context, id string) (*repository.Repository, error)
		PutRepo(ctx context.Context, r *repository.Repository) error
	}

	// Store aggregates every State Store capability the orchestrator needs.
	// Implementations may be backed by more than one physical database (the
	// reference implementation splits relational and document concerns
	// across Postgres and Mongo; see pgstore/mongostore).
	Store interface {
		TaskStore
		RunStore
		FileEventStore
		RepoStore
	}
)
