// Package engine abstracts how a task's drive-to-suspension work actually
// executes (§9 Design Notes: "ambient async runtime and singleton session
// factories: replace with explicit dependencies"). The default backend
// (inmem) runs the driver in a plain goroutine; the durable backend
// (temporalengine) runs it as a Temporal workflow so in-flight work
// survives a process restart instead of relying solely on the Lease
// Sweeper to notice an orphaned task.
package engine

import (
	"context"

	"github.com/taskmesh/orchestrator/internal/task"
)

// Driver drives one task to its next suspension point (plan_review,
// paused, awaiting-child, or a terminal status) and reports the status it
// suspended in. Production code binds this to
// taskengine.Engine.RunToSuspension; Temporal activities require a plain
// (context, input) -> (output, error) shape, which is why Driver returns a
// plain error rather than outcome.Result[T] — outcome.Failure carries a
// Cause error value that would not survive Temporal's payload
// serialization, so the boundary translates it to a plain error here.
type Driver func(ctx context.Context, taskID string) (task.Status, error)

// Engine is the swappable execution backend for driving tasks.
type Engine interface {
	// Start binds driver and starts whatever background machinery this
	// engine needs (a worker, a connection). Must be called once before
	// Execute.
	Start(ctx context.Context, driver Driver) error

	// Execute drives taskID via the bound driver and returns the status it
	// suspended in. Safe to call concurrently for distinct task IDs.
	Execute(ctx context.Context, taskID string) (task.Status, error)

	// Close releases whatever Start created.
	Close() error
}
