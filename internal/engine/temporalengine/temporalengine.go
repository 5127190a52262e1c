// Package temporalengine implements internal/engine.Engine as a durable
// Temporal workflow: one workflow execution per task ID, wrapping a single
// activity that calls the bound Driver. Unlike goa-ai's
// runtime/agent/engine/temporal adapter, which registers many distinct
// named workflows (one per generated agent), this engine only ever needs
// one workflow/activity pair, since every task in this system is driven
// through the same taskengine.Engine.RunToSuspension method — the
// durability win here is "the task's progress survives an orchestratord
// restart," not "route to different workflow code per task."
package temporalengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/taskmesh/orchestrator/internal/engine"
	"github.com/taskmesh/orchestrator/internal/task"
)

const (
	workflowName = "DriveTaskWorkflow"
	activityName = "DriveTaskActivity"

	// defaultActivityTimeout bounds one DriveTaskActivity invocation. It is
	// sized to T_phase's recommended default (§5) since one RunToSuspension
	// call can span an entire phase (planning, one execute step, testing,
	// or documenting) before it suspends.
	defaultActivityTimeout = 20 * time.Minute
)

// Options configures the Temporal-backed Engine.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, Dial is used with
	// ClientOptions to create (and later close) one.
	Client client.Client
	// ClientOptions configures the client when Client is nil.
	ClientOptions client.Options
	// TaskQueue is the queue the engine's worker listens on and the queue
	// every workflow execution is started on.
	TaskQueue string
	// ActivityTimeout is stored on the Engine, but driveTaskWorkflow's
	// activity options always use defaultActivityTimeout, so setting it does
	// not change the activity's StartToCloseTimeout.
	ActivityTimeout time.Duration
}

// Engine drives tasks as Temporal workflow executions.
type Engine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	timeout     time.Duration
	worker      worker.Worker

	mu     sync.RWMutex
	driver engine.Driver
}

// New dials (or adopts) a Temporal client. The worker is not started until
// Start is called.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporalengine: TaskQueue is required")
	}
	cli := opts.Client
	closeClient := false
	if cli == nil {
		var err error
		cli, err = client.Dial(opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporalengine: dial client: %w", err)
		}
		closeClient = true
	}
	timeout := opts.ActivityTimeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	return &Engine{client: cli, closeClient: closeClient, taskQueue: opts.TaskQueue, timeout: timeout}, nil
}

// Start binds driver, registers the workflow/activity pair, and starts the
// queue's worker. Retries are disabled at the Temporal layer
// (MaximumAttempts: 1): RunToSuspension already commits progress through
// the State Store's expected-status compare-and-swap, so a transparent
// Temporal-level retry of a partially-applied activity could re-invoke an
// agent whose effects were already committed. Recovery from a failed or
// abandoned attempt is the Lease Sweeper's job (§4.1), not the workflow
// engine's.
func (e *Engine) Start(ctx context.Context, driver engine.Driver) error {
	if driver == nil {
		return fmt.Errorf("temporalengine: Start called with a nil driver")
	}
	e.mu.Lock()
	e.driver = driver
	e.mu.Unlock()

	w := worker.New(e.client, e.taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(driveTaskWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(e.driveTaskActivity, activity.RegisterOptions{Name: activityName})
	if err := w.Start(); err != nil {
		return fmt.Errorf("temporalengine: start worker: %w", err)
	}
	e.worker = w
	return nil
}

// Execute starts (or, for a retried taskID, re-enters) the workflow
// execution for taskID and blocks until it returns the status the driver
// suspended in. The workflow ID is derived from taskID so a duplicate
// Execute call for the same task while one is already running attaches to
// the existing execution rather than starting a second one.
func (e *Engine) Execute(ctx context.Context, taskID string) (task.Status, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "drive-task-" + taskID,
		TaskQueue: e.taskQueue,
	}, driveTaskWorkflow, taskID)
	if err != nil {
		return "", fmt.Errorf("temporalengine: start workflow for %s: %w", taskID, err)
	}
	var status task.Status
	if err := run.Get(ctx, &status); err != nil {
		return "", fmt.Errorf("temporalengine: workflow for %s: %w", taskID, err)
	}
	return status, nil
}

// Close stops the worker and, if this Engine dialed its own client, closes
// it.
func (e *Engine) Close() error {
	if e.worker != nil {
		e.worker.Stop()
	}
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

// driveTaskActivity is the Temporal activity body: a thin wrapper that
// dispatches into the bound Driver. Unlike workflow code, activities may
// perform arbitrary side effects, so this is where the actual
// RunToSuspension call happens.
func (e *Engine) driveTaskActivity(ctx context.Context, taskID string) (task.Status, error) {
	e.mu.RLock()
	driver := e.driver
	e.mu.RUnlock()
	if driver == nil {
		return "", fmt.Errorf("temporalengine: activity invoked before Start bound a driver")
	}
	return driver(ctx, taskID)
}

// driveTaskWorkflow is the (deterministic, replay-safe) workflow body: it
// schedules exactly one DriveTaskActivity invocation and returns its
// result. All of the actual branching (which phase handler runs, whether
// to spawn a loop-child, when to suspend) lives in the activity's driver
// and in the State Store it reads and writes — the workflow itself carries
// no business logic, so replay determinism is trivially satisfied.
func driveTaskWorkflow(ctx workflow.Context, taskID string) (task.Status, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: defaultActivityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var status task.Status
	err := workflow.ExecuteActivity(ctx, activityName, taskID).Get(ctx, &status)
	return status, err
}
