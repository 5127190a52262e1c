// Package inmem implements internal/engine.Engine by calling the bound
// Driver directly in the calling goroutine. It carries no durability of
// its own: a process crash mid-drive leaves the task's heartbeat stale,
// which the Lease Sweeper already reclaims (§4.1, §5). This is the
// default backend for local development and for deployments that accept
// "reclaim and retry" over "resume exactly where it left off".
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmesh/orchestrator/internal/engine"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Engine is the non-durable engine.Engine backend.
type Engine struct {
	mu     sync.RWMutex
	driver engine.Driver
}

// New returns an unstarted Engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Start(ctx context.Context, driver engine.Driver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if driver == nil {
		return fmt.Errorf("inmem: Start called with a nil driver")
	}
	e.driver = driver
	return nil
}

func (e *Engine) Execute(ctx context.Context, taskID string) (task.Status, error) {
	e.mu.RLock()
	driver := e.driver
	e.mu.RUnlock()
	if driver == nil {
		return "", fmt.Errorf("inmem: Execute called before Start")
	}
	return driver(ctx, taskID)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.driver = nil
	return nil
}
