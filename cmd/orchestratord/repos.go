package main

import (
	"context"

	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
)

// registerRepo persists a repository.Repository record for st, stamping
// CreatedAt/UpdatedAt from the wall clock. Registration itself is out of
// the orchestration core's scope (§1); this is the operator-facing entry
// point the "repos register" subcommand drives.
func registerRepo(ctx context.Context, st store.Store, id, path, displayName, projectType, framework string) error {
	now := clock.Real{}.Now()
	return st.PutRepo(ctx, &repository.Repository{
		ID:          id,
		Path:        path,
		DisplayName: displayName,
		ProjectType: projectType,
		Framework:   framework,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}
