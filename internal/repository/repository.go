// Package repository defines Repository, the target-repository record
// tasks are dispatched against (§3).
package repository

import "time"

// Repository is a registered target repository. Registration itself is out
// of scope for the orchestration core (§1); this package only models the
// record the core reads.
type Repository struct {
	ID          string
	Path        string // absolute filesystem path
	DisplayName string
	ProjectType string // e.g. "go", "node", "python"; empty if unknown
	Framework   string // e.g. "chi", "express"; empty if unknown
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
