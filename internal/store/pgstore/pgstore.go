// Package pgstore implements the relational half of the State Store
// (repositories, tasks, agent_runs) on PostgreSQL via sqlx and lib/pq, with
// schema migrations applied through golang-migrate (§4.6, §6.4).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/repository"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Store implements store.TaskStore, store.RunStore, and store.RepoStore on
// top of a PostgreSQL database. VerifiedFileEvents are persisted separately
// by mongostore.Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and verifies the schema version matches
// wantVersion, per §6.4 ("the core requires the current version before
// accepting writes"). Run Migrate first to bring the schema up to date.
func Open(ctx context.Context, dsn string, wantVersion uint) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &Store{db: db}
	got, err := s.schemaVersion(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if got != wantVersion {
		db.Close()
		return nil, fmt.Errorf("%w: schema at version %d, binary requires %d", store.ErrVersionMismatch, got, wantVersion)
	}
	return s, nil
}

func (s *Store) schemaVersion(ctx context.Context) (uint, error) {
	var version uint
	err := s.db.GetContext(ctx, &version, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func (s *Store) Close() error { return s.db.Close() }

type taskRow struct {
	ID             string         `db:"id"`
	ParentID       sql.NullString `db:"parent_id"`
	RepoID         string         `db:"repo_id"`
	UserRequest    string         `db:"user_request"`
	Title          string         `db:"title"`
	Status         string         `db:"status"`
	Phase          string         `db:"phase"`
	CurrentStep    int            `db:"current_step"`
	PlanJSON       []byte         `db:"plan"`
	RetryCount     int            `db:"retry_count"`
	RecursionDepth int            `db:"recursion_depth"`
	HumanReview    bool           `db:"human_review"`
	ErrorKind      sql.NullString `db:"error_kind"`
	ErrorMessage   sql.NullString `db:"error_message"`
	Heartbeat      time.Time      `db:"heartbeat"`
	PausedFrom     sql.NullString `db:"paused_from"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	// StatusExpected is only set (and only bound) by UpdateExpected's
	// compare-and-swap WHERE clause; every other query leaves it zero.
	StatusExpected string `db:"status_expected"`
}

func toRow(t *task.Task) (*taskRow, error) {
	var planJSON []byte
	if t.Plan != nil {
		b, err := json.Marshal(t.Plan)
		if err != nil {
			return nil, err
		}
		planJSON = b
	}
	row := &taskRow{
		ID:             t.ID,
		RepoID:         t.RepoID,
		UserRequest:    t.UserRequest,
		Title:          t.Title,
		Status:         string(t.Status),
		Phase:          t.Phase,
		CurrentStep:    t.CurrentStep,
		PlanJSON:       planJSON,
		RetryCount:     t.RetryCount,
		RecursionDepth: t.RecursionDepth,
		HumanReview:    t.HumanReview,
		Heartbeat:      t.Heartbeat,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.ParentID != "" {
		row.ParentID = sql.NullString{String: t.ParentID, Valid: true}
	}
	if t.ErrorKind != "" {
		row.ErrorKind = sql.NullString{String: t.ErrorKind, Valid: true}
	}
	if t.ErrorMessage != "" {
		row.ErrorMessage = sql.NullString{String: t.ErrorMessage, Valid: true}
	}
	if t.PausedFrom != "" {
		row.PausedFrom = sql.NullString{String: string(t.PausedFrom), Valid: true}
	}
	if t.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r *taskRow) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:             r.ID,
		ParentID:       r.ParentID.String,
		RepoID:         r.RepoID,
		UserRequest:    r.UserRequest,
		Title:          r.Title,
		Status:         task.Status(r.Status),
		Phase:          r.Phase,
		CurrentStep:    r.CurrentStep,
		RetryCount:     r.RetryCount,
		RecursionDepth: r.RecursionDepth,
		HumanReview:    r.HumanReview,
		ErrorKind:      r.ErrorKind.String,
		ErrorMessage:   r.ErrorMessage.String,
		Heartbeat:      r.Heartbeat,
		PausedFrom:     task.Status(r.PausedFrom.String),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		ts := r.CompletedAt.Time
		t.CompletedAt = &ts
	}
	if len(r.PlanJSON) > 0 {
		var p task.Plan
		if err := json.Unmarshal(r.PlanJSON, &p); err != nil {
			return nil, err
		}
		t.Plan = &p
	}
	return t, nil
}

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (
			id, parent_id, repo_id, user_request, title, status, phase, current_step,
			plan, retry_count, recursion_depth, human_review, error_kind, error_message,
			heartbeat, paused_from, created_at, updated_at, completed_at
		) VALUES (
			:id, :parent_id, :repo_id, :user_request, :title, :status, :phase, :current_step,
			:plan, :retry_count, :recursion_depth, :human_review, :error_kind, :error_message,
			:heartbeat, :paused_from, :created_at, :updated_at, :completed_at
		)`, row)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTask()
}

// UpdateExpected persists t only if the stored status still equals
// expected, implementing the serializable read-modify-write retry
// precondition from §4.1 "Transition safety".
func (s *Store) UpdateExpected(ctx context.Context, t *task.Task, expected task.Status) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	row.StatusExpected = string(expected)
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE tasks SET
			status = :status, phase = :phase, current_step = :current_step, plan = :plan,
			retry_count = :retry_count, recursion_depth = :recursion_depth,
			human_review = :human_review, error_kind = :error_kind, error_message = :error_message,
			heartbeat = :heartbeat, paused_from = :paused_from, updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id AND status = :status_expected`, row)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET heartbeat = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE parent_id = $1 ORDER BY created_at`, parentID); err != nil {
		return nil, err
	}
	return rowsToTasks(rows)
}

func (s *Store) List(ctx context.Context, repoID, parentID string) ([]*task.Task, error) {
	query := `SELECT * FROM tasks WHERE ($1 = '' OR repo_id = $1) AND ($2 = '' OR parent_id = $2) ORDER BY created_at`
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, repoID, parentID); err != nil {
		return nil, err
	}
	return rowsToTasks(rows)
}

func (s *Store) ListByStatusAndStaleHeartbeat(ctx context.Context, before time.Time) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE status IN ('planning', 'executing', 'testing', 'documenting') AND heartbeat < $1`, before)
	if err != nil {
		return nil, err
	}
	return rowsToTasks(rows)
}

func (s *Store) DeleteCascade(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids, err := collectDescendantIDs(ctx, tx, id)
	if err != nil {
		return err
	}
	// Deepest first: tasks.parent_id references tasks(id), so a parent row
	// can only go once its children are gone.
	for i := len(ids) - 1; i >= 0; i-- {
		tid := ids[i]
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_runs WHERE task_id = $1`, tid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, tid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func collectDescendantIDs(ctx context.Context, tx *sqlx.Tx, root string) ([]string, error) {
	ids := []string{root}
	frontier := []string{root}
	for len(frontier) > 0 {
		var children []string
		q, args, err := sqlxIn(`SELECT id FROM tasks WHERE parent_id IN (?)`, frontier)
		if err != nil {
			return nil, err
		}
		if err := tx.SelectContext(ctx, &children, tx.Rebind(q), args...); err != nil {
			return nil, err
		}
		ids = append(ids, children...)
		frontier = children
	}
	return ids, nil
}

func sqlxIn(query string, args []string) (string, []any, error) {
	return sqlx.In(query, args)
}

func rowsToTasks(rows []taskRow) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type runRow struct {
	ID             string    `db:"id"`
	TaskID         string    `db:"task_id"`
	Step           int       `db:"step"`
	AgentRole      string    `db:"agent_role"`
	Title          string    `db:"title"`
	Subtitle       string    `db:"subtitle"`
	Reasoning      string    `db:"reasoning"`
	ToolsJSON      []byte    `db:"tools"`
	Confidence     float64   `db:"confidence"`
	ReviewRequired bool      `db:"review_required"`
	DurationMillis int64     `db:"duration_ms"`
	CreatedAt      time.Time `db:"created_at"`
}

func (s *Store) AppendRun(ctx context.Context, r *agentrun.AgentRun) error {
	toolsJSON, err := json.Marshal(r.Tools)
	if err != nil {
		return err
	}
	row := runRow{
		ID: r.ID, TaskID: r.TaskID, Step: r.Step, AgentRole: r.AgentRole,
		Title: r.Title, Subtitle: r.Subtitle, Reasoning: r.Reasoning,
		ToolsJSON: toolsJSON, Confidence: r.Confidence, ReviewRequired: r.ReviewRequired,
		DurationMillis: r.Duration.Milliseconds(), CreatedAt: r.CreatedAt,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agent_runs (id, task_id, step, agent_role, title, subtitle, reasoning, tools, confidence, review_required, duration_ms, created_at)
		VALUES (:id, :task_id, :step, :agent_role, :title, :subtitle, :reasoning, :tools, :confidence, :review_required, :duration_ms, :created_at)`, row)
	return err
}

func (s *Store) ListRuns(ctx context.Context, taskID string) ([]*agentrun.AgentRun, error) {
	var rows []runRow
	// Ordered by (task_id, step, created_at) per §6.4.
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agent_runs WHERE task_id = $1 ORDER BY step, created_at`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*agentrun.AgentRun, 0, len(rows))
	for _, row := range rows {
		var tools []agentrun.ToolInvocation
		if len(row.ToolsJSON) > 0 {
			if err := json.Unmarshal(row.ToolsJSON, &tools); err != nil {
				return nil, err
			}
		}
		out = append(out, &agentrun.AgentRun{
			ID: row.ID, TaskID: row.TaskID, Step: row.Step, AgentRole: row.AgentRole,
			Title: row.Title, Subtitle: row.Subtitle, Reasoning: row.Reasoning, Tools: tools,
			Confidence: row.Confidence, ReviewRequired: row.ReviewRequired,
			Duration:  time.Duration(row.DurationMillis) * time.Millisecond,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

type repoRow struct {
	ID          string    `db:"id"`
	Path        string    `db:"path"`
	DisplayName string    `db:"display_name"`
	ProjectType string    `db:"project_type"`
	Framework   string    `db:"framework"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (s *Store) GetRepo(ctx context.Context, id string) (*repository.Repository, error) {
	var row repoRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM repositories WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repository.Repository{
		ID: row.ID, Path: row.Path, DisplayName: row.DisplayName,
		ProjectType: row.ProjectType, Framework: row.Framework,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *Store) PutRepo(ctx context.Context, r *repository.Repository) error {
	row := repoRow{
		ID: r.ID, Path: r.Path, DisplayName: r.DisplayName,
		ProjectType: r.ProjectType, Framework: r.Framework,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO repositories (id, path, display_name, project_type, framework, created_at, updated_at)
		VALUES (:id, :path, :display_name, :project_type, :framework, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path, display_name = EXCLUDED.display_name,
			project_type = EXCLUDED.project_type, framework = EXCLUDED.framework,
			updated_at = EXCLUDED.updated_at`, row)
	return err
}

var (
	_ store.TaskStore = (*Store)(nil)
	_ store.RunStore  = (*Store)(nil)
	_ store.RepoStore = (*Store)(nil)
)
