package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/strandworks/strand/pkg/databases"
)

// Repository errors.
var (
	ErrNotFound          = errors.New("run not found")
	ErrIllegalTransition = errors.New("illegal run status transition")
)

// Repository owns run records and their status transitions.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Transition atomically moves the run from its current status to the
	// requested one, updating lifecycle timestamps. Returns
	// ErrIllegalTransition when the state machine forbids the move.
	Transition(ctx context.Context, id string, to Status) (*Run, error)
	// Cancel is idempotent: cancelling a terminal run is a no-op.
	Cancel(ctx context.Context, id string) (*Run, error)
	SetOutput(ctx context.Context, id, output string) error
	SetError(ctx context.Context, id string, runErr *RunError) error
	SetSuspendReason(ctx context.Context, id, reason string) error
	// SetMetadata replaces the run's free-form metadata map.
	SetMetadata(ctx context.Context, id string, metadata map[string]any) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Run, error)
}

const createRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id VARCHAR(255) PRIMARY KEY,
    org_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    project_id VARCHAR(255),
    session_key VARCHAR(255) NOT NULL,
    input TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    group_id VARCHAR(255),
    parent_run_id VARCHAR(255),
    delegated_json TEXT,
    model_json TEXT,
    output TEXT,
    error_json TEXT,
    suspend_reason VARCHAR(64),
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    cancelled_at TIMESTAMP,
    suspended_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_session_key ON runs(session_key);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
`

// SQLRepository implements Repository on database/sql.
// Supports PostgreSQL, MySQL, and SQLite.
type SQLRepository struct {
	db      *sql.DB
	dialect string
}

// NewSQLRepository creates the repository and initializes its schema.
func NewSQLRepository(db *sql.DB, dialect string) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	r := &SQLRepository{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createRunsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize runs schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, createDependenciesTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize run_dependencies schema: %w", err)
	}
	return r, nil
}

// Create inserts a new run in pending state. A parent run, when set, must
// exist in the same scope.
func (r *SQLRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.AgentID == "" {
		run.AgentID = DefaultAgentID
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if run.ParentRunID != "" {
		parent, err := r.Get(ctx, run.ParentRunID)
		if err != nil {
			return fmt.Errorf("parent run %s: %w", run.ParentRunID, err)
		}
		if parent.Scope.OrgID != run.Scope.OrgID || parent.Scope.UserID != run.Scope.UserID {
			return fmt.Errorf("parent run %s belongs to a different scope", run.ParentRunID)
		}
	}

	delegated, err := marshalNullable(run.Delegated)
	if err != nil {
		return fmt.Errorf("failed to marshal delegated permissions: %w", err)
	}
	model, err := marshalNullable(run.Model)
	if err != nil {
		return fmt.Errorf("failed to marshal model config: %w", err)
	}
	errJSON, err := marshalNullable(run.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}
	metadata, err := marshalNullable(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := databases.Rebind(`
INSERT INTO runs (id, org_id, user_id, project_id, session_key, input, status, agent_id, group_id,
                  parent_run_id, delegated_json, model_json, output, error_json, suspend_reason,
                  metadata, created_at, started_at, ended_at, cancelled_at, suspended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, r.dialect)

	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.Scope.OrgID, run.Scope.UserID, nullString(run.Scope.ProjectID),
		run.SessionKey, run.Input, string(run.Status), run.AgentID, nullString(run.GroupID),
		nullString(run.ParentRunID), delegated, model, nullString(run.Output), errJSON,
		nullString(run.SuspendReason), metadata, run.CreatedAt,
		run.StartedAt, run.EndedAt, run.CancelledAt, run.SuspendedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Get loads a run by id.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Run, error) {
	query := databases.Rebind(`
SELECT id, org_id, user_id, project_id, session_key, input, status, agent_id, group_id,
       parent_run_id, delegated_json, model_json, output, error_json, suspend_reason,
       metadata, created_at, started_at, ended_at, cancelled_at, suspended_at
FROM runs WHERE id = ?
`, r.dialect)

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// Transition implements Repository. The UPDATE is guarded by the current
// status so concurrent movers cannot race past the state machine.
func (r *SQLRepository) Transition(ctx context.Context, id string, to Status) (*Run, error) {
	run, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := run.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s → %s (run %s)", ErrIllegalTransition, from, to, id)
	}

	now := time.Now().UTC()
	set := "status = ?"
	args := []any{string(to)}
	switch to {
	case StatusRunning:
		if run.StartedAt == nil {
			set += ", started_at = ?"
			args = append(args, now)
		}
		// Re-entering running clears the suspension marker.
		set += ", suspend_reason = NULL"
	case StatusCompleted, StatusFailed:
		set += ", ended_at = ?"
		args = append(args, now)
	case StatusCancelled:
		set += ", ended_at = ?, cancelled_at = ?"
		args = append(args, now, now)
	case StatusWaiting, StatusSuspended:
		set += ", suspended_at = ?"
		args = append(args, now)
	}
	args = append(args, id, string(from))

	query := databases.Rebind("UPDATE runs SET "+set+" WHERE id = ? AND status = ?", r.dialect)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost the race: someone else moved the run first.
		return nil, fmt.Errorf("%w: %s → %s (run %s, concurrent update)", ErrIllegalTransition, from, to, id)
	}

	return r.Get(ctx, id)
}

// Cancel implements Repository.
func (r *SQLRepository) Cancel(ctx context.Context, id string) (*Run, error) {
	run, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	return r.Transition(ctx, id, StatusCancelled)
}

// SetOutput records the run's result output.
func (r *SQLRepository) SetOutput(ctx context.Context, id, output string) error {
	query := databases.Rebind("UPDATE runs SET output = ? WHERE id = ?", r.dialect)
	if _, err := r.db.ExecContext(ctx, query, output, id); err != nil {
		return fmt.Errorf("failed to set run output: %w", err)
	}
	return nil
}

// SetError records the structured error on the run.
func (r *SQLRepository) SetError(ctx context.Context, id string, runErr *RunError) error {
	errJSON, err := marshalNullable(runErr)
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}
	query := databases.Rebind("UPDATE runs SET error_json = ? WHERE id = ?", r.dialect)
	if _, err := r.db.ExecContext(ctx, query, errJSON, id); err != nil {
		return fmt.Errorf("failed to set run error: %w", err)
	}
	return nil
}

// SetSuspendReason records why the run left the running state.
func (r *SQLRepository) SetSuspendReason(ctx context.Context, id, reason string) error {
	query := databases.Rebind("UPDATE runs SET suspend_reason = ? WHERE id = ?", r.dialect)
	if _, err := r.db.ExecContext(ctx, query, nullString(reason), id); err != nil {
		return fmt.Errorf("failed to set suspend reason: %w", err)
	}
	return nil
}

// SetMetadata replaces the run's metadata map.
func (r *SQLRepository) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	data, err := marshalNullable(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	query := databases.Rebind("UPDATE runs SET metadata = ? WHERE id = ?", r.dialect)
	if _, err := r.db.ExecContext(ctx, query, data, id); err != nil {
		return fmt.Errorf("failed to set run metadata: %w", err)
	}
	return nil
}

// ListByStatus returns runs in the given status, oldest first.
func (r *SQLRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := databases.Rebind(`
SELECT id, org_id, user_id, project_id, session_key, input, status, agent_id, group_id,
       parent_run_id, delegated_json, model_json, output, error_json, suspend_reason,
       metadata, created_at, started_at, ended_at, cancelled_at, suspended_at
FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?
`, r.dialect)

	rows, err := r.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                                          Run
		projectID, groupID, parentRunID              sql.NullString
		delegated, model, output, errJSON            sql.NullString
		suspendReason, metadata                      sql.NullString
		startedAt, endedAt, cancelledAt, suspendedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.Scope.OrgID, &run.Scope.UserID, &projectID,
		&run.SessionKey, &run.Input, &run.Status, &run.AgentID, &groupID,
		&parentRunID, &delegated, &model, &output, &errJSON,
		&suspendReason, &metadata, &run.CreatedAt,
		&startedAt, &endedAt, &cancelledAt, &suspendedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Scope.ProjectID = projectID.String
	run.GroupID = groupID.String
	run.ParentRunID = parentRunID.String
	run.Output = output.String
	run.SuspendReason = suspendReason.String

	if delegated.Valid && delegated.String != "" {
		run.Delegated = &DelegatedPermissions{}
		if err := json.Unmarshal([]byte(delegated.String), run.Delegated); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delegated permissions: %w", err)
		}
	}
	if model.Valid && model.String != "" {
		run.Model = &ModelConfig{}
		if err := json.Unmarshal([]byte(model.String), run.Model); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model config: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		run.Error = &RunError{}
		if err := json.Unmarshal([]byte(errJSON.String), run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	run.CancelledAt = timePtr(cancelledAt)
	run.SuspendedAt = timePtr(suspendedAt)
	return &run, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *DelegatedPermissions:
		if t == nil {
			return nil, nil
		}
	case *ModelConfig:
		if t == nil {
			return nil, nil
		}
	case *RunError:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
