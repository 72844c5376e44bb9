package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/databases"
)

// DependencyStatus tracks the child side of a parent↔child run link.
type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "pending"
	DependencyCompleted DependencyStatus = "completed"
	DependencyFailed    DependencyStatus = "failed"
)

// Dependency links a parent run to a child run through the tool call that
// requested the escalation. Unique per (parent, child).
type Dependency struct {
	ParentRunID string           `json:"parent_run_id"`
	ChildRunID  string           `json:"child_run_id"`
	ToolCallID  string           `json:"tool_call_id"`
	Goal        string           `json:"goal"`
	Status      DependencyStatus `json:"status"`
	Result      string           `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// ErrDependencyExists is returned when a (parent, child) pair is recorded twice.
var ErrDependencyExists = errors.New("run dependency already exists")

const createDependenciesTableSQL = `
CREATE TABLE IF NOT EXISTS run_dependencies (
    parent_run_id VARCHAR(255) NOT NULL,
    child_run_id VARCHAR(255) NOT NULL,
    tool_call_id VARCHAR(255) NOT NULL,
    goal TEXT,
    status VARCHAR(32) NOT NULL,
    result TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    PRIMARY KEY (parent_run_id, child_run_id)
);

CREATE INDEX IF NOT EXISTS idx_run_dependencies_child ON run_dependencies(child_run_id);
`

// DependencyTracker records escalations and resolves them when the child
// run reaches a terminal state. Implemented by SQLRepository so run and
// dependency updates share a connection pool.
type DependencyTracker interface {
	CreateDependency(ctx context.Context, dep *Dependency) error
	// ResolveDependency writes the child's terminal outcome onto the
	// dependency row and returns it so the caller can re-enqueue the
	// parent. Resolving an already-resolved row is a no-op.
	ResolveDependency(ctx context.Context, childRunID string, status DependencyStatus, result, errMsg string) (*Dependency, error)
	GetDependencyByChild(ctx context.Context, childRunID string) (*Dependency, error)
	GetDependencyByCall(ctx context.Context, parentRunID, toolCallID string) (*Dependency, error)
}

// CreateDependency implements DependencyTracker.
func (r *SQLRepository) CreateDependency(ctx context.Context, dep *Dependency) error {
	if dep.ParentRunID == "" || dep.ChildRunID == "" {
		return fmt.Errorf("parent and child run ids are required")
	}
	if dep.Status == "" {
		dep.Status = DependencyPending
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	query := databases.Rebind(`
INSERT INTO run_dependencies (parent_run_id, child_run_id, tool_call_id, goal, status, result, error, created_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, r.dialect)

	_, err := r.db.ExecContext(ctx, query,
		dep.ParentRunID, dep.ChildRunID, dep.ToolCallID, dep.Goal,
		string(dep.Status), nullString(dep.Result), nullString(dep.Error),
		dep.CreatedAt, dep.ResolvedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: parent=%s child=%s", ErrDependencyExists, dep.ParentRunID, dep.ChildRunID)
		}
		return fmt.Errorf("failed to insert run dependency: %w", err)
	}
	return nil
}

// ResolveDependency implements DependencyTracker.
func (r *SQLRepository) ResolveDependency(ctx context.Context, childRunID string, status DependencyStatus, result, errMsg string) (*Dependency, error) {
	dep, err := r.GetDependencyByChild(ctx, childRunID)
	if err != nil {
		return nil, err
	}
	if dep.Status != DependencyPending {
		return dep, nil
	}

	now := time.Now().UTC()
	query := databases.Rebind(`
UPDATE run_dependencies
SET status = ?, result = ?, error = ?, resolved_at = ?
WHERE parent_run_id = ? AND child_run_id = ? AND status = ?
`, r.dialect)

	_, err = r.db.ExecContext(ctx, query,
		string(status), nullString(result), nullString(errMsg), now,
		dep.ParentRunID, dep.ChildRunID, string(DependencyPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run dependency: %w", err)
	}

	dep.Status = status
	dep.Result = result
	dep.Error = errMsg
	dep.ResolvedAt = &now
	return dep, nil
}

// GetDependencyByChild implements DependencyTracker.
func (r *SQLRepository) GetDependencyByChild(ctx context.Context, childRunID string) (*Dependency, error) {
	query := databases.Rebind(`
SELECT parent_run_id, child_run_id, tool_call_id, goal, status, result, error, created_at, resolved_at
FROM run_dependencies WHERE child_run_id = ?
`, r.dialect)
	return scanDependency(r.db.QueryRowContext(ctx, query, childRunID))
}

// GetDependencyByCall implements DependencyTracker.
func (r *SQLRepository) GetDependencyByCall(ctx context.Context, parentRunID, toolCallID string) (*Dependency, error) {
	query := databases.Rebind(`
SELECT parent_run_id, child_run_id, tool_call_id, goal, status, result, error, created_at, resolved_at
FROM run_dependencies WHERE parent_run_id = ? AND tool_call_id = ?
`, r.dialect)
	return scanDependency(r.db.QueryRowContext(ctx, query, parentRunID, toolCallID))
}

func scanDependency(row rowScanner) (*Dependency, error) {
	var (
		dep          Dependency
		goal         sql.NullString
		result, eMsg sql.NullString
		resolvedAt   sql.NullTime
	)
	err := row.Scan(&dep.ParentRunID, &dep.ChildRunID, &dep.ToolCallID, &goal,
		&dep.Status, &result, &eMsg, &dep.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dependency", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run dependency: %w", err)
	}
	dep.Goal = goal.String
	dep.Result = result.String
	dep.Error = eMsg.String
	dep.ResolvedAt = timePtr(resolvedAt)
	return &dep, nil
}

// isDuplicateKey sniffs the driver-specific unique violation text.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
