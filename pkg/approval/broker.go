// Package approval holds pending tool approval requests and resolves
// them with operator decisions.
//
// An approval request is created when a runner suspends on a policy
// `ask` outcome. Deciding a request is idempotent per (run, tool call):
// the first decision wins and re-enqueues the suspended run; later
// decisions are rejected.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandworks/strand/pkg/databases"
)

// Request is a pending tool invocation awaiting a human decision.
type Request struct {
	RunID      string         `json:"run_id"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	RiskLevel  string         `json:"risk_level"`
	Reason     string         `json:"reason"`
	OrgID      string         `json:"org_id"`
	Status     string         `json:"status"` // pending | approved | rejected
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Decision is the outcome applied to a pending request.
type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// DecisionHandler is invoked exactly once per decided request, after the
// decision is durably recorded. The scheduler registers a handler that
// re-enqueues the suspended run.
type DecisionHandler func(ctx context.Context, req *Request, decision Decision)

// Broker errors.
var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Broker owns approval requests.
type Broker interface {
	Create(ctx context.Context, req *Request) error
	// Decide marks the request terminal. Idempotent per
	// (run, toolCallID): a second decision returns ErrAlreadyDecided.
	Decide(ctx context.Context, runID, toolCallID string, decision Decision) (*Request, error)
	ListPending(ctx context.Context, orgID string) ([]*Request, error)
	Get(ctx context.Context, runID, toolCallID string) (*Request, error)
	OnDecision(handler DecisionHandler)
}

const createApprovalsTableSQL = `
CREATE TABLE IF NOT EXISTS approvals (
    run_id VARCHAR(255) NOT NULL,
    tool_call_id VARCHAR(255) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    args TEXT,
    risk_level VARCHAR(16) NOT NULL,
    reason TEXT,
    org_id VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL,
    decision_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP,
    PRIMARY KEY (run_id, tool_call_id)
);

CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, org_id);
`

// SQLBroker implements Broker on database/sql.
// Supports PostgreSQL, MySQL, and SQLite.
type SQLBroker struct {
	db      *sql.DB
	dialect string

	mu      sync.RWMutex
	handler DecisionHandler
}

// NewSQLBroker creates the broker and initializes its schema.
func NewSQLBroker(db *sql.DB, dialect string) (*SQLBroker, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	b := &SQLBroker{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createApprovalsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize approvals schema: %w", err)
	}
	return b, nil
}

// OnDecision implements Broker.
func (b *SQLBroker) OnDecision(handler DecisionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Create implements Broker.
func (b *SQLBroker) Create(ctx context.Context, req *Request) error {
	if req.RunID == "" || req.ToolCallID == "" {
		return fmt.Errorf("run_id and tool_call_id are required")
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	args, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal approval args: %w", err)
	}

	query := databases.Rebind(`
INSERT INTO approvals (run_id, tool_call_id, tool_name, args, risk_level, reason, org_id, status, decision_reason, created_at, decided_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL)
`, b.dialect)

	_, err = b.db.ExecContext(ctx, query,
		req.RunID, req.ToolCallID, req.ToolName, string(args),
		req.RiskLevel, req.Reason, req.OrgID, req.Status, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}

	slog.Info("Approval request created",
		"run_id", req.RunID, "tool", req.ToolName, "risk", req.RiskLevel)
	return nil
}

// Decide implements Broker. The UPDATE is guarded on the pending status
// so concurrent deciders cannot both win.
func (b *SQLBroker) Decide(ctx context.Context, runID, toolCallID string, decision Decision) (*Request, error) {
	req, err := b.Get(ctx, runID, toolCallID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return req, fmt.Errorf("%w: %s/%s is %s", ErrAlreadyDecided, runID, toolCallID, req.Status)
	}

	status := StatusRejected
	if decision.Approve {
		status = StatusApproved
	}
	now := time.Now().UTC()

	query := databases.Rebind(`
UPDATE approvals SET status = ?, decision_reason = ?, decided_at = ?
WHERE run_id = ? AND tool_call_id = ? AND status = ?
`, b.dialect)

	res, err := b.db.ExecContext(ctx, query, status, decision.Reason, now, runID, toolCallID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return req, fmt.Errorf("%w: %s/%s (concurrent decision)", ErrAlreadyDecided, runID, toolCallID)
	}

	req.Status = status
	req.DecidedAt = &now

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(ctx, req, decision)
	}

	slog.Info("Approval decided",
		"run_id", runID, "tool_call_id", toolCallID, "approved", decision.Approve)
	return req, nil
}

// Get implements Broker.
func (b *SQLBroker) Get(ctx context.Context, runID, toolCallID string) (*Request, error) {
	query := databases.Rebind(`
SELECT run_id, tool_call_id, tool_name, args, risk_level, reason, org_id, status, created_at, decided_at
FROM approvals WHERE run_id = ? AND tool_call_id = ?
`, b.dialect)
	return scanRequest(b.db.QueryRowContext(ctx, query, runID, toolCallID))
}

// ListPending implements Broker. An empty orgID lists across tenants.
func (b *SQLBroker) ListPending(ctx context.Context, orgID string) ([]*Request, error) {
	query := `
SELECT run_id, tool_call_id, tool_name, args, risk_level, reason, org_id, status, created_at, decided_at
FROM approvals WHERE status = ?`
	args := []any{StatusPending}
	if orgID != "" {
		query += " AND org_id = ?"
		args = append(args, orgID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := b.db.QueryContext(ctx, databases.Rebind(query, b.dialect), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req       Request
		args      sql.NullString
		reason    sql.NullString
		decidedAt sql.NullTime
	)
	err := row.Scan(&req.RunID, &req.ToolCallID, &req.ToolName, &args,
		&req.RiskLevel, &reason, &req.OrgID, &req.Status, &req.CreatedAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}
	req.Reason = reason.String
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &req.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval args: %w", err)
		}
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return &req, nil
}
