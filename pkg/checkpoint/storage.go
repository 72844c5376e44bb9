package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandworks/strand/pkg/databases"
)

// ErrNotFound is returned when no checkpoint exists for a (run, agent).
var ErrNotFound = errors.New("no checkpoint found")

// Store is the checkpoint persistence contract.
type Store interface {
	// Save persists a snapshot; re-saving the same (run, agent, step)
	// overwrites and is idempotent.
	Save(ctx context.Context, snap *Snapshot) error
	// Latest returns the most recent snapshot for (run, agent).
	Latest(ctx context.Context, runID, agentID string) (*Snapshot, error)
}

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    run_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    step_id INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    saved_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, agent_id, step_id)
);
`

// SQLStore implements Store on database/sql.
// Supports PostgreSQL, MySQL, and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates the store and initializes its schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLStore{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createCheckpointsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoints schema: %w", err)
	}
	return s, nil
}

// Save implements Store. Delete-then-insert keeps the upsert portable
// across all three dialects.
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("cannot save nil checkpoint")
	}
	if snap.RunID == "" || snap.AgentID == "" {
		return fmt.Errorf("run_id and agent_id are required for checkpoint")
	}

	data, err := snap.Serialize()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := databases.Rebind(
		"DELETE FROM checkpoints WHERE run_id = ? AND agent_id = ? AND step_id = ?", s.dialect)
	if _, err := tx.ExecContext(ctx, del, snap.RunID, snap.AgentID, snap.StepID); err != nil {
		return fmt.Errorf("failed to clear previous checkpoint: %w", err)
	}

	ins := databases.Rebind(
		"INSERT INTO checkpoints (run_id, agent_id, step_id, snapshot, saved_at) VALUES (?, ?, ?, ?, ?)", s.dialect)
	if _, err := tx.ExecContext(ctx, ins, snap.RunID, snap.AgentID, snap.StepID, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	slog.Debug("Saved checkpoint",
		"run_id", snap.RunID,
		"agent_id", snap.AgentID,
		"step_id", snap.StepID,
		"messages", len(snap.Messages))
	return nil
}

// Latest implements Store.
func (s *SQLStore) Latest(ctx context.Context, runID, agentID string) (*Snapshot, error) {
	query := databases.Rebind(`
SELECT snapshot FROM checkpoints
WHERE run_id = ? AND agent_id = ?
ORDER BY step_id DESC
LIMIT 1
`, s.dialect)

	var data string
	err := s.db.QueryRowContext(ctx, query, runID, agentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for run %s agent %s", ErrNotFound, runID, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return Deserialize([]byte(data))
}
