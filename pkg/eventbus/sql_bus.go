package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandworks/strand/pkg/databases"
	"github.com/strandworks/strand/pkg/event"
)

// subscriberBuffer is the channel depth per live subscriber. A subscriber
// that falls this far behind starts losing live events; the persisted log
// remains authoritative.
const subscriberBuffer = 256

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS run_events (
    id %s,
    v INTEGER NOT NULL,
    run_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    step_id INTEGER NOT NULL,
    span_id VARCHAR(64) NOT NULL,
    parent_span_id VARCHAR(64),
    event_type VARCHAR(64) NOT NULL,
    payload TEXT,
    contains_secrets BOOLEAN NOT NULL DEFAULT FALSE,
    ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id);
`

// SQLBus is a Bus backed by a relational store via database/sql.
// Supports PostgreSQL, MySQL, and SQLite.
type SQLBus struct {
	db      *sql.DB
	dialect string

	subscribersMu sync.RWMutex
	subscribers   map[string][]chan *event.Event
	closed        bool
}

// NewSQLBus creates the bus and initializes its schema.
func NewSQLBus(db *sql.DB, dialect string) (*SQLBus, error) {
	if db == nil {
		return nil, newBusError("New", "database connection is required", nil)
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, newBusError("New", "unsupported dialect: "+dialect, nil)
	}

	b := &SQLBus{
		db:          db,
		dialect:     dialect,
		subscribers: make(map[string][]chan *event.Event),
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLBus) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch b.dialect {
	case "postgres":
		idColumn = "BIGSERIAL PRIMARY KEY"
	case "mysql":
		idColumn = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(createEventsTableSQL, idColumn)); err != nil {
		return newBusError("initSchema", "failed to create schema", err)
	}
	return nil
}

const insertEventSQL = `
INSERT INTO run_events (v, run_id, agent_id, step_id, span_id, parent_span_id, event_type, payload, contains_secrets, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Append implements Bus.
func (b *SQLBus) Append(ctx context.Context, ev *event.Event) error {
	if b.dialect == databases.DialectPostgres {
		query := databases.Rebind(insertEventSQL, b.dialect) + " RETURNING id"
		err := b.db.QueryRowContext(ctx, query,
			ev.V, ev.RunID, ev.AgentID, ev.StepID, ev.SpanID, nullable(ev.ParentSpanID),
			string(ev.Type), string(ev.Payload), ev.Redaction.ContainsSecrets, ev.Timestamp,
		).Scan(&ev.Seq)
		if err != nil {
			return newBusError("Append", "failed to insert event", err)
		}
	} else {
		res, err := b.db.ExecContext(ctx, insertEventSQL,
			ev.V, ev.RunID, ev.AgentID, ev.StepID, ev.SpanID, nullable(ev.ParentSpanID),
			string(ev.Type), string(ev.Payload), ev.Redaction.ContainsSecrets, ev.Timestamp,
		)
		if err != nil {
			return newBusError("Append", "failed to insert event", err)
		}
		if seq, err := res.LastInsertId(); err == nil {
			ev.Seq = seq
		}
	}

	b.deliver(ev.RunID, ev)
	return nil
}

// AppendBatch implements Bus. The batch is written in a single
// transaction so readers never observe a partial token burst.
func (b *SQLBus) AppendBatch(ctx context.Context, evs []*event.Event) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return newBusError("AppendBatch", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, databases.Rebind(insertEventSQL, b.dialect))
	if err != nil {
		return newBusError("AppendBatch", "failed to prepare insert", err)
	}
	defer stmt.Close()

	for _, ev := range evs {
		if _, err := stmt.ExecContext(ctx,
			ev.V, ev.RunID, ev.AgentID, ev.StepID, ev.SpanID, nullable(ev.ParentSpanID),
			string(ev.Type), string(ev.Payload), ev.Redaction.ContainsSecrets, ev.Timestamp,
		); err != nil {
			return newBusError("AppendBatch", "failed to insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newBusError("AppendBatch", "failed to commit", err)
	}
	return nil
}

// List implements Bus.
func (b *SQLBus) List(ctx context.Context, runID string, cursor int64, limit int) ([]*event.Event, *int64, error) {
	if limit <= 0 {
		limit = 100
	}

	query := databases.Rebind(`
SELECT id, v, run_id, agent_id, step_id, span_id, parent_span_id, event_type, payload, contains_secrets, ts
FROM run_events
WHERE run_id = ? AND id > ?
ORDER BY id ASC
LIMIT ?
`, b.dialect)

	rows, err := b.db.QueryContext(ctx, query, runID, cursor, limit)
	if err != nil {
		return nil, nil, newBusError("List", "failed to query events", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, nil, newBusError("List", "failed to scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, newBusError("List", "row iteration failed", err)
	}

	var next *int64
	if len(events) == limit {
		last := events[len(events)-1].Seq
		next = &last
	}
	return events, next, nil
}

// Subscribe implements Bus.
func (b *SQLBus) Subscribe(runID string) *Subscription {
	ch := make(chan *event.Event, subscriberBuffer)

	b.subscribersMu.Lock()
	if b.closed {
		b.subscribersMu.Unlock()
		close(ch)
		return &Subscription{C: ch, unsubscribe: func() {}}
	}
	b.subscribers[runID] = append(b.subscribers[runID], ch)
	b.subscribersMu.Unlock()

	var once sync.Once
	return &Subscription{
		C: ch,
		unsubscribe: func() {
			once.Do(func() { b.removeSubscriber(runID, ch) })
		},
	}
}

// BroadcastToRun implements Bus.
func (b *SQLBus) BroadcastToRun(runID string, ev *event.Event) {
	b.deliver(runID, ev)
}

// Close implements Bus.
func (b *SQLBus) Close() error {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for runID, chans := range b.subscribers {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subscribers, runID)
	}
	return nil
}

func (b *SQLBus) deliver(runID string, ev *event.Event) {
	b.subscribersMu.RLock()
	chans := b.subscribers[runID]
	b.subscribersMu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop the live copy. The persisted log
			// remains authoritative and the subscriber can catch up
			// with List.
			slog.Debug("Dropping event for slow subscriber", "run_id", runID, "type", ev.Type)
		}
	}
}

func (b *SQLBus) removeSubscriber(runID string, ch chan *event.Event) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	chans := b.subscribers[runID]
	for i, c := range chans {
		if c == ch {
			b.subscribers[runID] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subscribers[runID]) == 0 {
		delete(b.subscribers, runID)
	}
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		ev         event.Event
		parentSpan sql.NullString
		eventType  string
		payload    sql.NullString
	)
	if err := rows.Scan(
		&ev.Seq, &ev.V, &ev.RunID, &ev.AgentID, &ev.StepID, &ev.SpanID,
		&parentSpan, &eventType, &payload, &ev.Redaction.ContainsSecrets, &ev.Timestamp,
	); err != nil {
		return nil, err
	}
	ev.ParentSpanID = parentSpan.String
	ev.Type = event.Type(eventType)
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	return &ev, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
