package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/databases"
	"github.com/strandworks/strand/pkg/runs"
)

// candidateWindow bounds how many recent entries per tier are scored.
const candidateWindow = 200

const createMemoryTableSQL = `
CREATE TABLE IF NOT EXISTS memory_entries (
    org_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    project_id VARCHAR(255),
    session_key VARCHAR(255),
    group_id VARCHAR(255),
    content TEXT NOT NULL,
    kind VARCHAR(32),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(org_id, user_id, session_key);
CREATE INDEX IF NOT EXISTS idx_memory_group ON memory_entries(org_id, group_id);
`

// SQLService is a keyword-scored Service on the relational store. It is
// deliberately simple: recent entries in scope are fetched and ranked by
// term overlap with the query. A semantic index can replace it behind
// the same interface.
type SQLService struct {
	db      *sql.DB
	dialect string
}

// NewSQLService creates the service and initializes its schema.
func NewSQLService(db *sql.DB, dialect string) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLService{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createMemoryTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}
	return s, nil
}

// Retrieve implements Service. Session hits rank ahead of group hits at
// equal score.
func (s *SQLService) Retrieve(ctx context.Context, q Query) ([]Hit, error) {
	if q.Limit <= 0 {
		q.Limit = 5
	}
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	var hits []Hit
	sessionHits, err := s.tier(ctx, q.Scope, "session_key", q.SessionKey, TierSession, terms)
	if err != nil {
		return nil, err
	}
	hits = append(hits, sessionHits...)

	if q.GroupID != "" {
		groupHits, err := s.tier(ctx, q.Scope, "group_id", q.GroupID, TierGroup, terms)
		if err != nil {
			return nil, err
		}
		hits = append(hits, groupHits...)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (s *SQLService) tier(ctx context.Context, scope runs.Scope, keyColumn, keyValue, tier string, terms []string) ([]Hit, error) {
	if keyValue == "" {
		return nil, nil
	}

	query := databases.Rebind(fmt.Sprintf(`
SELECT content, kind FROM memory_entries
WHERE org_id = ? AND user_id = ? AND %s = ?
ORDER BY created_at DESC
LIMIT %d
`, keyColumn, candidateWindow), s.dialect)

	rows, err := s.db.QueryContext(ctx, query, scope.OrgID, scope.UserID, keyValue)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var content string
		var kind sql.NullString
		if err := rows.Scan(&content, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		if score := overlapScore(terms, content); score > 0 {
			hits = append(hits, Hit{Content: content, Score: score, Source: kind.String, Tier: tier})
		}
	}
	return hits, rows.Err()
}

// Write implements Service.
func (s *SQLService) Write(ctx context.Context, scope runs.Scope, entry Entry) error {
	if entry.Content == "" {
		return fmt.Errorf("memory entry content is required")
	}

	query := databases.Rebind(`
INSERT INTO memory_entries (org_id, user_id, project_id, session_key, group_id, content, kind, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, s.dialect)

	_, err := s.db.ExecContext(ctx, query,
		scope.OrgID, scope.UserID, nullString(scope.ProjectID),
		nullString(entry.SessionKey), nullString(entry.GroupID),
		entry.Content, nullString(entry.Kind), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory entry: %w", err)
	}
	return nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

// overlapScore is the fraction of query terms present in the content.
func overlapScore(terms []string, content string) float64 {
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
