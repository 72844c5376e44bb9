// Package memory defines the retrieval contract the run engine consumes.
//
// The engine composes a query from the conversation tail and asks the
// service for scored hits; the retrieval backend itself (vector index,
// knowledge store) lives behind this interface. Runs that belong to a
// group retrieve tiered: session-scoped hits first, then group-shared
// deposits.
package memory

import (
	"context"

	"github.com/strandworks/strand/pkg/runs"
)

// Tier labels where a hit was retrieved from.
const (
	TierSession = "session"
	TierGroup   = "group"
)

// Hit is one scored retrieval result.
type Hit struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
	Tier    string  `json:"tier,omitempty"`
}

// Entry is a memory deposit.
type Entry struct {
	SessionKey string `json:"session_key,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	Content    string `json:"content"`
	Kind       string `json:"kind,omitempty"` // episodic | fact | note
}

// Query describes one retrieval request.
type Query struct {
	Scope      runs.Scope
	SessionKey string
	// GroupID, when set, adds the group tier to the retrieval.
	GroupID string
	Text    string
	Limit   int
}

// Service is the retrieval contract.
type Service interface {
	Retrieve(ctx context.Context, q Query) ([]Hit, error)
	Write(ctx context.Context, scope runs.Scope, entry Entry) error
}

// Noop is a Service that stores nothing and retrieves nothing. Used when
// no retrieval backend is configured.
type Noop struct{}

func (Noop) Retrieve(ctx context.Context, q Query) ([]Hit, error) { return nil, nil }

func (Noop) Write(ctx context.Context, scope runs.Scope, entry Entry) error { return nil }
