// Package event defines the append-only event model for run execution.
//
// Every observable moment of a run (start, step boundaries, model calls,
// tool calls, terminal outcome) is captured as an Event. Events are
// persisted in append order per run by the event bus and broadcast live
// to subscribers; persisted events are never mutated.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version stamped on every event.
const Version = 1

// Type tags the payload flavor carried by an event.
type Type string

const (
	TypeRunStarted       Type = "run.started"
	TypeStepStarted      Type = "step.started"
	TypeLLMCalled        Type = "llm.called"
	TypeLLMToken         Type = "llm.token"
	TypeToolCalled       Type = "tool.called"
	TypeToolResult       Type = "tool.result"
	TypeToolBlocked      Type = "tool.blocked"
	TypeRequiresApproval Type = "tool.requires_approval"
	TypeStepCompleted    Type = "step.completed"
	TypeRunCompleted     Type = "run.completed"
	TypeRunFailed        Type = "run.failed"
)

// Redaction flags payload sensitivity for downstream scrubbers.
type Redaction struct {
	ContainsSecrets bool `json:"contains_secrets"`
}

// Event is the envelope shared by all event types. Seq is assigned by the
// bus on append and totally orders events within a run; Timestamp is
// informational only.
type Event struct {
	V            int             `json:"v"`
	Seq          int64           `json:"-"`
	Timestamp    time.Time       `json:"ts"`
	RunID        string          `json:"run_id"`
	AgentID      string          `json:"agent_id"`
	StepID       int             `json:"step_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Redaction    Redaction       `json:"redaction"`
}

// New builds an event envelope with a fresh span id. The payload must be
// JSON-serializable; marshal failures degrade to a null payload rather
// than dropping the event.
func New(runID, agentID string, stepID int, typ Type, payload any) *Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return &Event{
		V:         Version,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		AgentID:   agentID,
		StepID:    stepID,
		SpanID:    uuid.NewString(),
		Type:      typ,
		Payload:   raw,
	}
}

// WithParentSpan links the event under an enclosing span.
func (e *Event) WithParentSpan(spanID string) *Event {
	e.ParentSpanID = spanID
	return e
}

// IsTerminal reports whether the event ends its run.
func (e *Event) IsTerminal() bool {
	return e.Type == TypeRunCompleted || e.Type == TypeRunFailed
}

// DecodePayload unmarshals the payload into out.
func (e *Event) DecodePayload(out any) error {
	return json.Unmarshal(e.Payload, out)
}
