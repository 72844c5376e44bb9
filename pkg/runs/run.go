// Package runs owns the run record state machine and the parent/child
// dependency tracker on the relational store.
//
// A run is one end-to-end task execution. Its status follows a strict
// state machine: pending → running → {completed | failed | cancelled},
// with running ↔ waiting (child-run dependency) and running ↔ suspended
// (human approval) round trips. Terminal states are final; the repository
// rejects every other transition.
package runs

import (
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusWaiting   Status = "waiting"   // awaiting a child run
	StatusSuspended Status = "suspended" // awaiting a human approval
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the lifecycle state machine. No cycles back
// to pending.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusWaiting, StatusSuspended},
	StatusWaiting:   {StatusRunning, StatusCancelled, StatusFailed},
	StatusSuspended: {StatusRunning, StatusCancelled, StatusFailed},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Suspension reasons recorded on the run when it leaves running without
// reaching a terminal state.
const (
	SuspendReasonApproval = "awaiting_approval"
	SuspendReasonChildRun = "awaiting_child_run"
)

// Scope is the multi-tenant isolation tuple.
type Scope struct {
	OrgID     string `json:"org_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// DelegatedPermissions narrows what a child run may do. Patterns support
// glob wildcards (* and **). Never broadened after creation.
type DelegatedPermissions struct {
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
}

// ModelConfig selects and parameterizes the language model for a run.
type ModelConfig struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"`
}

// RunError is the structured error stored on a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Run is the persisted run record.
type Run struct {
	ID            string                `json:"id"`
	Scope         Scope                 `json:"scope"`
	SessionKey    string                `json:"session_key"`
	Input         string                `json:"input"`
	Status        Status                `json:"status"`
	AgentID       string                `json:"agent_id"`
	GroupID       string                `json:"group_id,omitempty"`
	ParentRunID   string                `json:"parent_run_id,omitempty"`
	Delegated     *DelegatedPermissions `json:"delegated_permissions,omitempty"`
	Model         *ModelConfig          `json:"llm_config,omitempty"`
	Output        string                `json:"output,omitempty"`
	Error         *RunError             `json:"error,omitempty"`
	SuspendReason string                `json:"suspend_reason,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

// DefaultAgentID is the owning agent when none is requested.
const DefaultAgentID = "main"

// Run failure codes surfaced through run.failed events and the error
// column on the run record.
const (
	CodeMaxSteps      = "MAX_STEPS"
	CodeCancelled     = "RUN_CANCELLED"
	CodeExecutorError = "EXECUTOR_ERROR"
)
