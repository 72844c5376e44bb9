package event

// Typed payloads for each event type. These are the wire shapes persisted
// by the bus and consumed by subscribers; field names are part of the
// stored contract and must stay stable.

// RunStarted payload for run.started.
type RunStarted struct {
	Input string `json:"input"`
}

// StepStarted payload for step.started.
type StepStarted struct {
	StepNumber int `json:"stepNumber"`
}

// LLMCalled payload for llm.called.
type LLMCalled struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	DurationMS       int64  `json:"duration_ms"`
}

// LLMToken payload for llm.token. Broadcast live per token; persisted in
// batches by the scheduler.
type LLMToken struct {
	Token      string `json:"token"`
	TokenIndex int    `json:"tokenIndex"`
}

// ToolCalled payload for tool.called.
type ToolCalled struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

// ErrorDetail carries a structured error inside tool.result payloads.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResult payload for tool.result.
type ToolResult struct {
	ToolName   string       `json:"toolName"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Result     any          `json:"result"`
	IsError    bool         `json:"isError"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ToolBlocked payload for tool.blocked.
type ToolBlocked struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
	Reason   string         `json:"reason"`
	RoleID   string         `json:"role_id,omitempty"`
}

// RequiresApproval payload for tool.requires_approval. At most one is
// emitted per (run, tool_call_id).
type RequiresApproval struct {
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"tool_call_id"`
	Args       map[string]any `json:"args"`
	Reason     string         `json:"reason"`
	RiskLevel  string         `json:"risk_level"`
}

// Step result type tags for step.completed.
const (
	ResultToolCall    = "tool_call"
	ResultFinalAnswer = "final_answer"
)

// StepCompleted payload for step.completed.
type StepCompleted struct {
	StepNumber int    `json:"stepNumber"`
	ResultType string `json:"resultType"`
	DurationMS int64  `json:"duration_ms"`
}

// RunCompleted payload for run.completed.
type RunCompleted struct {
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
}

// RunError is the structured error carried by run.failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// RunFailed payload for run.failed.
type RunFailed struct {
	Error RunError `json:"error"`
}
