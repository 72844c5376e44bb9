// Package llms provides chat completion clients for model providers.
//
// Providers expose a synchronous Generate and a token-level streaming
// GenerateStreaming. Both accept the run engine's message transcript and
// the tool definitions exposed for this call, and report tool call
// requests alongside text.
package llms

import (
	"context"

	"github.com/strandworks/strand/pkg/protocol"
)

// ToolDefinition is a tool surface advertised to the model. Parameters
// is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting for one model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of a non-streaming model call.
type Result struct {
	Text      string
	ToolCalls []*protocol.ToolCall
	Usage     Usage
}

// StreamChunk kinds.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk is one unit of a streaming response. Text chunks arrive in
// order; tool_call chunks carry fully assembled calls; the done chunk is
// last and carries usage.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *protocol.ToolCall
	Usage    Usage
	Error    error
}

// Provider is a chat completion backend.
type Provider interface {
	Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Result, error)
	GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	ModelName() string
	Close() error
}
