package protocol

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments,omitempty"`
}

// Message is a single entry in an agent's conversation history.
// Assistant messages may carry tool calls; tool messages answer exactly
// one tool call identified by ToolCallID.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}

func NewSystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: text}
}

func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: text}
}

func NewAssistantMessage(text string, toolCalls []*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls}
}

// NewToolMessage threads a serialized tool result back into the history.
func NewToolMessage(toolCallID, toolName, content string) *Message {
	return &Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
	}
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m *Message) HasToolCalls() bool {
	return m != nil && len(m.ToolCalls) > 0
}

// ArgsJSON renders the call arguments as a JSON string for display and
// event payloads. Falls back to fmt formatting on marshal failure.
func (c *ToolCall) ArgsJSON() string {
	if c == nil || c.Args == nil {
		return "{}"
	}
	data, err := json.Marshal(c.Args)
	if err != nil {
		return fmt.Sprintf("%v", c.Args)
	}
	return string(data)
}

// LastUserText returns the text of the most recent user message, or "".
func LastUserText(messages []*Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// Tail returns the last n messages, preserving order. Tool messages at the
// cut boundary are kept together with the assistant message that issued
// their calls so providers never see an orphaned tool reply.
func Tail(messages []*Message, n int) []*Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	start := len(messages) - n
	for start > 0 && messages[start].Role == RoleTool {
		start--
	}
	return messages[start:]
}
