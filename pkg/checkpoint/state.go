// Package checkpoint persists snapshots of agent working state so a
// suspended or interrupted run can resume from its last step boundary.
//
// A snapshot is keyed by (run, agent, step); only the latest per
// (run, agent) is required for resume, but history is retained. The
// payload is opaque to the store beyond its JSON shape.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/strandworks/strand/pkg/protocol"
)

// WorkingState captures the non-conversational loop state at a step.
type WorkingState struct {
	MemoryHits     []MemoryHit `json:"memory_hits,omitempty"`
	LastToolResult any         `json:"last_tool_result,omitempty"`
	PlanTag        string      `json:"plan_tag,omitempty"`
}

// MemoryHit is one retrieved memory entry carried in the snapshot.
type MemoryHit struct {
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
	Source  string  `json:"source,omitempty"`
}

// Snapshot is the durable working state of an agent at a step boundary:
// the retrieved memory hits, the last tool result, and the truncated
// message history with tool-call threading intact.
type Snapshot struct {
	RunID    string              `json:"run_id"`
	AgentID  string              `json:"agent_id"`
	StepID   int                 `json:"step_id"`
	Working  WorkingState        `json:"working_state"`
	Messages []*protocol.Message `json:"messages"`
}

// Serialize renders the snapshot for storage.
func (s *Snapshot) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	return data, nil
}

// Deserialize restores a snapshot from storage.
func Deserialize(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &s, nil
}
