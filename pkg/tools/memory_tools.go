package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/memory"
	"github.com/strandworks/strand/pkg/policy"
)

// MemorySearchTool retrieves scored hits from the memory service within
// the calling agent's scope.
type MemorySearchTool struct {
	mem memory.Service
}

type memorySearchParams struct {
	Query string `json:"query" jsonschema:"required,description=Text to search stored memory for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of hits to return (default 5)"`
}

func NewMemorySearchTool(mem memory.Service) *MemorySearchTool {
	return &MemorySearchTool{mem: mem}
}

func (t *MemorySearchTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "memory_search",
		Description: "Search session and group memory for relevant past context",
		Parameters:  schemaFor[memorySearchParams](),
		RiskLevel:   policy.RiskLow,
		SkillIDs:    []string{"memory"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	params, err := decodeArgs[memorySearchParams](args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err), start), nil
	}
	if params.Query == "" {
		return errorResult("query parameter is required", start), nil
	}

	agentCtx, _ := policy.AgentContextFrom(ctx)
	if agentCtx == nil {
		return errorResult("no caller scope available", start), nil
	}

	hits, err := t.mem.Retrieve(ctx, memory.Query{
		Scope:      agentCtx.Scope,
		SessionKey: agentCtx.SessionKey,
		GroupID:    agentCtx.Scope.ProjectID,
		Text:       params.Query,
		Limit:      params.Limit,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("memory retrieval failed: %v", err), start), nil
	}
	if len(hits) == 0 {
		return Result{Content: "No relevant memory found.", Duration: time.Since(start)}, nil
	}

	var sb strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&sb, "%d. [%s, score %.2f] %s\n", i+1, hit.Tier, hit.Score, hit.Content)
	}
	return Result{
		Content:  sb.String(),
		Duration: time.Since(start),
		Metadata: map[string]any{"hits": len(hits)},
	}, nil
}

// MemoryWriteTool deposits an entry into memory.
type MemoryWriteTool struct {
	mem memory.Service
}

type memoryWriteParams struct {
	Content string `json:"content" jsonschema:"required,description=The fact or note to remember"`
	Kind    string `json:"kind,omitempty" jsonschema:"description=Entry kind: episodic | fact | note,enum=episodic,enum=fact,enum=note"`
	Shared  bool   `json:"shared,omitempty" jsonschema:"description=Deposit into group-shared memory instead of this session"`
}

func NewMemoryWriteTool(mem memory.Service) *MemoryWriteTool {
	return &MemoryWriteTool{mem: mem}
}

func (t *MemoryWriteTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "memory_write",
		Description: "Store a fact or note for later retrieval",
		Parameters:  schemaFor[memoryWriteParams](),
		RiskLevel:   policy.RiskLow,
		SkillIDs:    []string{"memory"},
	}
}

func (t *MemoryWriteTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	params, err := decodeArgs[memoryWriteParams](args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err), start), nil
	}
	if params.Content == "" {
		return errorResult("content parameter is required", start), nil
	}

	agentCtx, _ := policy.AgentContextFrom(ctx)
	if agentCtx == nil {
		return errorResult("no caller scope available", start), nil
	}

	entry := memory.Entry{
		Content:    params.Content,
		Kind:       params.Kind,
		SessionKey: agentCtx.SessionKey,
	}
	if params.Shared {
		entry.SessionKey = ""
		entry.GroupID = agentCtx.Scope.ProjectID
	}

	if err := t.mem.Write(ctx, agentCtx.Scope, entry); err != nil {
		return errorResult(fmt.Sprintf("memory write failed: %v", err), start), nil
	}
	return Result{Content: "Stored.", Duration: time.Since(start)}, nil
}

func errorResult(message string, start time.Time) Result {
	return Result{
		IsError:  true,
		Error:    message,
		Duration: time.Since(start),
	}
}
