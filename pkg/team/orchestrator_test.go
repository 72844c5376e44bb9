package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/agent"
	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/llms"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/tools"
)

type scriptedTurn struct {
	text      string
	toolCalls []*protocol.ToolCall
}

type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	received [][]*protocol.Message
}

func (p *scriptedProvider) ModelName() string { return "scripted-model" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, messages []*protocol.Message, defs []llms.ToolDefinition) (*llms.Result, error) {
	turn, err := p.next(messages)
	if err != nil {
		return nil, err
	}
	return &llms.Result{Text: turn.text, ToolCalls: turn.toolCalls}, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	turn, err := p.next(messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan llms.StreamChunk, 8)
	go func() {
		defer close(ch)
		if turn.text != "" {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: turn.text}
		}
		for _, call := range turn.toolCalls {
			ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: call}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone, Usage: llms.Usage{TotalTokens: 5}}
	}()
	return ch, nil
}

func (p *scriptedProvider) next(messages []*protocol.Message) (scriptedTurn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]*protocol.Message, len(messages))
	copy(copied, messages)
	p.received = append(p.received, copied)
	if len(p.turns) == 0 {
		return scriptedTurn{}, fmt.Errorf("no scripted turns remain")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	return turn, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*event.Event
}

func (e *recordingEmitter) Emit(ev *event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) Flush() error { return nil }

func (e *recordingEmitter) agentIDs() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make(map[string]bool)
	for _, ev := range e.events {
		ids[ev.AgentID] = true
	}
	return ids
}

func newTestOrchestrator(t *testing.T, provider llms.Provider, group *Group) *Orchestrator {
	t.Helper()
	router := tools.NewRouter(tools.NewRegistry(), tools.NewSkillCatalog())
	runner := agent.NewRunner(provider, router, nil, nil)
	return NewOrchestrator(runner, group)
}

func reviewGroup() *Group {
	return &Group{
		ID: "review",
		Members: []Member{
			{Role: Role{ID: "analyst", Name: "Analyst", Description: "digs into the data"}},
			{Role: Role{ID: "editor", Name: "Editor", Description: "synthesizes", Lead: true}},
		},
	}
}

func testRun() *runs.Run {
	return &runs.Run{
		ID:         "run-g1",
		GroupID:    "review",
		Input:      "assess the proposal",
		SessionKey: "sess-1",
		Scope:      runs.Scope{OrgID: "org-1", UserID: "user-1"},
	}
}

func TestGroupValidate(t *testing.T) {
	tests := []struct {
		name    string
		group   Group
		wantErr string
	}{
		{
			name:    "no members",
			group:   Group{ID: "g"},
			wantErr: "no members",
		},
		{
			name: "duplicate agent ids",
			group: Group{ID: "g", Members: []Member{
				{Role: Role{ID: "a"}, AgentID: "x"},
				{Role: Role{ID: "b"}, AgentID: "x"},
			}},
			wantErr: "duplicate agent id",
		},
		{
			name: "two leads",
			group: Group{ID: "g", Members: []Member{
				{Role: Role{ID: "a", Lead: true}, AgentID: "x"},
				{Role: Role{ID: "b", Lead: true}, AgentID: "y"},
			}},
			wantErr: "lead roles",
		},
		{
			name: "valid",
			group: Group{ID: "g", Members: []Member{
				{Role: Role{ID: "a"}, AgentID: "x"},
				{Role: Role{ID: "b", Lead: true}, AgentID: "y"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.group.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGroupSetDefaults(t *testing.T) {
	group := reviewGroup()
	group.SetDefaults()

	assert.Equal(t, DefaultMaxRounds, group.MaxRounds)
	assert.Equal(t, "review:analyst", group.Members[0].AgentID)
	assert.Equal(t, "review:editor", group.Members[1].AgentID)
	assert.True(t, group.HasRole("analyst"))
	assert.False(t, group.HasRole("stranger"))
	assert.Equal(t, []string{"analyst", "editor"}, group.RoleIDs())
}

func TestOrchestratorLeadShortCircuit(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{text: "the numbers look solid"},
		{text: "FINAL: ship it"},
	}}
	orch := newTestOrchestrator(t, provider, reviewGroup())
	emitter := &recordingEmitter{}

	outcome := orch.Run(context.Background(), testRun(), nil, emitter)

	require.Equal(t, agent.KindCompleted, outcome.Kind)
	assert.Equal(t, "ship it", outcome.Output)
	assert.Equal(t, 10, outcome.TotalTokens)

	// Member events are tagged with the member's agent id.
	ids := emitter.agentIDs()
	assert.True(t, ids["review:analyst"])
	assert.True(t, ids["review:editor"])

	// The editor's turn sees the analyst's contribution injected ahead
	// of the task input.
	require.Len(t, provider.received, 2)
	editorView := provider.received[1]
	var injected bool
	for _, msg := range editorView {
		if msg.Role == protocol.RoleUser && strings.Contains(msg.Content, "[Analyst] the numbers look solid") {
			injected = true
		}
	}
	assert.True(t, injected, "analyst contribution must be in the editor's history")
}

func TestOrchestratorBoundedRoundsWithoutMarker(t *testing.T) {
	group := reviewGroup()
	group.MaxRounds = 2
	// Four turns, two rounds of two members; the lead never emits the
	// marker so the discussion runs the full budget.
	provider := &scriptedProvider{turns: []scriptedTurn{
		{text: "analysis round one"},
		{text: "edit round one"},
		{text: "analysis round two"},
		{text: "edit round two"},
	}}
	orch := newTestOrchestrator(t, provider, group)

	outcome := orch.Run(context.Background(), testRun(), nil, &recordingEmitter{})

	require.Equal(t, agent.KindCompleted, outcome.Kind)
	assert.Equal(t, "edit round two", outcome.Output, "lead's latest contribution wins")
	assert.Len(t, provider.received, 4)
}

func TestOrchestratorNoLeadTakesLastMember(t *testing.T) {
	group := &Group{
		ID:        "pair",
		MaxRounds: 1,
		Members: []Member{
			{Role: Role{ID: "first"}},
			{Role: Role{ID: "second"}},
		},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{
		{text: "first says"},
		{text: "second says"},
	}}
	orch := newTestOrchestrator(t, provider, group)

	outcome := orch.Run(context.Background(), testRun(), nil, &recordingEmitter{})

	require.Equal(t, agent.KindCompleted, outcome.Kind)
	assert.Equal(t, "second says", outcome.Output)
}

func TestOrchestratorMemberSuspensionCarriesCoordinates(t *testing.T) {
	group := reviewGroup()
	group.Members[1].Role.AllowedTools = []string{"deploy"}

	risky := &approvalTool{}
	source := &singleToolSource{tool: risky}
	reg := tools.NewRegistry()
	require.NoError(t, reg.RegisterSource(source))
	router := tools.NewRouter(reg, tools.NewSkillCatalog())

	provider := &scriptedProvider{turns: []scriptedTurn{
		{text: "looks fine"},
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "deploy"}}},
	}}
	runner := agent.NewRunner(provider, router, nil, nil)
	orch := NewOrchestrator(runner, group)

	outcome := orch.Run(context.Background(), testRun(), nil, &recordingEmitter{})

	require.Equal(t, agent.KindSuspendedApproval, outcome.Kind)
	assert.Equal(t, "review:editor", outcome.AgentID)
	assert.Equal(t, 0, outcome.Round)
	assert.Equal(t, 1, outcome.MemberIndex)
	require.NotNil(t, outcome.Approval)
	assert.Equal(t, "deploy", outcome.Approval.Call.Name)
}

func TestOrchestratorCancelled(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "never"}}}
	orch := newTestOrchestrator(t, provider, reviewGroup())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := orch.Run(ctx, testRun(), nil, &recordingEmitter{})

	assert.Equal(t, agent.KindCancelled, outcome.Kind)
}

// approvalTool is a high-risk stub that would need a human decision.
type approvalTool struct{}

func (t *approvalTool) Info() tools.ToolInfo {
	return tools.ToolInfo{Name: "deploy", RiskLevel: policy.RiskHigh}
}

func (t *approvalTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	return tools.Result{Content: "deployed"}, nil
}

type singleToolSource struct {
	tool tools.Tool
}

func (s *singleToolSource) Name() string                       { return "test" }
func (s *singleToolSource) Type() string                       { return "local" }
func (s *singleToolSource) Discover(ctx context.Context) error { return nil }
func (s *singleToolSource) List() []tools.ToolInfo             { return []tools.ToolInfo{s.tool.Info()} }
func (s *singleToolSource) Get(name string) (tools.Tool, bool) {
	if name == s.tool.Info().Name {
		return s.tool, true
	}
	return nil, false
}
