package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/checkpoint"
	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/llms"
	"github.com/strandworks/strand/pkg/memory"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/tools"
)

// scriptedTurn is one canned model response.
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
	return &llms.Result{Text: turn.text, ToolCalls: turn.toolCalls, Usage: llms.Usage{TotalTokens: 10}}, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	turn, err := p.next(messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan llms.StreamChunk, 16)
	go func() {
		defer close(ch)
		for _, word := range strings.Fields(turn.text) {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: word + " "}
		}
		for _, call := range turn.toolCalls {
			ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: call}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone, Usage: llms.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}}
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

// recordingEmitter captures events in order.
type recordingEmitter struct {
	mu      sync.Mutex
	events  []*event.Event
	flushes int
}

func (e *recordingEmitter) Emit(ev *event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return nil
}

func (e *recordingEmitter) types() []event.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]event.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func (e *recordingEmitter) count(typ event.Type) int {
	n := 0
	for _, t := range e.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// memCheckpoints keeps the latest snapshot per (run, agent).
type memCheckpoints struct {
	mu    sync.Mutex
	snaps map[string]*checkpoint.Snapshot
	saves int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{snaps: make(map[string]*checkpoint.Snapshot)}
}

func (s *memCheckpoints) Save(ctx context.Context, snap *checkpoint.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RunID+"/"+snap.AgentID] = snap
	s.saves++
	return nil
}

func (s *memCheckpoints) Latest(ctx context.Context, runID, agentID string) (*checkpoint.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[runID+"/"+agentID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return snap, nil
}

// stubTool answers with a fixed result.
type stubTool struct {
	info   tools.ToolInfo
	result tools.Result
	err    error
	calls  int
}

func (t *stubTool) Info() tools.ToolInfo { return t.info }

func (t *stubTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	t.calls++
	return t.result, t.err
}

// stubSource serves stub tools for registry tests.
type stubSource struct {
	tools map[string]*stubTool
}

func (s *stubSource) Name() string                       { return "stub" }
func (s *stubSource) Type() string                       { return "local" }
func (s *stubSource) Discover(ctx context.Context) error { return nil }

func (s *stubSource) List() []tools.ToolInfo {
	var infos []tools.ToolInfo
	for _, t := range s.tools {
		infos = append(infos, t.info)
	}
	return infos
}

func (s *stubSource) Get(name string) (tools.Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

func newTestRouter(t *testing.T, stubs ...*stubTool) (*tools.Router, *stubSource) {
	t.Helper()
	source := &stubSource{tools: make(map[string]*stubTool)}
	for _, stub := range stubs {
		source.tools[stub.info.Name] = stub
	}
	reg := tools.NewRegistry()
	require.NoError(t, reg.RegisterSource(source))
	return tools.NewRouter(reg, tools.NewSkillCatalog()), source
}

type stubMemory struct {
	hits []memory.Hit
}

func (m *stubMemory) Retrieve(ctx context.Context, q memory.Query) ([]memory.Hit, error) {
	return m.hits, nil
}

func (m *stubMemory) Write(ctx context.Context, scope runs.Scope, entry memory.Entry) error {
	return nil
}

func testRequest() *Request {
	return &Request{
		RunID:   "run-1",
		AgentID: "agent-1",
		Input:   "do the thing",
		AgentCtx: &policy.AgentContext{
			AgentID:    "agent-1",
			RoleID:     "analyst",
			RunID:      "run-1",
			SessionKey: "sess-1",
			Scope:      runs.Scope{OrgID: "org-1", UserID: "user-1"},
		},
	}
}

func TestRunFinalAnswerFirstStep(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "all done"}}}
	router, _ := newTestRouter(t)
	checkpoints := newMemCheckpoints()
	runner := NewRunner(provider, router, nil, checkpoints)
	emitter := &recordingEmitter{}

	outcome := runner.Run(context.Background(), testRequest(), emitter)

	require.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, "all done ", outcome.Output)
	assert.Equal(t, 1, outcome.Steps)
	assert.Equal(t, 10, outcome.TotalTokens)

	types := emitter.types()
	require.NotEmpty(t, types)
	assert.Equal(t, event.TypeStepStarted, types[0])
	assert.Equal(t, event.TypeStepCompleted, types[len(types)-1])
	assert.Equal(t, 2, emitter.count(event.TypeLLMToken))
	assert.Equal(t, 1, emitter.count(event.TypeLLMCalled))

	snap, err := checkpoints.Latest(context.Background(), "run-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StepID)
	// System, user, and the final assistant message.
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, protocol.RoleAssistant, snap.Messages[2].Role)
}

func TestRunToolCallThenAnswer(t *testing.T) {
	echo := &stubTool{
		info:   tools.ToolInfo{Name: "echo", Description: "echoes", RiskLevel: policy.RiskLow},
		result: tools.Result{Content: "echoed: hi"},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "call-1", Name: "echo", Args: map[string]any{"text": "hi"}}}},
		{text: "final"},
	}}
	router, _ := newTestRouter(t, echo)
	checkpoints := newMemCheckpoints()
	runner := NewRunner(provider, router, nil, checkpoints)
	emitter := &recordingEmitter{}

	outcome := runner.Run(context.Background(), testRequest(), emitter)

	require.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, 2, outcome.Steps)
	assert.Equal(t, 1, echo.calls)
	assert.Equal(t, 1, emitter.count(event.TypeToolCalled))
	assert.Equal(t, 1, emitter.count(event.TypeToolResult))
	assert.Equal(t, 2, emitter.count(event.TypeStepCompleted))

	// Second model call must see the assistant tool call followed by its
	// threaded result.
	require.Len(t, provider.received, 2)
	second := provider.received[1]
	last := second[len(second)-1]
	require.Equal(t, protocol.RoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "echoed: hi", last.Content)
	assert.True(t, second[len(second)-2].HasToolCalls())
}

func TestRunStepBudgetExhausted(t *testing.T) {
	echo := &stubTool{
		info:   tools.ToolInfo{Name: "echo", RiskLevel: policy.RiskLow},
		result: tools.Result{Content: "ok"},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "echo"}}},
		{toolCalls: []*protocol.ToolCall{{ID: "c2", Name: "echo"}}},
		{toolCalls: []*protocol.ToolCall{{ID: "c3", Name: "echo"}}},
	}}
	router, _ := newTestRouter(t, echo)
	runner := NewRunner(provider, router, nil, newMemCheckpoints())

	req := testRequest()
	req.MaxSteps = 2
	outcome := runner.Run(context.Background(), req, &recordingEmitter{})

	require.Equal(t, KindFailed, outcome.Kind)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, runs.CodeMaxSteps, outcome.Error.Code)
	assert.Equal(t, 2, outcome.Steps)
}

func TestRunBlockedToolContinues(t *testing.T) {
	danger := &stubTool{
		info:   tools.ToolInfo{Name: "danger", RiskLevel: policy.RiskLow},
		result: tools.Result{Content: "never"},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "danger"}}},
		{text: "worked around it"},
	}}
	router, _ := newTestRouter(t, danger)
	runner := NewRunner(provider, router, nil, newMemCheckpoints())
	emitter := &recordingEmitter{}

	req := testRequest()
	req.AgentCtx.DeniedTools = []string{"danger"}
	outcome := runner.Run(context.Background(), req, emitter)

	require.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, 0, danger.calls)
	assert.Equal(t, 1, emitter.count(event.TypeToolBlocked))
	assert.Equal(t, 0, emitter.count(event.TypeToolResult))

	// The block is threaded back as an error result the model can see.
	second := provider.received[1]
	last := second[len(second)-1]
	require.Equal(t, protocol.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Error:")
}

func TestRunSuspendsForApproval(t *testing.T) {
	risky := &stubTool{
		info:   tools.ToolInfo{Name: "deploy", RiskLevel: policy.RiskHigh},
		result: tools.Result{Content: "deployed"},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "deploy", Args: map[string]any{"env": "prod"}}}},
	}}
	router, _ := newTestRouter(t, risky)
	checkpoints := newMemCheckpoints()
	runner := NewRunner(provider, router, nil, checkpoints)
	emitter := &recordingEmitter{}

	outcome := runner.Run(context.Background(), testRequest(), emitter)

	require.Equal(t, KindSuspendedApproval, outcome.Kind)
	require.NotNil(t, outcome.Approval)
	assert.Equal(t, "deploy", outcome.Approval.Call.Name)
	assert.Equal(t, "c1", outcome.Approval.Call.ID)
	assert.Equal(t, string(policy.RiskHigh), outcome.Approval.RiskLevel)
	assert.Equal(t, 0, risky.calls)
	assert.Equal(t, 1, emitter.count(event.TypeRequiresApproval))

	// The suspension snapshot carries the pending assistant tool call so
	// resume can settle it.
	snap, err := checkpoints.Latest(context.Background(), "run-1", "agent-1")
	require.NoError(t, err)
	pending := unansweredCalls(snap.Messages)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ID)
	assert.GreaterOrEqual(t, emitter.flushes, 1, "events must flush before the snapshot")
}

func TestRunResumeWithApprovedCall(t *testing.T) {
	risky := &stubTool{
		info:   tools.ToolInfo{Name: "deploy", RiskLevel: policy.RiskHigh},
		result: tools.Result{Content: "deployed v2"},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "deployment finished"}}}
	router, _ := newTestRouter(t, risky)
	runner := NewRunner(provider, router, nil, newMemCheckpoints())
	emitter := &recordingEmitter{}

	call := &protocol.ToolCall{ID: "c1", Name: "deploy", Args: map[string]any{"env": "prod"}}
	snapshot := &checkpoint.Snapshot{
		RunID:   "run-1",
		AgentID: "agent-1",
		StepID:  1,
		Messages: []*protocol.Message{
			protocol.NewSystemMessage("system"),
			protocol.NewUserMessage("deploy it"),
			protocol.NewAssistantMessage("", []*protocol.ToolCall{call}),
		},
	}

	req := testRequest()
	req.Resume = &Resume{Snapshot: snapshot, Approved: call}
	outcome := runner.Run(context.Background(), req, emitter)

	require.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, 1, risky.calls, "approved call must execute without re-asking")
	assert.Equal(t, 1, emitter.count(event.TypeToolResult))
	assert.Equal(t, 0, emitter.count(event.TypeRequiresApproval))
	assert.Equal(t, 2, outcome.Steps, "steps continue from the snapshot")

	// Settling closes the restored step before the next one opens.
	types := emitter.types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, []event.Type{
		event.TypeToolResult,
		event.TypeStepCompleted,
		event.TypeStepStarted,
	}, types[:3])
	var completed event.StepCompleted
	require.NoError(t, emitter.events[1].DecodePayload(&completed))
	assert.Equal(t, 1, completed.StepNumber)
	assert.Equal(t, event.ResultToolCall, completed.ResultType)

	// Model sees the approved call's threaded result.
	first := provider.received[0]
	last := first[len(first)-1]
	require.Equal(t, protocol.RoleTool, last.Role)
	assert.Equal(t, "deployed v2", last.Content)
}

func TestRunResumeWithRejection(t *testing.T) {
	risky := &stubTool{
		info:   tools.ToolInfo{Name: "deploy", RiskLevel: policy.RiskHigh},
		result: tools.Result{Content: "deployed"},
	}
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "understood, stopping"}}}
	router, _ := newTestRouter(t, risky)
	runner := NewRunner(provider, router, nil, newMemCheckpoints())

	call := &protocol.ToolCall{ID: "c1", Name: "deploy"}
	snapshot := &checkpoint.Snapshot{
		RunID:   "run-1",
		AgentID: "agent-1",
		StepID:  3,
		Messages: []*protocol.Message{
			protocol.NewSystemMessage("system"),
			protocol.NewUserMessage("deploy it"),
			protocol.NewAssistantMessage("", []*protocol.ToolCall{call}),
		},
	}

	req := testRequest()
	req.Resume = &Resume{
		Snapshot: snapshot,
		Injected: []*protocol.Message{
			protocol.NewToolMessage("c1", "deploy", "Denied by operator: not during the release freeze"),
		},
	}
	outcome := runner.Run(context.Background(), req, &recordingEmitter{})

	require.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, 0, risky.calls, "rejected call must not execute")
	assert.Equal(t, "understood, stopping ", outcome.Output)
}

func TestRunCancelled(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "never sent"}}}
	router, _ := newTestRouter(t)
	runner := NewRunner(provider, router, nil, newMemCheckpoints())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := runner.Run(ctx, testRequest(), &recordingEmitter{})

	assert.Equal(t, KindCancelled, outcome.Kind)
	assert.Empty(t, provider.received)
}

func TestRunMemoryFoldedIntoPrompt(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "done"}}}
	router, _ := newTestRouter(t)
	mem := &stubMemory{hits: []memory.Hit{
		{Content: "user prefers terse answers", Score: 0.9, Tier: memory.TierSession},
		{Content: "project targets linux only", Score: 0.7, Tier: memory.TierGroup},
	}}
	runner := NewRunner(provider, router, mem, newMemCheckpoints())

	outcome := runner.Run(context.Background(), testRequest(), &recordingEmitter{})
	require.Equal(t, KindCompleted, outcome.Kind)

	require.NotEmpty(t, provider.received)
	system := provider.received[0][0]
	require.Equal(t, protocol.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "user prefers terse answers")
	assert.Contains(t, system.Content, "(shared) project targets linux only")
}

func TestRunToolErrorRecorded(t *testing.T) {
	flaky := &stubTool{
		info: tools.ToolInfo{Name: "flaky", RiskLevel: policy.RiskLow},
		err:  fmt.Errorf("backend unavailable"),
	}
	provider := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "flaky"}}},
		{text: "reported the failure"},
	}}
	router, _ := newTestRouter(t, flaky)
	runner := NewRunner(provider, router, nil, newMemCheckpoints())
	emitter := &recordingEmitter{}

	outcome := runner.Run(context.Background(), testRequest(), emitter)

	require.Equal(t, KindCompleted, outcome.Kind)
	require.Equal(t, 1, emitter.count(event.TypeToolResult))
	for _, ev := range emitter.events {
		if ev.Type != event.TypeToolResult {
			continue
		}
		var payload event.ToolResult
		require.NoError(t, ev.DecodePayload(&payload))
		assert.True(t, payload.IsError)
		require.NotNil(t, payload.Error)
		assert.Equal(t, tools.CodeToolError, payload.Error.Code)
	}
}

func TestUnansweredCalls(t *testing.T) {
	calls := []*protocol.ToolCall{
		{ID: "a", Name: "one"},
		{ID: "b", Name: "two"},
	}
	messages := []*protocol.Message{
		protocol.NewUserMessage("go"),
		protocol.NewAssistantMessage("", calls),
		protocol.NewToolMessage("a", "one", "done"),
	}

	pending := unansweredCalls(messages)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending call, got %d", len(pending))
	}
	if pending[0].ID != "b" {
		t.Errorf("expected pending call b, got %s", pending[0].ID)
	}

	if got := unansweredCalls(nil); got != nil {
		t.Errorf("expected no pending calls for empty history, got %v", got)
	}
	if got := unansweredCalls([]*protocol.Message{protocol.NewUserMessage("hi")}); got != nil {
		t.Errorf("expected no pending calls without an assistant message, got %v", got)
	}
}
