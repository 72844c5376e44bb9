package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/approval"
	"github.com/strandworks/strand/pkg/checkpoint"
	"github.com/strandworks/strand/pkg/databases"
	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/eventbus"
	"github.com/strandworks/strand/pkg/llms"
	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/team"
	"github.com/strandworks/strand/pkg/tools"
)

type scriptedTurn struct {
	text      string
	toolCalls []*protocol.ToolCall
}

type scriptedProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
}

func (p *scriptedProvider) ModelName() string { return "scripted-model" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, messages []*protocol.Message, defs []llms.ToolDefinition) (*llms.Result, error) {
	turn, err := p.next()
	if err != nil {
		return nil, err
	}
	return &llms.Result{Text: turn.text, ToolCalls: turn.toolCalls}, nil
}

func (p *scriptedProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	turn, err := p.next()
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
		ch <- llms.StreamChunk{Type: llms.ChunkDone, Usage: llms.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}}
	}()
	return ch, nil
}

func (p *scriptedProvider) next() (scriptedTurn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.turns) == 0 {
		return scriptedTurn{}, fmt.Errorf("no scripted turns remain")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	return turn, nil
}

// fixedTool answers with a canned result; used for the builtin stand-ins.
type fixedTool struct {
	info    tools.ToolInfo
	content string
	err     error
}

func (t *fixedTool) Info() tools.ToolInfo { return t.info }

func (t *fixedTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	return tools.Result{Content: t.content}, t.err
}

// blockingTool holds until the context fires.
type blockingTool struct{}

func (t *blockingTool) Info() tools.ToolInfo {
	return tools.ToolInfo{Name: "slow_tool", RiskLevel: policy.RiskLow}
}

func (t *blockingTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	<-ctx.Done()
	return tools.Result{}, ctx.Err()
}

type toolSet struct {
	byName map[string]tools.Tool
}

func (s *toolSet) Name() string                       { return "test" }
func (s *toolSet) Type() string                       { return "local" }
func (s *toolSet) Discover(ctx context.Context) error { return nil }

func (s *toolSet) List() []tools.ToolInfo {
	var infos []tools.ToolInfo
	for _, t := range s.byName {
		infos = append(infos, t.Info())
	}
	return infos
}

func (s *toolSet) Get(name string) (tools.Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

type testEnv struct {
	s           *Scheduler
	provider    *scriptedProvider
	repo        *runs.SQLRepository
	bus         *eventbus.SQLBus
	broker      *approval.SQLBroker
	checkpoints *checkpoint.SQLStore
}

func newTestEnv(t *testing.T, turns []scriptedTurn, opts ...Option) *testEnv {
	t.Helper()

	db, err := databases.Open(&databases.Config{
		Driver: databases.DialectSQLite, DSN: ":memory:", MaxConns: 1, MaxIdle: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := runs.NewSQLRepository(db, databases.DialectSQLite)
	require.NoError(t, err)
	bus, err := eventbus.NewSQLBus(db, databases.DialectSQLite)
	require.NoError(t, err)
	broker, err := approval.NewSQLBroker(db, databases.DialectSQLite)
	require.NoError(t, err)
	checkpoints, err := checkpoint.NewSQLStore(db, databases.DialectSQLite)
	require.NoError(t, err)

	escalate := &fixedTool{
		info: tools.ToolInfo{Name: "agent_escalate", RiskLevel: policy.RiskMedium},
		err:  &tools.EscalationError{TargetRole: "helper", Input: "summarize the numbers"},
	}
	source := &toolSet{byName: map[string]tools.Tool{
		"memory_search": &fixedTool{
			info:    tools.ToolInfo{Name: "memory_search", RiskLevel: policy.RiskLow},
			content: `{"hits":[]}`,
		},
		"memory_write": &fixedTool{
			info:    tools.ToolInfo{Name: "memory_write", RiskLevel: policy.RiskMedium},
			content: "stored",
		},
		"exec_command": &fixedTool{
			info:    tools.ToolInfo{Name: "exec_command", RiskLevel: policy.RiskHigh},
			content: "cmd-ok",
		},
		"agent_escalate": escalate,
		"slow_tool":      &blockingTool{},
	}}
	reg := tools.NewRegistry()
	require.NoError(t, reg.RegisterSource(source))
	router := tools.NewRouter(reg, tools.NewSkillCatalog())

	provider := &scriptedProvider{turns: turns}
	factory := func(cfg llms.ProviderConfig) (llms.Provider, error) { return provider, nil }

	cfg := Config{Model: llms.ProviderConfig{Provider: "openai", Model: "test-model", APIKey: "x"}}
	opts = append([]Option{WithProviderFactory(factory)}, opts...)
	s := New(cfg, repo, repo, bus, broker, checkpoints, router, opts...)

	return &testEnv{s: s, provider: provider, repo: repo, bus: bus, broker: broker, checkpoints: checkpoints}
}

func (e *testEnv) newRun(t *testing.T, run *runs.Run) *runs.Run {
	t.Helper()
	if run.ID == "" {
		run.ID = "run-test"
	}
	if run.SessionKey == "" {
		run.SessionKey = "sess-1"
	}
	if run.Scope.OrgID == "" {
		run.Scope = runs.Scope{OrgID: "org-1", UserID: "user-1"}
	}
	require.NoError(t, e.repo.Create(context.Background(), run))
	return run
}

// persistedTypes lists the persisted event types for a run in append
// order, leaving out token events.
func (e *testEnv) persistedTypes(t *testing.T, runID string) []event.Type {
	t.Helper()
	evs, _, err := e.bus.List(context.Background(), runID, 0, 500)
	require.NoError(t, err)

	var types []event.Type
	for _, ev := range evs {
		if ev.Type == event.TypeLLMToken {
			continue
		}
		types = append(types, ev.Type)
	}
	return types
}

func (e *testEnv) eventsOfType(t *testing.T, runID string, typ event.Type) []*event.Event {
	t.Helper()
	evs, _, err := e.bus.List(context.Background(), runID, 0, 500)
	require.NoError(t, err)

	var out []*event.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// assertStepsBracketed checks the persisted log keeps steps strictly
// bracketed: step.started(n) closes with step.completed(n) before
// step.started(n+1) appears.
func (e *testEnv) assertStepsBracketed(t *testing.T, runID string) {
	t.Helper()
	evs, _, err := e.bus.List(context.Background(), runID, 0, 500)
	require.NoError(t, err)

	open, closed := 0, 0
	for _, ev := range evs {
		switch ev.Type {
		case event.TypeStepStarted:
			var p event.StepStarted
			require.NoError(t, ev.DecodePayload(&p))
			require.Zerof(t, open, "step %d started while step %d is still open", p.StepNumber, open)
			require.Equal(t, closed+1, p.StepNumber)
			open = p.StepNumber
		case event.TypeStepCompleted:
			var p event.StepCompleted
			require.NoError(t, ev.DecodePayload(&p))
			require.Equal(t, open, p.StepNumber)
			open, closed = 0, p.StepNumber
		}
	}
	assert.Zero(t, open, "final step never completed")
}

func TestSimpleSingleAgentRun(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{{text: "hello"}})
	run := env.newRun(t, &runs.Run{ID: "run-1", Input: "echo hello"})

	status := env.s.execute(context.Background(), run)
	require.Equal(t, runs.StatusCompleted, status)

	assert.Equal(t, []event.Type{
		event.TypeRunStarted,
		event.TypeStepStarted,
		event.TypeLLMCalled,
		event.TypeStepCompleted,
		event.TypeRunCompleted,
	}, env.persistedTypes(t, "run-1"))

	stored, err := env.repo.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, stored.Status)
	assert.Equal(t, "hello", stored.Output)
	assert.NotNil(t, stored.EndedAt)
}

func TestOneToolRoundTrip(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "memory_search", Args: map[string]any{"query": "x"}}}},
		{text: "no relevant memories"},
	})
	run := env.newRun(t, &runs.Run{ID: "run-2", Input: "look it up"})

	status := env.s.execute(context.Background(), run)
	require.Equal(t, runs.StatusCompleted, status)

	assert.Equal(t, []event.Type{
		event.TypeRunStarted,
		event.TypeStepStarted,
		event.TypeLLMCalled,
		event.TypeToolCalled,
		event.TypeToolResult,
		event.TypeStepCompleted,
		event.TypeStepStarted,
		event.TypeLLMCalled,
		event.TypeStepCompleted,
		event.TypeRunCompleted,
	}, env.persistedTypes(t, "run-2"))

	results := env.eventsOfType(t, "run-2", event.TypeToolResult)
	require.Len(t, results, 1)
	var payload event.ToolResult
	require.NoError(t, results[0].DecodePayload(&payload))
	assert.False(t, payload.IsError)
	assert.Equal(t, `{"hits":[]}`, payload.Result)
}

func TestDeniedToolContinues(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "memory_write", Args: map[string]any{"content": "x"}}}},
		{text: "skipped the write"},
	}, WithRoles(team.Role{ID: "restricted", DeniedTools: []string{"memory_write"}}))
	run := env.newRun(t, &runs.Run{ID: "run-3", Input: "note this down", AgentID: "restricted"})

	status := env.s.execute(context.Background(), run)
	require.Equal(t, runs.StatusCompleted, status)

	blocked := env.eventsOfType(t, "run-3", event.TypeToolBlocked)
	require.Len(t, blocked, 1)
	var payload event.ToolBlocked
	require.NoError(t, blocked[0].DecodePayload(&payload))
	assert.Contains(t, payload.Reason, "explicitly denied")
	assert.Equal(t, "restricted", payload.RoleID)

	assert.Empty(t, env.eventsOfType(t, "run-3", event.TypeToolResult),
		"a blocked call must not produce a tool.result")

	stored, err := env.repo.Get(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, stored.Status)
}

func TestHighRiskApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "exec_command", Args: map[string]any{"cmd": "ls"}}}},
		{text: "listing done"},
	})
	run := env.newRun(t, &runs.Run{ID: "run-4", Input: "list the files"})

	status := env.s.execute(ctx, run)
	require.Equal(t, runs.StatusSuspended, status)

	approvals := env.eventsOfType(t, "run-4", event.TypeRequiresApproval)
	require.Len(t, approvals, 1)

	stored, err := env.repo.Get(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuspended, stored.Status)
	assert.Equal(t, runs.SuspendReasonApproval, stored.SuspendReason)
	assert.NotNil(t, stored.SuspendedAt)

	pending, err := env.broker.ListPending(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "exec_command", pending[0].ToolName)

	_, err = env.broker.Decide(ctx, "run-4", "c1", approval.Decision{Approve: true})
	require.NoError(t, err)

	before := len(env.persistedTypes(t, "run-4"))
	stored, err = env.repo.Get(ctx, "run-4")
	require.NoError(t, err)
	status = env.s.execute(ctx, stored)
	require.Equal(t, runs.StatusCompleted, status)

	after := env.persistedTypes(t, "run-4")[before:]
	assert.Equal(t, []event.Type{
		event.TypeToolResult,
		event.TypeStepCompleted,
		event.TypeStepStarted,
		event.TypeLLMCalled,
		event.TypeStepCompleted,
		event.TypeRunCompleted,
	}, after)

	results := env.eventsOfType(t, "run-4", event.TypeToolResult)
	require.Len(t, results, 1)
	var payload event.ToolResult
	require.NoError(t, results[0].DecodePayload(&payload))
	assert.Equal(t, "c1", payload.ToolCallID)
	assert.Equal(t, "cmd-ok", payload.Result)
	assert.False(t, payload.IsError)

	env.assertStepsBracketed(t, "run-4")
}

func TestRejectedApprovalInjectsError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "exec_command", Args: map[string]any{"cmd": "rm -rf /"}}}},
		{text: "understood, not running it"},
	})
	run := env.newRun(t, &runs.Run{ID: "run-4r", Input: "clean up"})

	require.Equal(t, runs.StatusSuspended, env.s.execute(ctx, run))

	_, err := env.broker.Decide(ctx, "run-4r", "c1", approval.Decision{Approve: false, Reason: "too dangerous"})
	require.NoError(t, err)

	stored, err := env.repo.Get(ctx, "run-4r")
	require.NoError(t, err)
	require.Equal(t, runs.StatusCompleted, env.s.execute(ctx, stored))

	results := env.eventsOfType(t, "run-4r", event.TypeToolResult)
	require.Len(t, results, 1)
	var payload event.ToolResult
	require.NoError(t, results[0].DecodePayload(&payload))
	assert.Equal(t, "c1", payload.ToolCallID)
	assert.True(t, payload.IsError)
	assert.Contains(t, payload.Result, "rejected")

	stored, err = env.repo.Get(ctx, "run-4r")
	require.NoError(t, err)
	assert.Equal(t, "understood, not running it", stored.Output)

	env.assertStepsBracketed(t, "run-4r")
}

func TestEscalationRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c-esc", Name: "agent_escalate", Args: map[string]any{"role": "helper"}}}},
		{text: "42 apples"},
		{text: "the helper counted 42 apples"},
	}, WithRoles(team.Role{ID: "helper", SystemPrompt: "You count things."}))
	parent := env.newRun(t, &runs.Run{ID: "run-5", Input: "how many apples"})

	status := env.s.execute(ctx, parent)
	require.Equal(t, runs.StatusWaiting, status)

	stored, err := env.repo.Get(ctx, "run-5")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusWaiting, stored.Status)
	assert.Equal(t, runs.SuspendReasonChildRun, stored.SuspendReason)

	dep, err := env.repo.GetDependencyByCall(ctx, "run-5", "c-esc")
	require.NoError(t, err)
	assert.Equal(t, runs.DependencyPending, dep.Status)
	assert.Equal(t, "summarize the numbers", dep.Goal)

	// No further parent events while waiting.
	parentEvents := len(env.persistedTypes(t, "run-5"))

	child, err := env.repo.Get(ctx, dep.ChildRunID)
	require.NoError(t, err)
	assert.Equal(t, "run-5", child.ParentRunID)
	assert.Equal(t, "helper", child.AgentID)

	require.Equal(t, runs.StatusCompleted, env.s.execute(ctx, child))
	assert.Equal(t, parentEvents, len(env.persistedTypes(t, "run-5")))

	dep, err = env.repo.GetDependencyByChild(ctx, dep.ChildRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.DependencyCompleted, dep.Status)
	assert.Equal(t, "42 apples", dep.Result)

	// The parent's first resumed event is the tool.result carrying the
	// child's outcome.
	stored, err = env.repo.Get(ctx, "run-5")
	require.NoError(t, err)
	require.Equal(t, runs.StatusCompleted, env.s.execute(ctx, stored))

	resumed := env.persistedTypes(t, "run-5")[parentEvents:]
	require.NotEmpty(t, resumed)
	assert.Equal(t, event.TypeToolResult, resumed[0])

	results := env.eventsOfType(t, "run-5", event.TypeToolResult)
	require.Len(t, results, 1)
	var payload event.ToolResult
	require.NoError(t, results[0].DecodePayload(&payload))
	assert.Equal(t, "c-esc", payload.ToolCallID)
	assert.Contains(t, payload.Result, "42 apples")
	assert.Contains(t, payload.Result, "completed")

	stored, err = env.repo.Get(ctx, "run-5")
	require.NoError(t, err)
	assert.Equal(t, "the helper counted 42 apples", stored.Output)

	env.assertStepsBracketed(t, "run-5")
	env.assertStepsBracketed(t, dep.ChildRunID)
}

func TestCancelMidStep(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "slow_tool"}}},
	})
	run := env.newRun(t, &runs.Run{ID: "run-6", Input: "take your time"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runs.Status, 1)
	go func() { done <- env.s.execute(ctx, run) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case status := <-done:
		assert.Equal(t, runs.StatusCancelled, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not cancel within the grace period")
	}

	stored, err := env.repo.Get(context.Background(), "run-6")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, stored.Status)
	assert.NotNil(t, stored.CancelledAt)

	for _, typ := range env.persistedTypes(t, "run-6") {
		assert.NotEqual(t, event.TypeRunCompleted, typ)
		assert.NotEqual(t, event.TypeRunFailed, typ)
	}
}

func TestMaxStepsFailsRun(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "memory_search", Args: map[string]any{"query": "a"}}}},
		{toolCalls: []*protocol.ToolCall{{ID: "c2", Name: "memory_search", Args: map[string]any{"query": "b"}}}},
		{toolCalls: []*protocol.ToolCall{{ID: "c3", Name: "memory_search", Args: map[string]any{"query": "c"}}}},
	})
	env.s.cfg.MaxSteps = 2
	run := env.newRun(t, &runs.Run{ID: "run-7", Input: "never stop"})

	status := env.s.execute(context.Background(), run)
	require.Equal(t, runs.StatusFailed, status)

	stored, err := env.repo.Get(context.Background(), "run-7")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, runs.CodeMaxSteps, stored.Error.Code)

	failed := env.eventsOfType(t, "run-7", event.TypeRunFailed)
	require.Len(t, failed, 1)
	var payload event.RunFailed
	require.NoError(t, failed[0].DecodePayload(&payload))
	assert.Equal(t, runs.CodeMaxSteps, payload.Error.Code)
}

func TestGroupRunDepositsKnowledge(t *testing.T) {
	group := &team.Group{
		ID:        "duo",
		MaxRounds: 1,
		Members: []team.Member{
			{Role: team.Role{ID: "analyst", Name: "Analyst"}},
			{Role: team.Role{ID: "editor", Name: "Editor", Lead: true}},
		},
	}
	env := newTestEnv(t, []scriptedTurn{
		{text: "numbers look fine"},
		{text: "FINAL: approved for release"},
	}, WithGroups(group))
	run := env.newRun(t, &runs.Run{
		ID:      "run-8",
		GroupID: "duo",
		Input:   "review the release",
		Scope:   runs.Scope{OrgID: "org-1", UserID: "user-1", ProjectID: "proj-1"},
	})

	status := env.s.execute(context.Background(), run)
	require.Equal(t, runs.StatusCompleted, status)

	stored, err := env.repo.Get(context.Background(), "run-8")
	require.NoError(t, err)
	assert.Equal(t, "approved for release", stored.Output)

	// One run.completed on the group run, none per member.
	assert.Len(t, env.eventsOfType(t, "run-8", event.TypeRunCompleted), 1)
}

// capturedMetrics records what the execution paths report.
type capturedMetrics struct {
	mu        sync.Mutex
	runCalls  int
	runTokens int
	llmModels []string
	toolNames []string
}

func (c *capturedMetrics) RecordRunExecution(ctx context.Context, duration time.Duration, tokens int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCalls++
	c.runTokens += tokens
}

func (c *capturedMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolNames = append(c.toolNames, tool)
}

func (c *capturedMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.llmModels = append(c.llmModels, model)
}

func TestRunAttemptFeedsMetrics(t *testing.T) {
	prev := observability.GetGlobalMetrics()
	defer observability.SetGlobalMetrics(prev)
	captured := &capturedMetrics{}
	observability.SetGlobalMetrics(captured)

	env := newTestEnv(t, []scriptedTurn{
		{toolCalls: []*protocol.ToolCall{{ID: "c1", Name: "memory_search", Args: map[string]any{"query": "x"}}}},
		{text: "done"},
	})
	run := env.newRun(t, &runs.Run{ID: "run-m", Input: "measure this"})
	require.Equal(t, runs.StatusCompleted, env.s.execute(context.Background(), run))

	assert.Equal(t, 1, captured.runCalls, "one run attempt recorded")
	assert.Equal(t, 12, captured.runTokens, "token totals from both model turns")
	assert.Equal(t, []string{"scripted-model", "scripted-model"}, captured.llmModels)
	assert.Equal(t, []string{"memory_search"}, captured.toolNames)
}

func TestTokenEventsBatchPersisted(t *testing.T) {
	env := newTestEnv(t, nil)
	// Bypass the provider: drive the emitter directly with a burst the
	// size of one batch plus a remainder.
	emitter := newBatchEmitter(context.Background(), env.bus, "run-9")
	for i := 0; i < eventbus.TokenEventBatchSize+3; i++ {
		emitter.Emit(event.New("run-9", "main", 1, event.TypeLLMToken, event.LLMToken{
			Token: "t", TokenIndex: i,
		}))
	}
	evs, _, err := env.bus.List(context.Background(), "run-9", 0, 500)
	require.NoError(t, err)
	assert.Len(t, evs, eventbus.TokenEventBatchSize, "full batch persists on its own")

	// A non-token event flushes the remainder ahead of itself.
	emitter.Emit(event.New("run-9", "main", 1, event.TypeStepCompleted, event.StepCompleted{
		StepNumber: 1, ResultType: event.ResultFinalAnswer,
	}))
	evs, _, err = env.bus.List(context.Background(), "run-9", 0, 500)
	require.NoError(t, err)
	require.Len(t, evs, eventbus.TokenEventBatchSize+4)
	assert.Equal(t, event.TypeStepCompleted, evs[len(evs)-1].Type)
}
