// Package agent implements the single-agent reason-act loop.
//
// A Runner drives one agent through bounded steps: compose the prompt,
// call the model, execute any requested tools through the policy-gated
// router, and repeat until the model answers without tool calls or the
// step budget runs out. Every observable moment is emitted as an event;
// working state is checkpointed at step boundaries so a suspended run
// can resume exactly where it stopped.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/strandworks/strand/internal/httpclient"
	"github.com/strandworks/strand/pkg/checkpoint"
	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/llms"
	"github.com/strandworks/strand/pkg/memory"
	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/tools"
)

// DefaultMaxSteps bounds the reason-act loop when the request does not
// override it.
const DefaultMaxSteps = 10

// defaultMemoryLimit caps retrieval hits folded into the prompt.
const defaultMemoryLimit = 5

// defaultHistoryLimit caps the transcript tail sent to the model when
// token counting is unavailable.
const defaultHistoryLimit = 40

// defaultHistoryTokens is the token budget for the transcript window.
const defaultHistoryTokens = 16384

// Emitter receives the runner's events. Flush blocks until everything
// emitted so far is durably appended; the runner flushes before every
// checkpoint so no snapshot ever precedes its events.
type Emitter interface {
	Emit(ev *event.Event)
	Flush() error
}

// Kind classifies how a run attempt ended.
type Kind string

const (
	KindCompleted         Kind = "completed"
	KindFailed            Kind = "failed"
	KindCancelled         Kind = "cancelled"
	KindSuspendedApproval Kind = "suspended_approval"
	KindSuspendedChild    Kind = "suspended_child"
)

// ApprovalRequest describes the tool call a run suspended on.
type ApprovalRequest struct {
	Call      *protocol.ToolCall
	Reason    string
	RiskLevel string
}

// ChildRunRequest describes an escalation a run suspended on.
type ChildRunRequest struct {
	ToolCallID string
	TargetRole string
	Input      string
}

// Outcome is the result of one runner invocation.
type Outcome struct {
	Kind        Kind
	Output      string
	Error       *runs.RunError
	Approval    *ApprovalRequest
	Escalation  *ChildRunRequest
	Steps       int
	TotalTokens int
}

// Request describes one runner invocation: a fresh start or a resume.
type Request struct {
	RunID        string
	AgentID      string
	SystemPrompt string
	Input        string
	AgentCtx     *policy.AgentContext
	MaxSteps     int
	// Transcript is injected ahead of the input (group orchestration
	// passes prior members' contributions this way).
	Transcript []*protocol.Message
	Resume     *Resume
}

// Resume carries the state for continuing a suspended run.
type Resume struct {
	Snapshot *checkpoint.Snapshot
	// Approved is the tool call a human cleared for execution. It runs
	// before the next model call, bypassing the ask gate once.
	Approved *protocol.ToolCall
	// Injected messages answer the suspended tool call without
	// executing it (a rejection notice or a child run's result).
	Injected []*protocol.Message
}

// Runner executes the reason-act loop for one agent.
type Runner struct {
	provider    llms.Provider
	router      *tools.Router
	mem         memory.Service
	checkpoints checkpoint.Store
	tokens      *protocol.TokenCounter
}

// NewRunner wires the runner's collaborators.
func NewRunner(provider llms.Provider, router *tools.Router, mem memory.Service, checkpoints checkpoint.Store) *Runner {
	if mem == nil {
		mem = memory.Noop{}
	}
	// A missing encoding degrades to the count-based history window.
	counter, err := protocol.NewTokenCounter(provider.ModelName())
	if err != nil {
		counter = nil
	}
	return &Runner{
		provider:    provider,
		router:      router,
		mem:         mem,
		checkpoints: checkpoints,
		tokens:      counter,
	}
}

// LatestCheckpoint returns the most recent snapshot for (run, agent),
// or an error when no checkpoint store is configured or none exists.
func (r *Runner) LatestCheckpoint(ctx context.Context, runID, agentID string) (*checkpoint.Snapshot, error) {
	if r.checkpoints == nil {
		return nil, checkpoint.ErrNotFound
	}
	return r.checkpoints.Latest(ctx, runID, agentID)
}

// Run drives the loop until a terminal outcome or suspension. It never
// returns a Go error: infrastructure failures surface as failed
// outcomes the scheduler records on the run.
func (r *Runner) Run(ctx context.Context, req *Request, emit Emitter) *Outcome {
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	messages, working, step := r.initialState(ctx, req)
	totalTokens := 0

	// A resume may leave tool calls unanswered (approval granted for
	// one call of several); settle them before asking the model again.
	if req.Resume != nil {
		settleStart := time.Now()
		outcome := r.settleResume(ctx, req, emit, &messages, &working, step)
		if outcome != nil {
			outcome.Steps = step
			outcome.TotalTokens = totalTokens
			return outcome
		}
		// Settling closes the suspended step: its step.completed must
		// persist before the loop opens the next step.
		if step > 0 {
			r.emit(emit, req, step, event.TypeStepCompleted, event.StepCompleted{
				StepNumber: step,
				ResultType: event.ResultToolCall,
				DurationMS: time.Since(settleStart).Milliseconds(),
			})
			r.checkpointBoundary(ctx, req, emit, step, working, messages)
		}
	}

	for step < maxSteps {
		if err := ctx.Err(); err != nil {
			return &Outcome{Kind: KindCancelled, Steps: step, TotalTokens: totalTokens}
		}
		step++
		stepStart := time.Now()

		r.emit(emit, req, step, event.TypeStepStarted, event.StepStarted{StepNumber: step})

		text, toolCalls, usage, err := r.callModel(ctx, req, step, messages, emit)
		if err != nil {
			if ctx.Err() != nil {
				return &Outcome{Kind: KindCancelled, Steps: step, TotalTokens: totalTokens}
			}
			return &Outcome{
				Kind:  KindFailed,
				Steps: step,
				Error: &runs.RunError{Code: runs.CodeExecutorError, Message: fmt.Sprintf("model call failed: %v", err)},
			}
		}
		totalTokens += usage.TotalTokens

		if len(toolCalls) == 0 {
			r.emit(emit, req, step, event.TypeStepCompleted, event.StepCompleted{
				StepNumber: step,
				ResultType: event.ResultFinalAnswer,
				DurationMS: time.Since(stepStart).Milliseconds(),
			})
			r.checkpointBoundary(ctx, req, emit, step, working, append(messages, protocol.NewAssistantMessage(text, nil)))
			return &Outcome{Kind: KindCompleted, Output: text, Steps: step, TotalTokens: totalTokens}
		}

		messages = append(messages, protocol.NewAssistantMessage(text, toolCalls))

		for _, call := range toolCalls {
			if err := ctx.Err(); err != nil {
				return &Outcome{Kind: KindCancelled, Steps: step, TotalTokens: totalTokens}
			}
			suspension := r.dispatchCall(ctx, req, emit, step, call, &messages, &working)
			if suspension != nil {
				suspension.Steps = step
				suspension.TotalTokens = totalTokens
				return suspension
			}
		}

		r.emit(emit, req, step, event.TypeStepCompleted, event.StepCompleted{
			StepNumber: step,
			ResultType: event.ResultToolCall,
			DurationMS: time.Since(stepStart).Milliseconds(),
		})
		r.checkpointBoundary(ctx, req, emit, step, working, messages)
	}

	return &Outcome{
		Kind:        KindFailed,
		Steps:       step,
		TotalTokens: totalTokens,
		Error: &runs.RunError{
			Code:    runs.CodeMaxSteps,
			Message: fmt.Sprintf("run exceeded the step budget of %d", maxSteps),
		},
	}
}

// initialState builds the starting transcript: restored from a snapshot
// on resume, composed from scratch otherwise.
func (r *Runner) initialState(ctx context.Context, req *Request) ([]*protocol.Message, checkpoint.WorkingState, int) {
	if req.Resume != nil && req.Resume.Snapshot != nil {
		snap := req.Resume.Snapshot
		return snap.Messages, snap.Working, snap.StepID
	}

	working := checkpoint.WorkingState{}
	hits := r.retrieveMemory(ctx, req)
	for _, hit := range hits {
		working.MemoryHits = append(working.MemoryHits, checkpoint.MemoryHit{
			Content: hit.Content,
			Score:   hit.Score,
			Source:  hit.Source,
		})
	}

	messages := []*protocol.Message{
		protocol.NewSystemMessage(composeSystemPrompt(req.SystemPrompt, hits)),
	}
	messages = append(messages, req.Transcript...)
	messages = append(messages, protocol.NewUserMessage(req.Input))
	return messages, working, 0
}

func (r *Runner) retrieveMemory(ctx context.Context, req *Request) []memory.Hit {
	if req.AgentCtx == nil {
		return nil
	}
	hits, err := r.mem.Retrieve(ctx, memory.Query{
		Scope:      req.AgentCtx.Scope,
		SessionKey: req.AgentCtx.SessionKey,
		GroupID:    req.AgentCtx.Scope.ProjectID,
		Text:       req.Input,
		Limit:      defaultMemoryLimit,
	})
	if err != nil {
		slog.Warn("Memory retrieval failed, continuing without context",
			"run_id", req.RunID, "error", err)
		return nil
	}
	return hits
}

// settleResume applies the injected outcome of a suspension and settles
// any tool calls the suspension left unanswered. Returns a non-nil
// outcome only when settling suspends the run again.
func (r *Runner) settleResume(ctx context.Context, req *Request, emit Emitter, messages *[]*protocol.Message, working *checkpoint.WorkingState, step int) *Outcome {
	resume := req.Resume

	if resume.Approved != nil {
		outcome := r.router.DispatchApproved(ctx, req.AgentCtx, resume.Approved)
		r.recordResult(req, emit, step, resume.Approved, outcome, messages, working)
	}

	// Injected messages settle the suspended call without executing it;
	// tool-role injections still surface as tool.result events so the
	// persisted stream shows how the call was answered.
	for _, msg := range resume.Injected {
		*messages = append(*messages, msg)
		if msg.Role == protocol.RoleTool {
			r.emit(emit, req, step, event.TypeToolResult, event.ToolResult{
				ToolName:   msg.ToolName,
				ToolCallID: msg.ToolCallID,
				Result:     msg.Content,
				IsError:    strings.HasPrefix(msg.Content, "Error:"),
			})
		}
	}

	for _, call := range unansweredCalls(*messages) {
		suspension := r.dispatchCall(ctx, req, emit, step, call, messages, working)
		if suspension != nil {
			return suspension
		}
	}
	return nil
}

// dispatchCall routes one tool call and folds its outcome into the
// transcript. Returns a non-nil outcome when the call suspends the run.
func (r *Runner) dispatchCall(ctx context.Context, req *Request, emit Emitter, step int, call *protocol.ToolCall, messages *[]*protocol.Message, working *checkpoint.WorkingState) *Outcome {
	r.emit(emit, req, step, event.TypeToolCalled, event.ToolCalled{
		ToolName: call.Name,
		Args:     call.Args,
	})

	outcome := r.router.Dispatch(ctx, req.AgentCtx, call)

	// A cancellation that fired during the dispatch ends the run with no
	// further events.
	if ctx.Err() != nil {
		return &Outcome{Kind: KindCancelled}
	}

	switch outcome.Status {
	case tools.StatusBlocked:
		r.emit(emit, req, step, event.TypeToolBlocked, event.ToolBlocked{
			ToolName: call.Name,
			Args:     call.Args,
			Reason:   outcome.Decision.Reason,
			RoleID:   roleID(req.AgentCtx),
		})
		// The model sees the block as an error result so the loop can
		// route around it.
		*messages = append(*messages, protocol.NewToolMessage(call.ID, call.Name,
			fmt.Sprintf("Error: %s", outcome.Decision.Reason)))
		return nil

	case tools.StatusNeedsApproval:
		r.emit(emit, req, step, event.TypeRequiresApproval, event.RequiresApproval{
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Args:       call.Args,
			Reason:     outcome.Decision.Reason,
			RiskLevel:  string(outcome.Info.RiskLevel),
		})
		if failed := r.checkpointSuspension(ctx, req, emit, step, *working, *messages); failed != nil {
			return failed
		}
		return &Outcome{
			Kind: KindSuspendedApproval,
			Approval: &ApprovalRequest{
				Call:      call,
				Reason:    outcome.Decision.Reason,
				RiskLevel: string(outcome.Info.RiskLevel),
			},
		}

	case tools.StatusNeedsChildRun:
		if failed := r.checkpointSuspension(ctx, req, emit, step, *working, *messages); failed != nil {
			return failed
		}
		return &Outcome{
			Kind: KindSuspendedChild,
			Escalation: &ChildRunRequest{
				ToolCallID: call.ID,
				TargetRole: outcome.Escalation.TargetRole,
				Input:      outcome.Escalation.Input,
			},
		}
	}

	r.recordResult(req, emit, step, call, outcome, messages, working)
	return nil
}

// recordResult emits tool.result and threads the result message.
func (r *Runner) recordResult(req *Request, emit Emitter, step int, call *protocol.ToolCall, outcome tools.Outcome, messages *[]*protocol.Message, working *checkpoint.WorkingState) {
	payload := event.ToolResult{
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Result:     outcome.Result.Content,
		IsError:    outcome.Result.IsError,
	}
	if outcome.Result.IsError {
		payload.Error = &event.ErrorDetail{Code: outcome.ErrorCode, Message: outcome.Result.Error}
	}
	r.emit(emit, req, step, event.TypeToolResult, payload)

	content := outcome.Result.Content
	if outcome.Result.IsError {
		content = fmt.Sprintf("Error: %s", outcome.Result.Error)
	}
	*messages = append(*messages, protocol.NewToolMessage(call.ID, call.Name, content))
	working.LastToolResult = content
}

// callModel streams one completion, emitting llm.token events and the
// final llm.called accounting. Rate-limited calls are retried once with
// the provider-reported delay.
func (r *Runner) callModel(ctx context.Context, req *Request, step int, messages []*protocol.Message, emit Emitter) (string, []*protocol.ToolCall, llms.Usage, error) {
	defs := r.toolDefinitions(req.AgentCtx)
	var window []*protocol.Message
	if r.tokens != nil {
		window = protocol.TokenTail(messages, r.tokens, defaultHistoryTokens)
	} else {
		window = protocol.Tail(messages, defaultHistoryLimit)
		if len(window) > 0 && window[0].Role != protocol.RoleSystem && messages[0].Role == protocol.RoleSystem {
			window = append([]*protocol.Message{messages[0]}, window...)
		}
	}

	text, toolCalls, usage, err := r.streamOnce(ctx, req, step, window, defs, emit)
	if err == nil {
		return text, toolCalls, usage, nil
	}

	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) && ctx.Err() == nil {
		waitTime := retryErr.RetryAfter
		if waitTime <= 0 {
			waitTime = 2 * time.Minute
		}
		slog.Warn("Model rate limited, waiting before retry",
			"run_id", req.RunID, "wait", waitTime)
		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return "", nil, llms.Usage{}, ctx.Err()
		}
		return r.streamOnce(ctx, req, step, window, defs, emit)
	}
	return "", nil, llms.Usage{}, err
}

func (r *Runner) streamOnce(ctx context.Context, req *Request, step int, messages []*protocol.Message, defs []llms.ToolDefinition, emit Emitter) (string, []*protocol.ToolCall, llms.Usage, error) {
	start := time.Now()
	chunks, err := r.provider.GenerateStreaming(ctx, messages, defs)
	if err != nil {
		r.recordModelCall(ctx, start, llms.Usage{}, err)
		return "", nil, llms.Usage{}, err
	}

	var (
		text       []byte
		toolCalls  []*protocol.ToolCall
		usage      llms.Usage
		tokenIndex int
	)
	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkText:
			text = append(text, chunk.Text...)
			r.emit(emit, req, step, event.TypeLLMToken, event.LLMToken{
				Token:      chunk.Text,
				TokenIndex: tokenIndex,
			})
			tokenIndex++
		case llms.ChunkToolCall:
			toolCalls = append(toolCalls, chunk.ToolCall)
		case llms.ChunkDone:
			usage = chunk.Usage
		case llms.ChunkError:
			r.recordModelCall(ctx, start, llms.Usage{}, chunk.Error)
			return "", nil, llms.Usage{}, chunk.Error
		}
	}

	r.recordModelCall(ctx, start, usage, nil)
	r.emit(emit, req, step, event.TypeLLMCalled, event.LLMCalled{
		Model:            r.provider.ModelName(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		DurationMS:       time.Since(start).Milliseconds(),
	})
	return string(text), toolCalls, usage, nil
}

func (r *Runner) recordModelCall(ctx context.Context, start time.Time, usage llms.Usage, err error) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, r.provider.ModelName(), time.Since(start),
			usage.PromptTokens, usage.CompletionTokens, err)
	}
}

func (r *Runner) toolDefinitions(agentCtx *policy.AgentContext) []llms.ToolDefinition {
	infos := r.router.Definitions(agentCtx)
	defs := make([]llms.ToolDefinition, 0, len(infos))
	for _, info := range infos {
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Parameters,
		})
	}
	return defs
}

// checkpointBoundary saves the routine step snapshot. Events flush
// first so the snapshot never gets ahead of the stream; a save failure
// here only costs resume granularity, so the run continues.
func (r *Runner) checkpointBoundary(ctx context.Context, req *Request, emit Emitter, step int, working checkpoint.WorkingState, messages []*protocol.Message) {
	if err := r.saveCheckpoint(ctx, req, emit, step, working, messages); err != nil {
		slog.Warn("Checkpoint save failed at step boundary",
			"run_id", req.RunID, "step", step, "error", err)
	}
}

// checkpointSuspension saves the snapshot a suspension depends on. A
// failure here would strand the run, so it fails the attempt instead.
func (r *Runner) checkpointSuspension(ctx context.Context, req *Request, emit Emitter, step int, working checkpoint.WorkingState, messages []*protocol.Message) *Outcome {
	if err := r.saveCheckpoint(ctx, req, emit, step, working, messages); err != nil {
		return &Outcome{
			Kind: KindFailed,
			Error: &runs.RunError{
				Code:    runs.CodeExecutorError,
				Message: fmt.Sprintf("failed to checkpoint before suspension: %v", err),
			},
		}
	}
	return nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, req *Request, emit Emitter, step int, working checkpoint.WorkingState, messages []*protocol.Message) error {
	if r.checkpoints == nil {
		return nil
	}
	if err := emit.Flush(); err != nil {
		return fmt.Errorf("event flush failed: %w", err)
	}
	return r.checkpoints.Save(ctx, &checkpoint.Snapshot{
		RunID:    req.RunID,
		AgentID:  req.AgentID,
		StepID:   step,
		Working:  working,
		Messages: messages,
	})
}

func (r *Runner) emit(emit Emitter, req *Request, step int, typ event.Type, payload any) {
	emit.Emit(event.New(req.RunID, req.AgentID, step, typ, payload))
}

// unansweredCalls returns the tool calls of the last assistant message
// that have no matching tool reply yet.
func unansweredCalls(messages []*protocol.Message) []*protocol.ToolCall {
	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 || !messages[lastAssistant].HasToolCalls() {
		return nil
	}

	answered := make(map[string]bool)
	for _, msg := range messages[lastAssistant+1:] {
		if msg.Role == protocol.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}

	var pending []*protocol.ToolCall
	for _, call := range messages[lastAssistant].ToolCalls {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}

func roleID(agentCtx *policy.AgentContext) string {
	if agentCtx == nil {
		return ""
	}
	return agentCtx.RoleID
}
