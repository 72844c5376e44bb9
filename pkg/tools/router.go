package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
)

// DefaultCallTimeout bounds a single tool execution.
const DefaultCallTimeout = 30 * time.Second

// Error codes surfaced on tool results.
const (
	CodeToolNotFound  = "TOOL_NOT_FOUND"
	CodeToolTimeout   = "TOOL_TIMEOUT"
	CodePolicyBlocked = "POLICY_BLOCKED"
	CodeToolError     = "TOOL_ERROR"
)

// Outcome statuses.
type Status string

const (
	// StatusOK covers both successful results and tool-level failures;
	// the latter carry Result.IsError.
	StatusOK            Status = "ok"
	StatusBlocked       Status = "blocked"
	StatusNeedsApproval Status = "needs_approval"
	StatusNeedsChildRun Status = "needs_child_run"
)

// Escalation is a request to hand the task to another agent as a child
// run.
type Escalation struct {
	TargetRole string
	Input      string
}

// EscalationError is the sentinel a tool returns to request delegation.
// The router converts it into a needs_child_run outcome.
type EscalationError struct {
	TargetRole string
	Input      string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("escalation to role %q requested", e.TargetRole)
}

// Outcome is the router's answer for one tool call. The router never
// fails a run: lookup misses, policy blocks, timeouts, and execution
// errors all come back as outcomes the runner records and continues
// from.
type Outcome struct {
	Status     Status
	Result     Result
	ErrorCode  string
	Decision   policy.Decision
	Info       ToolInfo
	Escalation *Escalation
}

// Router resolves tool calls through the registry and gates every
// invocation with policy.
type Router struct {
	registry *Registry
	skills   *SkillCatalog
	timeout  time.Duration
}

// NewRouter creates a router over the registry and skill catalog.
func NewRouter(registry *Registry, skills *SkillCatalog) *Router {
	return &Router{
		registry: registry,
		skills:   skills,
		timeout:  DefaultCallTimeout,
	}
}

// WithTimeout overrides the per-call timeout.
func (r *Router) WithTimeout(timeout time.Duration) *Router {
	if timeout > 0 {
		r.timeout = timeout
	}
	return r
}

// Registry exposes the underlying registry for listing tool surfaces.
func (r *Router) Registry() *Registry { return r.registry }

// Skills exposes the skill catalog.
func (r *Router) Skills() *SkillCatalog { return r.skills }

// Definitions returns the tool surfaces visible to the given agent:
// tools the policy would deny outright are not advertised.
func (r *Router) Definitions(agentCtx *policy.AgentContext) []ToolInfo {
	var visible []ToolInfo
	for _, info := range r.registry.ListTools() {
		meta := r.metaFor(info)
		if decision := policy.Evaluate(agentCtx, meta); decision.Kind == policy.Deny {
			continue
		}
		info.SkillIDs = meta.SkillIDs
		visible = append(visible, info)
	}
	return visible
}

// Dispatch resolves, authorizes, and executes one tool call.
func (r *Router) Dispatch(ctx context.Context, agentCtx *policy.AgentContext, call *protocol.ToolCall) Outcome {
	start := time.Now()

	tracer := observability.GetTracer("strand.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, call.Name)),
	)
	defer span.End()

	entry, exists := r.registry.BaseRegistry.Get(call.Name)
	if !exists {
		span.SetStatus(codes.Error, "tool not found")
		return r.errorOutcome(ctx, call, CodeToolNotFound,
			fmt.Sprintf("tool %q is not registered", call.Name), start)
	}

	info := entry.Tool.Info()
	meta := r.metaFor(info)
	info.SkillIDs = meta.SkillIDs

	decision := policy.Evaluate(agentCtx, meta)
	span.SetAttributes(attribute.String("tool.decision", string(decision.Kind)))

	switch decision.Kind {
	case policy.Deny:
		span.SetStatus(codes.Error, "blocked by policy")
		slog.Info("Tool call blocked",
			"tool", call.Name, "reason", decision.Reason, "agent", agentName(agentCtx))
		return Outcome{
			Status:    StatusBlocked,
			ErrorCode: CodePolicyBlocked,
			Decision:  decision,
			Info:      info,
			Result: Result{
				IsError:  true,
				Error:    decision.Reason,
				Duration: time.Since(start),
			},
		}

	case policy.Ask:
		span.SetStatus(codes.Ok, "approval required")
		return Outcome{
			Status:   StatusNeedsApproval,
			Decision: decision,
			Info:     info,
		}
	}

	result, execErr := r.execute(ctx, agentCtx, entry.Tool, call)
	duration := time.Since(start)
	result.Duration = duration

	var escalation *EscalationError
	if errors.As(execErr, &escalation) {
		span.SetStatus(codes.Ok, "escalation requested")
		return Outcome{
			Status:   StatusNeedsChildRun,
			Decision: decision,
			Info:     info,
			Escalation: &Escalation{
				TargetRole: escalation.TargetRole,
				Input:      escalation.Input,
			},
		}
	}

	metrics := observability.GetGlobalMetrics()
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		if metrics != nil {
			metrics.RecordToolExecution(ctx, call.Name, duration, execErr)
		}
		code := CodeToolError
		if errors.Is(execErr, context.DeadlineExceeded) {
			code = CodeToolTimeout
		}
		return Outcome{
			Status:    StatusOK,
			ErrorCode: code,
			Decision:  decision,
			Info:      info,
			Result: Result{
				IsError:  true,
				Error:    execErr.Error(),
				Duration: duration,
			},
		}
	}

	if metrics != nil {
		var recordErr error
		if result.IsError {
			recordErr = fmt.Errorf("%s", result.Error)
		}
		metrics.RecordToolExecution(ctx, call.Name, duration, recordErr)
	}
	span.SetAttributes(
		attribute.Bool("tool.success", !result.IsError),
		attribute.Int64("tool.duration_ms", duration.Milliseconds()),
	)
	if result.IsError {
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetStatus(codes.Ok, "success")
	}

	outcome := Outcome{
		Status:   StatusOK,
		Decision: decision,
		Info:     info,
		Result:   result,
	}
	if result.IsError {
		outcome.ErrorCode = CodeToolError
	}
	return outcome
}

// DispatchApproved executes a call whose ask gate was already settled
// by a human decision. Policy is not re-evaluated; the decision stood
// when the run suspended.
func (r *Router) DispatchApproved(ctx context.Context, agentCtx *policy.AgentContext, call *protocol.ToolCall) Outcome {
	start := time.Now()

	tracer := observability.GetTracer("strand.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, call.Name),
			attribute.Bool("tool.approved", true),
		),
	)
	defer span.End()

	entry, exists := r.registry.BaseRegistry.Get(call.Name)
	if !exists {
		span.SetStatus(codes.Error, "tool not found")
		return r.errorOutcome(ctx, call, CodeToolNotFound,
			fmt.Sprintf("tool %q is not registered", call.Name), start)
	}

	info := entry.Tool.Info()
	result, execErr := r.execute(ctx, agentCtx, entry.Tool, call)
	duration := time.Since(start)
	result.Duration = duration

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		code := CodeToolError
		if errors.Is(execErr, context.DeadlineExceeded) {
			code = CodeToolTimeout
		}
		return Outcome{
			Status:    StatusOK,
			ErrorCode: code,
			Info:      info,
			Result: Result{
				IsError:  true,
				Error:    execErr.Error(),
				Duration: duration,
			},
		}
	}

	span.SetStatus(codes.Ok, "success")
	outcome := Outcome{Status: StatusOK, Info: info, Result: result}
	if result.IsError {
		outcome.ErrorCode = CodeToolError
	}
	return outcome
}

// execute runs the tool under the router timeout. The execution runs in
// its own goroutine so a stuck tool cannot hold the step past the
// deadline.
func (r *Router) execute(ctx context.Context, agentCtx *policy.AgentContext, tool Tool, call *protocol.ToolCall) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = policy.WithAgentContext(ctx, agentCtx)

	type execResult struct {
		result Result
		err    error
	}
	done := make(chan execResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- execResult{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		result, err := tool.Execute(ctx, call.Args)
		done <- execResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		return res.result, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("tool %q timed out after %v: %w",
				call.Name, r.timeout, context.DeadlineExceeded)
		}
		return Result{}, ctx.Err()
	}
}

func (r *Router) errorOutcome(ctx context.Context, call *protocol.ToolCall, code, message string, start time.Time) Outcome {
	metrics := observability.GetGlobalMetrics()
	if metrics != nil {
		metrics.RecordToolExecution(ctx, call.Name, time.Since(start), errors.New(message))
	}
	return Outcome{
		Status:    StatusOK,
		ErrorCode: code,
		Result: Result{
			IsError:  true,
			Error:    message,
			Duration: time.Since(start),
		},
	}
}

// metaFor merges the tool's declared skills with catalog membership.
func (r *Router) metaFor(info ToolInfo) policy.ToolMeta {
	meta := info.PolicyMeta()
	if r.skills != nil {
		for _, id := range r.skills.SkillsFor(info.Name) {
			if !containsString(meta.SkillIDs, id) {
				meta.SkillIDs = append(meta.SkillIDs, id)
			}
		}
	}
	return meta
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func agentName(agentCtx *policy.AgentContext) string {
	if agentCtx == nil {
		return ""
	}
	return agentCtx.AgentID
}
