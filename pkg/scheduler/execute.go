package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandworks/strand/pkg/agent"
	"github.com/strandworks/strand/pkg/approval"
	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/memory"
	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/team"

	"github.com/google/uuid"
)

// Metadata keys recording where a suspended run stopped.
const (
	metaPendingCallID    = "pending_call_id"
	metaPendingToolName  = "pending_tool_name"
	metaSuspendedAgentID = "suspended_agent_id"
	metaGroupRound       = "group_round"
	metaGroupMemberIndex = "group_member_index"
	metaRoleID           = "role_id"
)

// result normalizes the single-agent and group outcomes.
type result struct {
	kind        agent.Kind
	output      string
	err         *runs.RunError
	approval    *agent.ApprovalRequest
	escalation  *agent.ChildRunRequest
	agentID     string
	tokens      int
	round       int
	memberIndex int
}

// execute drives one run attempt from queue pickup to a parked or
// terminal state. Panics anywhere in the attempt are converted into an
// EXECUTOR_ERROR failure rather than taking the worker down.
func (s *Scheduler) execute(ctx context.Context, run *runs.Run) (status runs.Status) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Run executor panicked", "run_id", run.ID, "panic", rec)
			s.failRun(run, &runs.RunError{
				Code:    runs.CodeExecutorError,
				Message: fmt.Sprintf("executor panicked: %v", rec),
			}, newBatchEmitter(context.Background(), s.bus, run.ID))
			status = runs.StatusFailed
		}
	}()

	if ctx.Err() != nil {
		s.markCancelled(run.ID)
		return runs.StatusCancelled
	}

	modelCfg := s.cfg.Model.Apply(run.Model)
	provider, err := s.providers(modelCfg)
	if err != nil {
		emitter := newBatchEmitter(ctx, s.bus, run.ID)
		s.failRun(run, &runs.RunError{
			Code:    runs.CodeExecutorError,
			Message: fmt.Sprintf("failed to build model client: %v", err),
		}, emitter)
		return runs.StatusFailed
	}
	defer provider.Close()

	// The suspension coordinates must be read before the transition to
	// running clears the suspend reason.
	isResume := run.Status == runs.StatusSuspended || run.Status == runs.StatusWaiting
	suspendReason := run.SuspendReason

	run, err = s.repo.Transition(ctx, run.ID, runs.StatusRunning)
	if err != nil {
		slog.Error("Failed to transition run to running", "run_id", run.ID, "error", err)
		return runs.StatusFailed
	}

	emitter := newBatchEmitter(ctx, s.bus, run.ID)
	if !isResume {
		emitter.Emit(event.New(run.ID, run.AgentID, 0, event.TypeRunStarted, event.RunStarted{
			Input: run.Input,
		}))
	}

	runner := agent.NewRunner(provider, s.router, s.mem, s.checkpoints)

	attemptStart := time.Now()
	var r result
	if run.GroupID != "" {
		r = s.executeGroup(ctx, runner, run, isResume, suspendReason, emitter)
	} else {
		r = s.executeSingle(ctx, runner, run, isResume, suspendReason, emitter)
	}
	recordRunMetrics(ctx, time.Since(attemptStart), r)

	switch r.kind {
	case agent.KindCompleted:
		return s.completeRun(ctx, run, r.output, emitter)

	case agent.KindCancelled:
		s.markCancelled(run.ID)
		s.notifyParent(run, runs.StatusCancelled, "", "run was cancelled")
		return runs.StatusCancelled

	case agent.KindFailed:
		if r.err != nil && r.err.Code == runs.CodeCancelled {
			s.markCancelled(run.ID)
			s.notifyParent(run, runs.StatusCancelled, "", r.err.Message)
			return runs.StatusCancelled
		}
		s.failRun(run, r.err, emitter)
		return runs.StatusFailed

	case agent.KindSuspendedApproval:
		return s.suspendForApproval(ctx, run, r, emitter)

	case agent.KindSuspendedChild:
		return s.suspendForChild(ctx, run, r, emitter)
	}

	s.failRun(run, &runs.RunError{
		Code:    runs.CodeExecutorError,
		Message: fmt.Sprintf("unknown outcome kind %q", r.kind),
	}, emitter)
	return runs.StatusFailed
}

func (s *Scheduler) executeSingle(ctx context.Context, runner *agent.Runner, run *runs.Run,
	isResume bool, suspendReason string, emitter *batchEmitter) result {

	roleID := metaString(run.Metadata, metaRoleID)
	if roleID == "" {
		roleID = run.AgentID
	}
	role, hasRole := s.roleFor(roleID)

	prompt := s.cfg.DefaultSystemPrompt
	if hasRole && role.SystemPrompt != "" {
		prompt = role.SystemPrompt
	}

	req := &agent.Request{
		RunID:        run.ID,
		AgentID:      run.AgentID,
		SystemPrompt: prompt,
		Input:        run.Input,
		MaxSteps:     s.cfg.MaxSteps,
		AgentCtx:     s.agentContext(run, run.AgentID, role, hasRole),
	}

	if isResume {
		resume, err := s.buildAgentResume(ctx, run, run.AgentID, suspendReason)
		if err != nil {
			return result{kind: agent.KindFailed, err: &runs.RunError{
				Code:    runs.CodeExecutorError,
				Message: fmt.Sprintf("failed to restore suspended state: %v", err),
			}}
		}
		req.Resume = resume
	}

	out := runner.Run(ctx, req, emitter)
	return result{
		kind:       out.Kind,
		output:     out.Output,
		err:        out.Error,
		approval:   out.Approval,
		escalation: out.Escalation,
		agentID:    run.AgentID,
		tokens:     out.TotalTokens,
	}
}

func (s *Scheduler) executeGroup(ctx context.Context, runner *agent.Runner, run *runs.Run,
	isResume bool, suspendReason string, emitter *batchEmitter) result {

	group, ok := s.groups[run.GroupID]
	if !ok {
		return result{kind: agent.KindFailed, err: &runs.RunError{
			Code:    runs.CodeExecutorError,
			Message: fmt.Sprintf("group %q is not registered", run.GroupID),
		}}
	}

	orch := team.NewOrchestrator(runner, group)

	var resume *team.Resume
	if isResume {
		agentID := metaString(run.Metadata, metaSuspendedAgentID)
		agentResume, err := s.buildAgentResume(ctx, run, agentID, suspendReason)
		if err != nil {
			return result{kind: agent.KindFailed, err: &runs.RunError{
				Code:    runs.CodeExecutorError,
				Message: fmt.Sprintf("failed to restore suspended state: %v", err),
			}}
		}
		resume = &team.Resume{
			Round:       metaInt(run.Metadata, metaGroupRound),
			MemberIndex: metaInt(run.Metadata, metaGroupMemberIndex),
			Agent:       agentResume,
		}
	}

	out := orch.Run(ctx, run, resume, emitter)
	return result{
		kind:        out.Kind,
		output:      out.Output,
		err:         out.Error,
		approval:    out.Approval,
		escalation:  out.Escalation,
		agentID:     out.AgentID,
		tokens:      out.TotalTokens,
		round:       out.Round,
		memberIndex: out.MemberIndex,
	}
}

// recordRunMetrics reports one run attempt to the metrics pipeline.
// Suspensions count as attempts too; only a failed outcome counts as
// an error.
func recordRunMetrics(ctx context.Context, duration time.Duration, r result) {
	metrics := observability.GetGlobalMetrics()
	if metrics == nil {
		return
	}
	var err error
	if r.kind == agent.KindFailed && r.err != nil {
		err = errors.New(r.err.Message)
	}
	metrics.RecordRunExecution(ctx, duration, r.tokens, err)
}

func (s *Scheduler) agentContext(run *runs.Run, agentID string, role team.Role, hasRole bool) *policy.AgentContext {
	ctx := &policy.AgentContext{
		AgentID:    agentID,
		RunID:      run.ID,
		SessionKey: run.SessionKey,
		Scope:      run.Scope,
		Delegated:  run.Delegated,
	}
	if hasRole {
		ctx.RoleID = role.ID
		ctx.AllowedTools = role.AllowedTools
		ctx.DeniedTools = role.DeniedTools
	}
	return ctx
}

// buildAgentResume reconstructs the runner's resume bundle: the latest
// snapshot plus the settled outcome of the suspended tool call.
func (s *Scheduler) buildAgentResume(ctx context.Context, run *runs.Run, agentID, suspendReason string) (*agent.Resume, error) {
	snapshot, err := s.checkpoints.Latest(ctx, run.ID, agentID)
	if err != nil {
		return nil, fmt.Errorf("no checkpoint for run %s agent %s: %w", run.ID, agentID, err)
	}

	callID := metaString(run.Metadata, metaPendingCallID)
	toolName := metaString(run.Metadata, metaPendingToolName)
	resume := &agent.Resume{Snapshot: snapshot}
	if callID == "" {
		return resume, nil
	}

	switch suspendReason {
	case runs.SuspendReasonApproval:
		req, err := s.broker.Get(ctx, run.ID, callID)
		if err != nil {
			return nil, fmt.Errorf("approval request %s/%s: %w", run.ID, callID, err)
		}
		switch req.Status {
		case approval.StatusApproved:
			resume.Approved = &protocol.ToolCall{ID: callID, Name: req.ToolName, Args: req.Args}
		case approval.StatusRejected:
			resume.Injected = []*protocol.Message{
				protocol.NewToolMessage(callID, req.ToolName,
					"Error: the operator rejected this tool call. Do not retry it; continue without it or explain what you could not do."),
			}
		default:
			return nil, fmt.Errorf("approval request %s/%s is still pending", run.ID, callID)
		}

	case runs.SuspendReasonChildRun:
		dep, err := s.tracker.GetDependencyByCall(ctx, run.ID, callID)
		if err != nil {
			return nil, fmt.Errorf("dependency for call %s: %w", callID, err)
		}
		var content string
		if dep.Status == runs.DependencyCompleted {
			data, _ := json.Marshal(map[string]string{
				"status": "completed",
				"output": dep.Result,
			})
			content = string(data)
		} else {
			content = fmt.Sprintf("Error: the delegated run did not complete (%s): %s", dep.Status, dep.Error)
		}
		resume.Injected = []*protocol.Message{
			protocol.NewToolMessage(callID, toolName, content),
		}

	default:
		return nil, fmt.Errorf("unknown suspend reason %q", suspendReason)
	}
	return resume, nil
}

func (s *Scheduler) completeRun(ctx context.Context, run *runs.Run, output string, emitter *batchEmitter) runs.Status {
	duration := int64(0)
	if run.StartedAt != nil {
		duration = time.Since(*run.StartedAt).Milliseconds()
	}
	emitter.Emit(event.New(run.ID, run.AgentID, 0, event.TypeRunCompleted, event.RunCompleted{
		Output:     output,
		DurationMS: duration,
	}))

	if err := s.repo.SetOutput(ctx, run.ID, output); err != nil {
		slog.Error("Failed to record run output", "run_id", run.ID, "error", err)
	}
	if _, err := s.repo.Transition(ctx, run.ID, runs.StatusCompleted); err != nil {
		slog.Error("Failed to mark run completed", "run_id", run.ID, "error", err)
	}

	if run.GroupID != "" {
		s.depositGroupKnowledge(ctx, run, output)
	}
	s.notifyParent(run, runs.StatusCompleted, output, "")
	return runs.StatusCompleted
}

// depositGroupKnowledge writes the group's synthesis into shared memory
// so later runs in the same project can retrieve it.
func (s *Scheduler) depositGroupKnowledge(ctx context.Context, run *runs.Run, output string) {
	entry := memory.Entry{
		SessionKey: run.SessionKey,
		GroupID:    run.Scope.ProjectID,
		Content:    output,
		Kind:       "episodic",
	}
	if err := s.mem.Write(ctx, run.Scope, entry); err != nil {
		slog.Warn("Failed to deposit group knowledge", "run_id", run.ID, "error", err)
	}
}

func (s *Scheduler) failRun(run *runs.Run, runErr *runs.RunError, emitter *batchEmitter) {
	if runErr == nil {
		runErr = &runs.RunError{Code: runs.CodeExecutorError, Message: "run failed without detail"}
	}
	ctx := context.Background()

	emitter.Emit(event.New(run.ID, run.AgentID, 0, event.TypeRunFailed, event.RunFailed{
		Error: event.RunError{Code: runErr.Code, Message: runErr.Message, Details: runErr.Details},
	}))

	if err := s.repo.SetError(ctx, run.ID, runErr); err != nil {
		slog.Error("Failed to record run error", "run_id", run.ID, "error", err)
	}
	if _, err := s.repo.Transition(ctx, run.ID, runs.StatusFailed); err != nil {
		slog.Error("Failed to mark run failed", "run_id", run.ID, "error", err)
	}
	s.notifyParent(run, runs.StatusFailed, "", runErr.Message)
}

func (s *Scheduler) markCancelled(runID string) {
	if _, err := s.repo.Cancel(context.Background(), runID); err != nil {
		slog.Error("Failed to mark run cancelled", "run_id", runID, "error", err)
	}
}

// suspendForApproval parks the run and files the approval request the
// operator will decide.
func (s *Scheduler) suspendForApproval(ctx context.Context, run *runs.Run, r result, emitter *batchEmitter) runs.Status {
	if err := emitter.Flush(); err != nil {
		slog.Warn("Token flush failed before suspension", "run_id", run.ID, "error", err)
	}

	req := &approval.Request{
		RunID:      run.ID,
		ToolCallID: r.approval.Call.ID,
		ToolName:   r.approval.Call.Name,
		Args:       r.approval.Call.Args,
		RiskLevel:  r.approval.RiskLevel,
		Reason:     r.approval.Reason,
		OrgID:      run.Scope.OrgID,
	}
	if err := s.broker.Create(ctx, req); err != nil {
		s.failRun(run, &runs.RunError{
			Code:    runs.CodeExecutorError,
			Message: fmt.Sprintf("failed to create approval request: %v", err),
		}, emitter)
		return runs.StatusFailed
	}

	s.recordSuspension(ctx, run, r, r.approval.Call.ID, r.approval.Call.Name)
	if _, err := s.repo.Transition(ctx, run.ID, runs.StatusSuspended); err != nil {
		slog.Error("Failed to mark run suspended", "run_id", run.ID, "error", err)
		return runs.StatusFailed
	}
	if err := s.repo.SetSuspendReason(ctx, run.ID, runs.SuspendReasonApproval); err != nil {
		slog.Error("Failed to record suspend reason", "run_id", run.ID, "error", err)
	}
	return runs.StatusSuspended
}

// suspendForChild creates the delegated child run, records the
// dependency, and parks the parent until the child terminates.
func (s *Scheduler) suspendForChild(ctx context.Context, run *runs.Run, r result, emitter *batchEmitter) runs.Status {
	if err := emitter.Flush(); err != nil {
		slog.Warn("Token flush failed before suspension", "run_id", run.ID, "error", err)
	}

	child := &runs.Run{
		ID:          uuid.NewString(),
		Scope:       run.Scope,
		SessionKey:  run.SessionKey,
		Input:       r.escalation.Input,
		AgentID:     r.escalation.TargetRole,
		ParentRunID: run.ID,
		Delegated:   run.Delegated,
		Model:       run.Model,
		Metadata:    map[string]any{metaRoleID: r.escalation.TargetRole},
	}
	if err := s.repo.Create(ctx, child); err != nil {
		s.failRun(run, &runs.RunError{
			Code:    runs.CodeExecutorError,
			Message: fmt.Sprintf("failed to create child run: %v", err),
		}, emitter)
		return runs.StatusFailed
	}

	dep := &runs.Dependency{
		ParentRunID: run.ID,
		ChildRunID:  child.ID,
		ToolCallID:  r.escalation.ToolCallID,
		Goal:        r.escalation.Input,
	}
	if err := s.tracker.CreateDependency(ctx, dep); err != nil {
		s.failRun(run, &runs.RunError{
			Code:    runs.CodeExecutorError,
			Message: fmt.Sprintf("failed to record run dependency: %v", err),
		}, emitter)
		return runs.StatusFailed
	}

	s.recordSuspension(ctx, run, r, r.escalation.ToolCallID, "agent_escalate")
	if _, err := s.repo.Transition(ctx, run.ID, runs.StatusWaiting); err != nil {
		slog.Error("Failed to mark run waiting", "run_id", run.ID, "error", err)
		return runs.StatusFailed
	}
	if err := s.repo.SetSuspendReason(ctx, run.ID, runs.SuspendReasonChildRun); err != nil {
		slog.Error("Failed to record suspend reason", "run_id", run.ID, "error", err)
	}

	if err := s.Enqueue(ctx, child.ID); err != nil {
		slog.Error("Failed to enqueue child run", "child_run_id", child.ID, "error", err)
	}
	slog.Info("Run delegated to child",
		"run_id", run.ID, "child_run_id", child.ID, "role", r.escalation.TargetRole)
	return runs.StatusWaiting
}

func (s *Scheduler) recordSuspension(ctx context.Context, run *runs.Run, r result, callID, toolName string) {
	meta := run.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[metaPendingCallID] = callID
	meta[metaPendingToolName] = toolName
	meta[metaSuspendedAgentID] = r.agentID
	if run.GroupID != "" {
		meta[metaGroupRound] = r.round
		meta[metaGroupMemberIndex] = r.memberIndex
	}
	if err := s.repo.SetMetadata(ctx, run.ID, meta); err != nil {
		slog.Error("Failed to record suspension metadata", "run_id", run.ID, "error", err)
	}
}

// notifyParent resolves the dependency row when a child run terminates
// and re-enqueues the waiting parent.
func (s *Scheduler) notifyParent(run *runs.Run, status runs.Status, output, errMsg string) {
	if run.ParentRunID == "" {
		return
	}
	ctx := context.Background()

	depStatus := runs.DependencyCompleted
	if status != runs.StatusCompleted {
		depStatus = runs.DependencyFailed
	}
	dep, err := s.tracker.ResolveDependency(ctx, run.ID, depStatus, output, errMsg)
	if err != nil {
		slog.Error("Failed to resolve run dependency",
			"child_run_id", run.ID, "parent_run_id", run.ParentRunID, "error", err)
		return
	}
	if err := s.Enqueue(ctx, dep.ParentRunID); err != nil {
		slog.Error("Failed to re-enqueue parent run",
			"parent_run_id", dep.ParentRunID, "error", err)
	}
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// metaInt tolerates the float64 shape JSON round-trips produce.
func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
