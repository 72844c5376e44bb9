package team

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strandworks/strand/pkg/agent"
	"github.com/strandworks/strand/pkg/policy"
	"github.com/strandworks/strand/pkg/protocol"
	"github.com/strandworks/strand/pkg/runs"
)

// finalMarker is the prefix a lead uses to end the discussion early.
// The marker is stripped from the published output.
const finalMarker = "FINAL:"

// Outcome is the result of one orchestrator invocation. Suspensions
// carry the coordinates of the suspended member so resume can re-enter
// the discussion at the same seat.
type Outcome struct {
	Kind        agent.Kind
	Output      string
	Error       *runs.RunError
	Approval    *agent.ApprovalRequest
	Escalation  *agent.ChildRunRequest
	AgentID     string
	Round       int
	MemberIndex int
	TotalTokens int
}

// Resume re-enters a suspended group run at the member that suspended.
type Resume struct {
	Round       int
	MemberIndex int
	Agent       *agent.Resume
}

// Orchestrator drives a group's members in order over bounded rounds.
// All members share one runner; each turn varies the prompt, the agent
// context, and the injected transcript.
type Orchestrator struct {
	runner *agent.Runner
	group  *Group
}

// NewOrchestrator wires the orchestrator for one group.
func NewOrchestrator(runner *agent.Runner, group *Group) *Orchestrator {
	group.SetDefaults()
	return &Orchestrator{runner: runner, group: group}
}

// Group returns the orchestrated group.
func (o *Orchestrator) Group() *Group { return o.group }

// Run drives the discussion. Each member sees the turns taken before
// its own as injected user messages; member events flow through emit
// tagged with the member's agent id. The group produces exactly one
// final output; terminal run events are the caller's to emit.
func (o *Orchestrator) Run(ctx context.Context, run *runs.Run, resume *Resume, emit agent.Emitter) *Outcome {
	startRound, startMember := 0, 0
	if resume != nil {
		startRound, startMember = resume.Round, resume.MemberIndex
	}

	transcript := o.rebuildTranscript(ctx, run, startRound, startMember)
	lastOutput := make(map[string]string, len(o.group.Members))
	totalTokens := 0

	for round := startRound; round < o.group.MaxRounds; round++ {
		firstMember := 0
		if round == startRound {
			firstMember = startMember
		}

		for i := firstMember; i < len(o.group.Members); i++ {
			if ctx.Err() != nil {
				return &Outcome{Kind: agent.KindCancelled, TotalTokens: totalTokens}
			}

			member := o.group.Members[i]
			req := o.memberRequest(run, member, transcript)
			if resume != nil && round == startRound && i == startMember {
				req.Resume = resume.Agent
			}

			out := o.runner.Run(ctx, req, emit)
			totalTokens += out.TotalTokens

			switch out.Kind {
			case agent.KindCancelled:
				return &Outcome{Kind: agent.KindCancelled, TotalTokens: totalTokens}

			case agent.KindFailed:
				return &Outcome{
					Kind:        agent.KindFailed,
					Error:       out.Error,
					AgentID:     member.AgentID,
					Round:       round,
					MemberIndex: i,
					TotalTokens: totalTokens,
				}

			case agent.KindSuspendedApproval, agent.KindSuspendedChild:
				return &Outcome{
					Kind:        out.Kind,
					Approval:    out.Approval,
					Escalation:  out.Escalation,
					AgentID:     member.AgentID,
					Round:       round,
					MemberIndex: i,
					TotalTokens: totalTokens,
				}
			}

			lastOutput[member.Role.ID] = out.Output
			transcript = append(transcript, contributionMessage(member.Role, out.Output))

			if member.Role.Lead {
				if final, ok := cutFinalMarker(out.Output); ok {
					slog.Debug("Lead short-circuited the discussion",
						"run_id", run.ID, "role", member.Role.ID, "round", round)
					return &Outcome{
						Kind:        agent.KindCompleted,
						Output:      final,
						AgentID:     member.AgentID,
						Round:       round,
						MemberIndex: i,
						TotalTokens: totalTokens,
					}
				}
			}
		}
	}

	return &Outcome{
		Kind:        agent.KindCompleted,
		Output:      o.finalAnswer(lastOutput),
		TotalTokens: totalTokens,
	}
}

// memberRequest builds the per-turn runner request: the role's prompt
// with the group roster appended, the role's tool permissions, and the
// delegated narrowing inherited from the run.
func (o *Orchestrator) memberRequest(run *runs.Run, member Member, transcript []*protocol.Message) *agent.Request {
	return &agent.Request{
		RunID:        run.ID,
		AgentID:      member.AgentID,
		SystemPrompt: o.rolePrompt(member.Role),
		Input:        run.Input,
		Transcript:   append([]*protocol.Message(nil), transcript...),
		AgentCtx: &policy.AgentContext{
			AgentID:      member.AgentID,
			RoleID:       member.Role.ID,
			RunID:        run.ID,
			SessionKey:   run.SessionKey,
			Scope:        run.Scope,
			AllowedTools: member.Role.AllowedTools,
			DeniedTools:  member.Role.DeniedTools,
			Delegated:    run.Delegated,
		},
	}
}

// rolePrompt appends the group roster so members know who else is in
// the discussion and who synthesizes.
func (o *Orchestrator) rolePrompt(role Role) string {
	var b strings.Builder
	b.WriteString(role.SystemPrompt)
	b.WriteString("\n\n## Discussion group\n")
	fmt.Fprintf(&b, "You are %q in a turn-based discussion. Members in order:\n", role.Name)
	for _, m := range o.group.Members {
		marker := ""
		if m.Role.Lead {
			marker = " (lead, synthesizes the final answer)"
		}
		fmt.Fprintf(&b, "- %s: %s%s\n", m.Role.Name, m.Role.Description, marker)
	}
	if role.Lead {
		fmt.Fprintf(&b, "\nWhen the discussion has converged, start your answer with %q to publish the final synthesis.\n", finalMarker)
	}
	return b.String()
}

// rebuildTranscript restores prior members' contributions from their
// latest checkpoints so a resumed discussion keeps its history. Members
// whose turn comes at or after the resume point are skipped.
func (o *Orchestrator) rebuildTranscript(ctx context.Context, run *runs.Run, startRound, startMember int) []*protocol.Message {
	if startRound == 0 && startMember == 0 {
		return nil
	}

	var transcript []*protocol.Message
	turns := startRound*len(o.group.Members) + startMember
	for turn := 0; turn < turns; turn++ {
		member := o.group.Members[turn%len(o.group.Members)]
		text, ok := o.lastAssistantText(ctx, run.ID, member.AgentID)
		if !ok {
			continue
		}
		transcript = append(transcript, contributionMessage(member.Role, text))
	}
	return transcript
}

func (o *Orchestrator) lastAssistantText(ctx context.Context, runID, agentID string) (string, bool) {
	snap, err := o.runner.LatestCheckpoint(ctx, runID, agentID)
	if err != nil {
		return "", false
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		msg := snap.Messages[i]
		if msg.Role == protocol.RoleAssistant && !msg.HasToolCalls() && msg.Content != "" {
			return msg.Content, true
		}
	}
	return "", false
}

// finalAnswer picks the lead's latest contribution, or the last
// member's when no lead is flagged.
func (o *Orchestrator) finalAnswer(lastOutput map[string]string) string {
	if lead, ok := o.group.Lead(); ok {
		if out, has := lastOutput[lead.Role.ID]; has {
			stripped, _ := cutFinalMarker(out)
			return stripped
		}
	}
	last := o.group.Members[len(o.group.Members)-1]
	return lastOutput[last.Role.ID]
}

// contributionMessage renders a member's turn for the next member's
// history. Contributions arrive as attributed user messages so every
// provider accepts the alternation.
func contributionMessage(role Role, text string) *protocol.Message {
	return protocol.NewUserMessage(fmt.Sprintf("[%s] %s", role.Name, text))
}

// cutFinalMarker strips the marker prefix, reporting whether it was
// present.
func cutFinalMarker(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(trimmed, finalMarker); ok {
		return strings.TrimSpace(rest), true
	}
	return text, false
}
