// Package policy decides whether an agent may invoke a tool.
//
// Decisions are tri-valued: allow, deny, or ask (human approval). The
// role-level decision follows a fixed precedence; when delegated
// permissions are present the final decision is the intersection of the
// role-level and delegated decisions, with the stricter outcome winning
// (deny > ask > allow).
package policy

import (
	"fmt"
	"strings"

	"github.com/strandworks/strand/pkg/runs"
)

// RiskLevel classifies a tool's blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Kind is the decision outcome.
type Kind string

const (
	Allow Kind = "allow"
	Deny  Kind = "deny"
	Ask   Kind = "ask"
)

// strictness orders outcomes for the delegated intersection.
var strictness = map[Kind]int{Allow: 0, Ask: 1, Deny: 2}

// Decision is the policy outcome with its reason.
type Decision struct {
	Kind   Kind
	Reason string
}

// ToolMeta is the policy-relevant metadata for a tool. A tool may belong
// to several skills; any denying skill wins.
type ToolMeta struct {
	Name      string
	RiskLevel RiskLevel
	SkillIDs  []string
}

// AgentContext is the per-call capability bundle a runner hands to the
// tool router. The router treats it as read-only.
type AgentContext struct {
	AgentID      string
	RoleID       string
	RunID        string
	SessionKey   string
	Scope        runs.Scope
	AllowedTools []string
	DeniedTools  []string
	Delegated    *runs.DelegatedPermissions
}

// alwaysAllowed names discovery-only tools exempt from every gate.
var alwaysAllowed = map[string]bool{
	"skills_list": true,
	"skills_get":  true,
}

// Evaluate computes the decision for one (agent-context, tool-meta) pair.
func Evaluate(agentCtx *AgentContext, meta ToolMeta) Decision {
	role := roleDecision(agentCtx, meta)
	if agentCtx == nil || agentCtx.Delegated == nil {
		return role
	}

	delegated := delegatedDecision(agentCtx.Delegated, meta)
	if strictness[delegated.Kind] > strictness[role.Kind] {
		return delegated
	}
	return role
}

func roleDecision(agentCtx *AgentContext, meta ToolMeta) Decision {
	if alwaysAllowed[meta.Name] {
		return Decision{Kind: Allow, Reason: "discovery tool"}
	}
	// No agent context means no policy to enforce. System-initiated
	// calls run ungated.
	if agentCtx == nil {
		return Decision{Kind: Allow, Reason: "no agent context"}
	}

	for _, denied := range agentCtx.DeniedTools {
		if denied == meta.Name || matchesSkill(denied, meta.SkillIDs) {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("tool %q explicitly denied", meta.Name)}
		}
	}

	if len(agentCtx.AllowedTools) > 0 && !inAllowList(agentCtx.AllowedTools, meta) {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("tool %q not in the allowed list", meta.Name)}
	}

	return riskGate(meta)
}

func riskGate(meta ToolMeta) Decision {
	if meta.RiskLevel == RiskHigh {
		return Decision{Kind: Ask, Reason: fmt.Sprintf("tool %q is high risk", meta.Name)}
	}
	return Decision{Kind: Allow, Reason: "permitted"}
}

// inAllowList accepts the bare tool name, a bare skill id, or a
// skill:-prefixed skill id.
func inAllowList(allowed []string, meta ToolMeta) bool {
	for _, entry := range allowed {
		if entry == meta.Name {
			return true
		}
		for _, skill := range meta.SkillIDs {
			if entry == skill || entry == "skill:"+skill {
				return true
			}
		}
	}
	return false
}

func matchesSkill(entry string, skillIDs []string) bool {
	id, ok := strings.CutPrefix(entry, "skill:")
	if !ok {
		return false
	}
	for _, skill := range skillIDs {
		if skill == id {
			return true
		}
	}
	return false
}

// delegatedDecision evaluates the delegated permission lists. Patterns
// support glob wildcards: * matches within a name segment, ** matches
// across segments.
func delegatedDecision(delegated *runs.DelegatedPermissions, meta ToolMeta) Decision {
	for _, pattern := range delegated.DeniedTools {
		if MatchPattern(pattern, meta.Name) {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("tool %q denied by delegated permissions", meta.Name)}
		}
	}
	if len(delegated.AllowedTools) > 0 {
		for _, pattern := range delegated.AllowedTools {
			if MatchPattern(pattern, meta.Name) {
				return Decision{Kind: Allow, Reason: "permitted by delegation"}
			}
		}
		return Decision{Kind: Deny, Reason: fmt.Sprintf("tool %q not in the delegated allowed list", meta.Name)}
	}
	return Decision{Kind: Allow, Reason: "permitted by delegation"}
}
