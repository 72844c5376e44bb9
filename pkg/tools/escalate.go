package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/policy"
)

// AgentEscalateTool lets an agent hand its task to another role. The
// tool never runs anything itself: it validates the target and returns
// an EscalationError that the router turns into a child-run suspension.
type AgentEscalateTool struct {
	roles RoleDirectory
}

type agentEscalateParams struct {
	Role  string `json:"role" jsonschema:"required,description=Role id of the agent to escalate to"`
	Input string `json:"input" jsonschema:"required,description=Task description for the target agent"`
}

func NewAgentEscalateTool(roles RoleDirectory) *AgentEscalateTool {
	return &AgentEscalateTool{roles: roles}
}

func (t *AgentEscalateTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "agent_escalate",
		Description: "Delegate the current task to a more capable agent role and wait for its result",
		Parameters:  schemaFor[agentEscalateParams](),
		RiskLevel:   policy.RiskMedium,
	}
}

func (t *AgentEscalateTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	params, err := decodeArgs[agentEscalateParams](args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err), start), nil
	}
	if params.Role == "" || params.Input == "" {
		return errorResult("role and input parameters are required", start), nil
	}
	if !t.roles.HasRole(params.Role) {
		return errorResult(fmt.Sprintf("unknown role %q (available: %s)",
			params.Role, strings.Join(t.roles.RoleIDs(), ", ")), start), nil
	}

	return Result{}, &EscalationError{TargetRole: params.Role, Input: params.Input}
}
