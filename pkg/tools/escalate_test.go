package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/policy"
)

type staticRoles []string

func (r staticRoles) RoleIDs() []string { return r }

func (r staticRoles) HasRole(id string) bool {
	for _, role := range r {
		if role == id {
			return true
		}
	}
	return false
}

func TestEscalateDeclaresMediumRisk(t *testing.T) {
	info := NewAgentEscalateTool(staticRoles{"helper"}).Info()
	assert.Equal(t, "agent_escalate", info.Name)
	assert.Equal(t, policy.RiskMedium, info.RiskLevel)
}

func TestEscalateRequiresRoleAndInput(t *testing.T) {
	tool := NewAgentEscalateTool(staticRoles{"helper"})

	result, err := tool.Execute(context.Background(), map[string]any{"role": "helper"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "required")
}

func TestEscalateRejectsUnknownRole(t *testing.T) {
	tool := NewAgentEscalateTool(staticRoles{"helper", "reviewer"})

	result, err := tool.Execute(context.Background(), map[string]any{
		"role": "nonexistent", "input": "do the thing",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "unknown role")
	assert.Contains(t, result.Error, "helper, reviewer")
}

func TestEscalateReturnsEscalationError(t *testing.T) {
	tool := NewAgentEscalateTool(staticRoles{"helper"})

	_, err := tool.Execute(context.Background(), map[string]any{
		"role": "helper", "input": "count the apples",
	})
	var escalation *EscalationError
	require.True(t, errors.As(err, &escalation))
	assert.Equal(t, "helper", escalation.TargetRole)
	assert.Equal(t, "count the apples", escalation.Input)
}
