// Package team drives group runs: an ordered set of role-bound agents
// takes turns over a shared discussion transcript until the lead
// produces a final synthesis or the round budget runs out.
package team

import (
	"fmt"
)

// DefaultMaxRounds bounds the discussion when the group does not
// override it.
const DefaultMaxRounds = 3

// Role describes one seat in a group: its prompt and tool permissions.
type Role struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`
	DeniedTools  []string `json:"denied_tools" yaml:"denied_tools"`
	// Lead marks the synthesizing role. A lead's final marker ends the
	// discussion early.
	Lead bool `json:"lead" yaml:"lead"`
}

// SetDefaults fills derivable role fields.
func (r *Role) SetDefaults() {
	if r.Name == "" {
		r.Name = r.ID
	}
}

// Validate checks the role is usable.
func (r *Role) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("role id is required")
	}
	return nil
}

// Member binds a role to an agent instance within one group.
type Member struct {
	Role    Role   `json:"role" yaml:"role"`
	AgentID string `json:"agent_id" yaml:"agent_id"`
}

// Group is an ordered list of members plus the round budget.
type Group struct {
	ID        string   `json:"id" yaml:"id"`
	Members   []Member `json:"members" yaml:"members"`
	MaxRounds int      `json:"max_rounds" yaml:"max_rounds"`
}

// SetDefaults fills derivable group fields. Members without an agent id
// get one derived from the group and role.
func (g *Group) SetDefaults() {
	if g.MaxRounds <= 0 {
		g.MaxRounds = DefaultMaxRounds
	}
	for i := range g.Members {
		g.Members[i].Role.SetDefaults()
		if g.Members[i].AgentID == "" {
			g.Members[i].AgentID = g.ID + ":" + g.Members[i].Role.ID
		}
	}
}

// Validate checks the group shape: at least one member, unique agent
// ids, at most one lead.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if len(g.Members) == 0 {
		return fmt.Errorf("group %q has no members", g.ID)
	}

	seen := make(map[string]bool, len(g.Members))
	leads := 0
	for i := range g.Members {
		m := &g.Members[i]
		if err := m.Role.Validate(); err != nil {
			return fmt.Errorf("group %q member %d: %w", g.ID, i, err)
		}
		if seen[m.AgentID] {
			return fmt.Errorf("group %q has duplicate agent id %q", g.ID, m.AgentID)
		}
		seen[m.AgentID] = true
		if m.Role.Lead {
			leads++
		}
	}
	if leads > 1 {
		return fmt.Errorf("group %q has %d lead roles, at most one allowed", g.ID, leads)
	}
	return nil
}

// Lead returns the synthesizing member, if one is flagged.
func (g *Group) Lead() (Member, bool) {
	for _, m := range g.Members {
		if m.Role.Lead {
			return m, true
		}
	}
	return Member{}, false
}

// RoleIDs lists the group's role ids in member order.
func (g *Group) RoleIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.Role.ID)
	}
	return ids
}

// HasRole reports whether a role id belongs to the group.
func (g *Group) HasRole(id string) bool {
	for _, m := range g.Members {
		if m.Role.ID == id {
			return true
		}
	}
	return false
}
