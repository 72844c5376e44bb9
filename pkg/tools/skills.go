package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Skill groups related tools under one grantable capability. Role and
// delegated permission lists may reference skills with a skill: prefix
// instead of naming each tool.
type Skill struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Tools       []string `json:"tools" yaml:"tools"`
}

// SkillCatalog is the registry of skills.
type SkillCatalog struct {
	mu     sync.RWMutex
	skills map[string]Skill
	// byTool maps a tool name to the skill ids that include it.
	byTool map[string][]string
}

// NewSkillCatalog creates an empty catalog.
func NewSkillCatalog() *SkillCatalog {
	return &SkillCatalog{
		skills: make(map[string]Skill),
		byTool: make(map[string][]string),
	}
}

// Add registers a skill. Re-adding an id replaces it.
func (c *SkillCatalog) Add(skill Skill) error {
	if skill.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.skills[skill.ID]; exists {
		for _, tool := range old.Tools {
			c.byTool[tool] = removeString(c.byTool[tool], skill.ID)
		}
	}
	c.skills[skill.ID] = skill
	for _, tool := range skill.Tools {
		c.byTool[tool] = append(c.byTool[tool], skill.ID)
	}
	return nil
}

// Get returns a skill by id.
func (c *SkillCatalog) Get(id string) (Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	skill, ok := c.skills[id]
	return skill, ok
}

// List returns all skills sorted by id.
func (c *SkillCatalog) List() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()

	skills := make([]Skill, 0, len(c.skills))
	for _, skill := range c.skills {
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })
	return skills
}

// SkillsFor returns the ids of every skill that includes the tool.
func (c *SkillCatalog) SkillsFor(toolName string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byTool[toolName]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
