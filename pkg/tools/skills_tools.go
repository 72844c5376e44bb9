package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/policy"
)

// SkillsListTool enumerates the skill catalog. Discovery tools are
// always allowed by policy so agents can learn what they could ask for.
type SkillsListTool struct {
	catalog *SkillCatalog
}

type skillsListParams struct{}

func NewSkillsListTool(catalog *SkillCatalog) *SkillsListTool {
	return &SkillsListTool{catalog: catalog}
}

func (t *SkillsListTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "skills_list",
		Description: "List the available skills and what they cover",
		Parameters:  schemaFor[skillsListParams](),
		RiskLevel:   policy.RiskLow,
	}
}

func (t *SkillsListTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	skills := t.catalog.List()
	if len(skills) == 0 {
		return Result{Content: "No skills registered.", Duration: time.Since(start)}, nil
	}

	var sb strings.Builder
	for _, skill := range skills {
		fmt.Fprintf(&sb, "- %s: %s\n", skill.ID, skill.Description)
	}
	return Result{Content: sb.String(), Duration: time.Since(start)}, nil
}

// SkillsGetTool returns the detail of one skill, including its tools.
type SkillsGetTool struct {
	catalog *SkillCatalog
}

type skillsGetParams struct {
	ID string `json:"id" jsonschema:"required,description=Skill id to look up"`
}

func NewSkillsGetTool(catalog *SkillCatalog) *SkillsGetTool {
	return &SkillsGetTool{catalog: catalog}
}

func (t *SkillsGetTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "skills_get",
		Description: "Get the detail of a skill, including the tools it grants",
		Parameters:  schemaFor[skillsGetParams](),
		RiskLevel:   policy.RiskLow,
	}
}

func (t *SkillsGetTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	params, err := decodeArgs[skillsGetParams](args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err), start), nil
	}
	skill, ok := t.catalog.Get(params.ID)
	if !ok {
		return errorResult(fmt.Sprintf("skill %q not found", params.ID), start), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n%s\nTools: %s\n",
		skill.Name, skill.ID, skill.Description, strings.Join(skill.Tools, ", "))
	return Result{Content: sb.String(), Duration: time.Since(start)}, nil
}
