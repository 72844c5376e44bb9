// Package tools provides the tool registry, builtin tools, external MCP
// sources, and the router that gates every invocation behind policy.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/strandworks/strand/pkg/policy"
)

// ToolInfo describes a tool to the model and to policy. Parameters is a
// JSON Schema object.
type ToolInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	RiskLevel   policy.RiskLevel `json:"risk_level,omitempty"`
	SkillIDs    []string         `json:"skill_ids,omitempty"`
	Source      string           `json:"source,omitempty"`
}

// PolicyMeta converts the info to its policy view.
func (i ToolInfo) PolicyMeta() policy.ToolMeta {
	return policy.ToolMeta{
		Name:      i.Name,
		RiskLevel: i.RiskLevel,
		SkillIDs:  i.SkillIDs,
	}
}

// Result is the outcome of one tool execution. Tool failures are carried
// as IsError results, not Go errors.
type Result struct {
	Content  string         `json:"content,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// Tool is one invocable capability.
type Tool interface {
	Info() ToolInfo
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Source provides a set of tools (local builtins or an external server).
type Source interface {
	Name() string
	Type() string
	Discover(ctx context.Context) error
	List() []ToolInfo
	Get(name string) (Tool, bool)
}

// schemaFor reflects a JSON Schema object from a parameter struct.
func schemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// decodeArgs maps loosely typed model arguments onto a parameter struct.
func decodeArgs[T any](args map[string]any) (T, error) {
	var params T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &params,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return params, err
	}
	return params, decoder.Decode(args)
}
