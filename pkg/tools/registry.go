package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/strandworks/strand/pkg/registry"
)

// Entry binds a registered tool to the source that provided it.
type Entry struct {
	Tool       Tool
	Source     Source
	SourceType string
	Name       string
}

// RegistryError reports a tool registry failure.
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func newRegistryError(action, message string, err error) *RegistryError {
	return &RegistryError{Component: "ToolRegistry", Action: action, Message: message, Err: err}
}

// Registry holds every tool known to the engine, keyed by name.
type Registry struct {
	*registry.BaseRegistry[Entry]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Entry]()}
}

// RegisterSource discovers the source's tools and registers each one.
// Name conflicts with already registered tools are skipped with a
// warning so one misbehaving source cannot shadow another.
func (r *Registry) RegisterSource(source Source) error {
	name := source.Name()
	if name == "" {
		return newRegistryError("RegisterSource", "source name cannot be empty", nil)
	}

	if err := source.Discover(context.Background()); err != nil {
		return newRegistryError("RegisterSource",
			fmt.Sprintf("failed to discover tools from source %s", name), err)
	}

	for _, info := range source.List() {
		tool, exists := source.Get(info.Name)
		if !exists {
			continue
		}
		if _, taken := r.BaseRegistry.Get(info.Name); taken {
			slog.Warn("Tool name conflict, skipping", "tool", info.Name, "source", name)
			continue
		}

		entry := Entry{
			Tool:       tool,
			Source:     source,
			SourceType: source.Type(),
			Name:       info.Name,
		}
		if err := r.Register(info.Name, entry); err != nil {
			return newRegistryError("RegisterSource",
				fmt.Sprintf("failed to register tool %s", info.Name), err)
		}
	}
	return nil
}

// GetTool returns the tool by name.
func (r *Registry) GetTool(name string) (Tool, error) {
	entry, exists := r.BaseRegistry.Get(name)
	if !exists {
		return nil, newRegistryError("GetTool", fmt.Sprintf("tool %s not found", name), nil)
	}
	return entry.Tool, nil
}

// ListTools returns every registered tool's info sorted by name.
func (r *Registry) ListTools() []ToolInfo {
	var infos []ToolInfo
	for _, entry := range r.List() {
		info := entry.Tool.Info()
		info.Source = entry.Source.Name()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
