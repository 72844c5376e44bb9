package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandworks/strand/pkg/memory"
)

// LocalConfig selects and parameterizes the builtin tools.
type LocalConfig struct {
	ExecCommand *ExecCommandConfig `yaml:"exec_command" json:"exec_command"`
	WebRequest  *WebRequestConfig  `yaml:"web_request" json:"web_request"`
	// DisabledTools names builtins to leave unregistered.
	DisabledTools []string `yaml:"disabled_tools" json:"disabled_tools"`
}

// LocalSource provides the builtin tools.
type LocalSource struct {
	cfg    LocalConfig
	mem    memory.Service
	skills *SkillCatalog
	roles  RoleDirectory

	mu    sync.RWMutex
	tools map[string]Tool
}

// RoleDirectory lists the roles an escalation may target. The team
// package implements it.
type RoleDirectory interface {
	RoleIDs() []string
	HasRole(id string) bool
}

// NewLocalSource creates the builtin source. mem may be a memory.Noop
// when no retrieval backend is configured; roles may be nil when no
// multi-agent group is configured, which disables agent_escalate.
func NewLocalSource(cfg LocalConfig, mem memory.Service, skills *SkillCatalog, roles RoleDirectory) *LocalSource {
	if mem == nil {
		mem = memory.Noop{}
	}
	return &LocalSource{
		cfg:    cfg,
		mem:    mem,
		skills: skills,
		roles:  roles,
		tools:  make(map[string]Tool),
	}
}

func (s *LocalSource) Name() string { return "local" }

func (s *LocalSource) Type() string { return "local" }

// Discover builds the builtin tool set.
func (s *LocalSource) Discover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	disabled := make(map[string]bool, len(s.cfg.DisabledTools))
	for _, name := range s.cfg.DisabledTools {
		disabled[name] = true
	}

	tools := []Tool{
		NewMemorySearchTool(s.mem),
		NewMemoryWriteTool(s.mem),
		NewExecCommandTool(s.cfg.ExecCommand),
		NewWebRequestTool(s.cfg.WebRequest),
		NewSkillsListTool(s.skills),
		NewSkillsGetTool(s.skills),
	}
	if s.roles != nil {
		tools = append(tools, NewAgentEscalateTool(s.roles))
	}

	s.tools = make(map[string]Tool, len(tools))
	for _, tool := range tools {
		name := tool.Info().Name
		if disabled[name] {
			continue
		}
		if _, dup := s.tools[name]; dup {
			return fmt.Errorf("duplicate builtin tool name: %s", name)
		}
		s.tools[name] = tool
	}
	return nil
}

func (s *LocalSource) List() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(s.tools))
	for _, tool := range s.tools {
		info := tool.Info()
		info.Source = s.Name()
		infos = append(infos, info)
	}
	return infos
}

func (s *LocalSource) Get(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, exists := s.tools[name]
	return tool, exists
}
