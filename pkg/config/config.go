// Package config loads and validates the engine configuration.
//
// Configuration comes from a YAML file layered under STRAND_*
// environment overrides. ${VAR} references inside the file are expanded
// from the environment (with ${VAR:-default} fallbacks) before parsing;
// a .env file is folded into the environment first when present.
package config

import (
	"fmt"

	"github.com/strandworks/strand/pkg/databases"
	"github.com/strandworks/strand/pkg/gateway"
	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/scheduler"
	"github.com/strandworks/strand/pkg/team"
	"github.com/strandworks/strand/pkg/tools"
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug | info | warn | error
	Format string `yaml:"format" json:"format"` // simple | verbose
	File   string `yaml:"file" json:"file"`     // empty logs to stderr
}

// SetDefaults fills unset fields.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// MemoryConfig toggles the retrieval backend.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// ToolsConfig assembles the tool surface: builtins, skills, and
// external MCP servers.
type ToolsConfig struct {
	Local  tools.LocalConfig `yaml:"local" json:"local"`
	Skills []tools.Skill     `yaml:"skills" json:"skills"`
	MCP    []tools.MCPConfig `yaml:"mcp" json:"mcp"`
}

// Config is the full engine configuration.
type Config struct {
	Database      databases.Config     `yaml:"database" json:"database"`
	Scheduler     scheduler.Config     `yaml:"scheduler" json:"scheduler"`
	Gateway       gateway.Config       `yaml:"gateway" json:"gateway"`
	Observability observability.Config `yaml:"observability" json:"observability"`
	Logging       LoggingConfig        `yaml:"logging" json:"logging"`
	Memory        MemoryConfig         `yaml:"memory" json:"memory"`
	Tools         ToolsConfig          `yaml:"tools" json:"tools"`
	Roles         []team.Role          `yaml:"roles" json:"roles"`
	Groups        []*team.Group        `yaml:"groups" json:"groups"`
}

// SetDefaults fills unset fields recursively.
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Gateway.SetDefaults()
	c.Logging.SetDefaults()
	for i := range c.Roles {
		c.Roles[i].SetDefaults()
	}
	for _, g := range c.Groups {
		g.SetDefaults()
	}
	for i := range c.Tools.MCP {
		c.Tools.MCP[i].SetDefaults()
	}
}

// Validate checks the configuration is usable. Defaults must be applied
// first.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	roleIDs := make(map[string]bool, len(c.Roles))
	for i := range c.Roles {
		if err := c.Roles[i].Validate(); err != nil {
			return fmt.Errorf("role %q: %w", c.Roles[i].ID, err)
		}
		if roleIDs[c.Roles[i].ID] {
			return fmt.Errorf("duplicate role id %q", c.Roles[i].ID)
		}
		roleIDs[c.Roles[i].ID] = true
	}

	groupIDs := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("group %q: %w", g.ID, err)
		}
		if groupIDs[g.ID] {
			return fmt.Errorf("duplicate group id %q", g.ID)
		}
		groupIDs[g.ID] = true
	}

	for i := range c.Tools.MCP {
		if err := c.Tools.MCP[i].Validate(); err != nil {
			return fmt.Errorf("mcp source %q: %w", c.Tools.MCP[i].Name, err)
		}
	}
	return nil
}
