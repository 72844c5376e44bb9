package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/policy"
)

// ExecCommandConfig restricts what the exec_command tool may run.
type ExecCommandConfig struct {
	AllowedCommands  []string      `yaml:"allowed_commands" json:"allowed_commands"`
	WorkingDirectory string        `yaml:"working_directory" json:"working_directory"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
}

// SetDefaults fills unset fields.
func (c *ExecCommandConfig) SetDefaults() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = "./"
	}
	if c.MaxExecutionTime == 0 {
		c.MaxExecutionTime = 30 * time.Second
	}
}

// ExecCommandTool runs shell commands. High risk: every call goes
// through the approval gate unless the role explicitly allows it.
type ExecCommandTool struct {
	config ExecCommandConfig
}

type execCommandParams struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run the command in"`
}

func NewExecCommandTool(cfg *ExecCommandConfig) *ExecCommandTool {
	config := ExecCommandConfig{}
	if cfg != nil {
		config = *cfg
	}
	config.SetDefaults()
	return &ExecCommandTool{config: config}
}

func (t *ExecCommandTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "exec_command",
		Description: "Execute a shell command and return its combined output",
		Parameters:  schemaFor[execCommandParams](),
		RiskLevel:   policy.RiskHigh,
		SkillIDs:    []string{"shell"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	params, err := decodeArgs[execCommandParams](args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err), start), nil
	}
	if params.Command == "" {
		return errorResult("command parameter is required", start), nil
	}

	workingDir := params.WorkingDir
	if workingDir == "" {
		workingDir = t.config.WorkingDirectory
	}

	if err := t.validateCommand(params.Command); err != nil {
		return errorResult(err.Error(), start), nil
	}

	if t.config.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.MaxExecutionTime)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", params.Command)
	cmd.Dir = workingDir
	output, err := cmd.CombinedOutput()

	result := Result{
		Content:  string(output),
		Duration: time.Since(start),
		Metadata: map[string]any{
			"command":     params.Command,
			"working_dir": workingDir,
		},
	}
	if err != nil {
		result.IsError = true
		result.Error = err.Error()
		if exitError, ok := err.(*exec.ExitError); ok {
			result.Metadata["exit_code"] = exitError.ExitCode()
		}
	}
	return result, nil
}

// validateCommand enforces the allow-list against the base command of
// each pipeline segment.
func (t *ExecCommandTool) validateCommand(command string) error {
	if len(t.config.AllowedCommands) == 0 {
		return nil
	}

	segments := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	})
	for _, segment := range segments {
		fields := strings.Fields(strings.TrimSpace(segment))
		if len(fields) == 0 {
			continue
		}
		if !t.isAllowed(fields[0]) {
			return fmt.Errorf("command not allowed: %s (allowed: %v)", fields[0], t.config.AllowedCommands)
		}
	}
	return nil
}

func (t *ExecCommandTool) isAllowed(baseCmd string) bool {
	for _, allowed := range t.config.AllowedCommands {
		if baseCmd == allowed {
			return true
		}
	}
	return false
}
