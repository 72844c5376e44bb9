// Command strand runs the multi-agent run engine.
//
// Usage:
//
//	strand serve --config strand.yaml
//	strand validate --config strand.yaml
//	strand config --config strand.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/strandworks/strand/pkg/approval"
	"github.com/strandworks/strand/pkg/checkpoint"
	"github.com/strandworks/strand/pkg/config"
	"github.com/strandworks/strand/pkg/databases"
	"github.com/strandworks/strand/pkg/eventbus"
	"github.com/strandworks/strand/pkg/gateway"
	"github.com/strandworks/strand/pkg/logger"
	"github.com/strandworks/strand/pkg/memory"
	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/scheduler"
	"github.com/strandworks/strand/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the run engine and HTTP gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
	Config   ConfigCmd   `cmd:"" help:"Print the effective configuration."`

	ConfigPath string `short:"c" name:"config" help:"Path to config file." type:"path"`
	LogLevel   string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile    string `help:"Log file path (empty = stderr)."`
	LogFormat  string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("strand %s\n", version)
	return nil
}

// ValidateCmd checks the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.NewLoader(config.LoaderOptions{Path: cli.ConfigPath}).Load()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d role(s), %d group(s), %d MCP source(s)\n",
		len(cfg.Roles), len(cfg.Groups), len(cfg.Tools.MCP))
	return nil
}

// ConfigCmd prints the effective configuration after defaults and
// environment overrides.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(cli *CLI) error {
	cfg, err := config.NewLoader(config.LoaderOptions{Path: cli.ConfigPath}).Load()
	if err != nil {
		return err
	}
	raw, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(raw)
	return nil
}

// ServeCmd starts the engine.
type ServeCmd struct {
	Port  int  `help:"Gateway port override."`
	Watch bool `help:"Watch the config file and validate changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	loader := config.NewLoader(config.LoaderOptions{
		Path: cli.ConfigPath,
		OnChange: func(next *config.Config) {
			// Wiring is fixed at startup; a reload validates the file and
			// takes effect on the next restart.
			slog.Info("Configuration file changed; restart to apply",
				"roles", len(next.Roles), "groups", len(next.Groups))
		},
	})
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Gateway.Port = c.Port
	}
	if c.Watch {
		if err := loader.Watch(); err != nil {
			return err
		}
		defer loader.Close()
	}

	db, err := databases.Open(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := runs.NewSQLRepository(db, cfg.Database.Driver)
	if err != nil {
		return err
	}
	bus, err := eventbus.NewSQLBus(db, cfg.Database.Driver)
	if err != nil {
		return err
	}
	defer bus.Close()
	broker, err := approval.NewSQLBroker(db, cfg.Database.Driver)
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewSQLStore(db, cfg.Database.Driver)
	if err != nil {
		return err
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	var mem memory.Service = memory.Noop{}
	if cfg.Memory.Enabled {
		sqlMem, err := memory.NewSQLService(db, cfg.Database.Driver)
		if err != nil {
			return err
		}
		mem = sqlMem
	}

	catalog := tools.NewSkillCatalog()
	for _, skill := range cfg.Tools.Skills {
		if err := catalog.Add(skill); err != nil {
			return fmt.Errorf("skill %q: %w", skill.ID, err)
		}
	}
	registry := tools.NewRegistry()
	router := tools.NewRouter(registry, catalog)

	sched := scheduler.New(cfg.Scheduler, repo, repo, bus, broker, checkpoints, router,
		scheduler.WithMemory(mem),
		scheduler.WithRoles(cfg.Roles...),
		scheduler.WithGroups(cfg.Groups...),
	)

	// The builtin source needs the role directory for escalation targets,
	// which the scheduler provides.
	local := tools.NewLocalSource(cfg.Tools.Local, mem, catalog, sched)
	if err := registry.RegisterSource(local); err != nil {
		return err
	}
	for _, mcpCfg := range cfg.Tools.MCP {
		source, err := tools.NewMCPSource(mcpCfg)
		if err != nil {
			return fmt.Errorf("mcp source %q: %w", mcpCfg.Name, err)
		}
		if err := registry.RegisterSource(source); err != nil {
			return fmt.Errorf("mcp source %q: %w", mcpCfg.Name, err)
		}
	}

	gw, err := gateway.New(cfg.Gateway, sched, repo, bus, broker,
		gateway.WithSpanSink(obs.Spans()))
	if err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()

	fmt.Printf("strand ready on http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("   Runs:      POST /v1/runs\n")
	fmt.Printf("   Approvals: GET  /v1/approvals\n")
	fmt.Printf("   Metrics:   GET  /metrics\n")
	fmt.Printf("   Health:    GET  /healthz\n")

	return gw.Start(ctx)
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("strand"),
		kong.Description("Multi-agent run engine with approval-gated tools."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
