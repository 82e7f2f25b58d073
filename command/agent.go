// Package command holds the mitchellh/cli subcommands the teacher's own
// agent/operator command tree uses as its shape: one struct per
// subcommand implementing cli.Command, wired together in cmd/coordinator.
package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/framepipe/coordinator/internal/catalog"
	"github.com/framepipe/coordinator/internal/config"
	"github.com/framepipe/coordinator/internal/ingest"
	"github.com/framepipe/coordinator/internal/master"
	"github.com/framepipe/coordinator/internal/storage"
	"github.com/framepipe/coordinator/internal/telemetry"
)

// AgentCommand runs the coordinator process in the foreground, the
// long-running counterpart to the teacher's "agent" subcommand.
type AgentCommand struct {
	UI ConsoleUI
}

func (c *AgentCommand) Help() string {
	return strings.TrimSpace(`
Usage: coordinator agent [options]

  Runs the coordinator's RPC and HTTP control surface in the foreground
  until interrupted.

Options:

  -config=<path>    Path to an HCL configuration file.
`)
}

func (c *AgentCommand) Synopsis() string { return "Runs the coordinator agent" }

func (c *AgentCommand) Run(args []string) int {
	var configPath string
	flags := newFlagSet("agent")
	flags.StringVar(&configPath, "config", "", "path to an HCL configuration file")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadHCL(configPath)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error loading config: %v", err))
			return 1
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	level := hclog.LevelFromString(cfg.LogLevel)
	log := hclog.New(&hclog.LoggerOptions{
		Name: "coordinator", Level: level, JSONFormat: cfg.LogJSON,
	})

	backend, err := storage.Open(cfg.StorageConfig, cfg.DBPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error opening storage: %v", err))
		return 1
	}
	cat, err := catalog.Open(backend, cfg.PrefetchTableMetadata)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error opening catalog: %v", err))
		return 1
	}

	metricsHandler, err := telemetry.Setup(log, "coordinator")
	if err != nil {
		c.UI.Error(fmt.Sprintf("error setting up telemetry: %v", err))
		return 1
	}

	m, err := master.New(cfg, log, cat, ingest.NullProber{}, metricsHandler)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error constructing master: %v", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := m.Serve(ctx); err != nil {
		c.UI.Error(fmt.Sprintf("agent exited with error: %v", err))
		return 1
	}
	return 0
}
