// Buildd orchestrates multi-agent builds: it resolves a plan's task graph,
// dispatches tasks to capability-registered agents, validates results
// through gates, and escalates to an operator when automation runs out.
//
// Usage:
//
//	# Validate a plan without running it
//	buildd validate plan.yaml
//
//	# Run a plan to a terminal status
//	buildd run plan.yaml
//
//	# Resume an escalated build after clearing the escalation
//	buildd resume <build-id>
//
//	# Inspect a build
//	buildd events <build-id>
//	buildd escalations <build-id>
//	buildd checkpoints <build-id>
//
// Configuration comes from buildd.yaml and BUILDD_* environment variables.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/checkpoint"
	"github.com/fyrsmithlabs/buildd/internal/config"
	"github.com/fyrsmithlabs/buildd/internal/eventlog"
	"github.com/fyrsmithlabs/buildd/internal/logging"
	"github.com/fyrsmithlabs/buildd/internal/retry"
	"github.com/fyrsmithlabs/buildd/internal/storage"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

// version is set via ldflags during release builds.
var version = "dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "buildd",
	Short:   "Multi-agent build orchestrator",
	Version: version,
	Long: `buildd runs a planned build through capability-specific agents with
gate validation, bounded retries, durable checkpoints, and an append-only
event log.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "buildd.yaml", "path to the config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(escalationsCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(serveCmd)
}

// app bundles the wired stores every subcommand needs.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	db          *sql.DB
	events      *eventlog.Log
	checkpoints *checkpoint.Store
	escalations *retry.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	db, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		events:      eventlog.New(db, logger),
		checkpoints: checkpoint.NewStore(db, cfg.Checkpoint, logger),
		escalations: retry.NewStore(db, logger),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.logger.Sync()
}

// agentRegistry builds the capability roster from config. With no agents
// configured the roster is the scriptable fake, which runs every task to a
// canned success. Useful for exercising a plan end to end.
func (a *app) agentRegistry() *agent.Registry {
	registry := agent.NewRegistry()
	if len(a.cfg.Agents) == 0 {
		a.logger.Warn("no agents configured, running in simulation mode")
		fake := agent.NewFakeClient()
		for _, capability := range taskgraph.AllCapabilities() {
			registry.Register(capability, fake)
		}
		return registry
	}
	for capability, url := range a.cfg.Agents {
		registry.Register(taskgraph.Capability(capability), agent.NewHTTPClient(url, 10*time.Second))
	}
	return registry
}
