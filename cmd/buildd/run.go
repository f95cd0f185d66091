package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/engine"
	"github.com/fyrsmithlabs/buildd/internal/gates"
	"github.com/fyrsmithlabs/buildd/internal/hooks"
	"github.com/fyrsmithlabs/buildd/internal/ops"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

var strictGates bool

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a planned build to a terminal status",
	Long: `Run parses and validates the plan, then drives it through the agents:
dependency-ordered dispatch, gate validation, one bounded retry per task,
and escalation when automation runs out. State is checkpointed throughout,
so an interrupted or escalated build can be resumed.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <build-id>",
	Short: "Resume a build from its latest checkpoint",
	Long: `Resume restores the build from its most recent checkpoint and continues
it. Use after clearing an escalation: validated work is kept, in-flight and
failed tasks are re-queued, and retry budgets start fresh.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runResume,
}

func init() {
	runCmd.Flags().BoolVar(&strictGates, "strict", false, "also enforce task output contracts")
	resumeCmd.Flags().BoolVar(&strictGates, "strict", false, "also enforce task output contracts")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	doc, err := taskgraph.ParsePlan(data)
	if err != nil {
		return err
	}
	b, err := taskgraph.NewBuild(doc)
	if err != nil {
		return err
	}

	return a.execute(cmd.Context(), func(ctx context.Context, eng *engine.Engine) (*taskgraph.Build, error) {
		return eng.Run(ctx, b)
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.execute(cmd.Context(), func(ctx context.Context, eng *engine.Engine) (*taskgraph.Build, error) {
		return eng.Resume(ctx, args[0])
	})
}

// execute wires the engine and runs one build under signal handling, with
// the ops server alongside when enabled.
func (a *app) execute(parent context.Context, drive func(context.Context, *engine.Engine) (*taskgraph.Build, error)) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hookReg, cost, cleanup, err := a.hookRegistry()
	if err != nil {
		return err
	}
	defer cleanup()

	gs := []gates.Gate{gates.NewOutputGate()}
	if strictGates {
		gs = append(gs, gates.NewContractGate())
	}
	registry := a.agentRegistry()
	eng := engine.New(a.cfg, registry, gates.NewPipeline(gs...), hookReg,
		a.events, a.checkpoints, a.escalations, cost, a.logger)

	if a.cfg.Ops.Enabled {
		srv, err := ops.NewServer(registry, a.checkpoints, a.events, a.escalations, a.logger, a.cfg.Ops)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Warn("ops server stopped", zap.Error(err))
			}
		}()
		defer func() {
			sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sdctx)
		}()
	}

	b, err := drive(ctx, eng)
	if err != nil {
		return err
	}
	return a.report(ctx, b)
}

// report prints the terminal state and returns a non-nil error for any
// outcome short of done, so the exit code reflects the build.
func (a *app) report(ctx context.Context, b *taskgraph.Build) error {
	fmt.Printf("build %s: %s\n", b.ID, b.Status)
	for _, p := range b.Phases {
		fmt.Printf("  phase %-12s %-8s (%d tasks)\n", p.ID, p.Status, len(p.Tasks))
	}
	if b.Status == taskgraph.BuildDone {
		fmt.Printf("retries used: %d\n", b.RetryCount)
		return nil
	}

	rec, err := a.escalations.Latest(ctx, b.ID)
	if err == nil {
		fmt.Printf("reason:          %s\n", rec.Reason)
		if rec.TaskID != "" {
			fmt.Printf("task:            %s\n", rec.TaskID)
		}
		fmt.Printf("last error:      %s\n", rec.LastError)
		fmt.Printf("required action: %s\n", rec.RequiredAction)
	}
	return fmt.Errorf("build %s ended %s", b.ID, b.Status)
}

// hookRegistry constructs every hook from config. All hooks register; the
// engine's flag resolution drops the disabled ones per build. Hooks that
// hold external resources are only constructed when enabled.
func (a *app) hookRegistry() (*hooks.Registry, *hooks.Cost, func(), error) {
	reg := hooks.NewRegistry(a.logger)
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if a.cfg.Hooks.Metrics.Enabled {
		m, err := hooks.NewMetrics(a.cfg.Hooks.Metrics, prometheus.DefaultRegisterer)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("metrics hook: %w", err)
		}
		reg.Register(m, 10, hooks.FlagMetrics)
	}
	if a.cfg.Hooks.Stream.Enabled {
		s, err := hooks.NewStream(a.cfg.Hooks.Stream)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("stream hook: %w", err)
		}
		closers = append(closers, func() { s.Close() })
		reg.Register(s, 20, hooks.FlagStream)
	}
	if a.cfg.Hooks.Watcher.Enabled {
		w, err := hooks.NewWatcher(a.cfg.Hooks.Watcher)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("watcher hook: %w", err)
		}
		reg.Register(w, 30, hooks.FlagWatcher)
	}
	reg.Register(hooks.NewNotify(a.cfg.Hooks.Notify, hooks.LogNotifier{Logger: a.logger}), 40, hooks.FlagNotify)

	cost := hooks.NewCost(a.cfg.Hooks.Cost)
	reg.Register(cost, 50, hooks.FlagCost)
	if !a.cfg.Hooks.Cost.Enabled {
		cost = nil
	}
	return reg, cost, cleanup, nil
}
