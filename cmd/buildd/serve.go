package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/ops"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator endpoints without running a build",
	Long: `Serve exposes build status, event logs, escalation records, and agent
health over HTTP, backed by the workspace database. Useful for inspecting
finished or escalated builds from dashboards.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := ops.NewServer(a.agentRegistry(), a.checkpoints, a.events, a.escalations, a.logger, a.cfg.Ops)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sdctx); err != nil {
		a.logger.Warn("shutdown failed", zap.Error(err))
	}
	return nil
}
