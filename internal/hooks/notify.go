package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FlagNotify enables the operator notification hook.
const FlagNotify = "notify"

// NotifyConfig configures the notification hook.
type NotifyConfig struct {
	Enabled bool `koanf:"enabled"`

	// OnTaskError also notifies on individual task failures, not just
	// terminal build transitions.
	OnTaskError bool `koanf:"on_task_error"`
}

// Notifier delivers a message to an operator. Implementations may post to
// chat, desktop notifications, or anything else.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// LogNotifier writes notifications to the log. The default sink.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, title, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification", zap.String("title", title), zap.String("body", body))
	return nil
}

// Notify surfaces build completion and failures to an operator.
type Notify struct {
	cfg  NotifyConfig
	sink Notifier
}

// NewNotify creates the notification hook with the given sink.
func NewNotify(cfg NotifyConfig, sink Notifier) *Notify {
	if sink == nil {
		sink = LogNotifier{}
	}
	return &Notify{cfg: cfg, sink: sink}
}

func (n *Notify) Name() string { return "notify" }

func (n *Notify) Phases() []Phase {
	return []Phase{PhaseOnTaskError, PhaseBuildComplete}
}

func (n *Notify) Invoke(ctx context.Context, phase Phase, hctx *Context) error {
	switch phase {
	case PhaseBuildComplete:
		if hctx.Build == nil {
			return nil
		}
		return n.sink.Notify(ctx,
			fmt.Sprintf("build %s: %s", hctx.Build.ID, hctx.Build.Status),
			hctx.Build.Title)
	case PhaseOnTaskError:
		if !n.cfg.OnTaskError || hctx.Task == nil {
			return nil
		}
		body := ""
		if hctx.Err != nil {
			body = hctx.Err.Error()
		}
		return n.sink.Notify(ctx, fmt.Sprintf("task %s failed", hctx.Task.ID), body)
	}
	return nil
}
