package hooks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// FlagMetrics enables the Prometheus metrics hook.
const FlagMetrics = "metrics"

// MetricsConfig configures the metrics hook.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`

	// Namespace prefixes every metric name. Defaults to "buildd".
	Namespace string `koanf:"namespace"`
}

// Metrics counts task and build outcomes on a Prometheus registerer.
type Metrics struct {
	dispatched *prometheus.CounterVec
	validated  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	completed  prometheus.Counter
}

// NewMetrics creates the metrics hook and registers its collectors.
func NewMetrics(cfg MetricsConfig, reg prometheus.Registerer) (*Metrics, error) {
	ns := cfg.Namespace
	if ns == "" {
		ns = "buildd"
	}
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to an agent client, including retries.",
		}, []string{"capability"}),
		validated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tasks_validated_total",
			Help:      "Tasks whose result passed the gate pipeline.",
		}, []string{"capability"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tasks_failed_total",
			Help:      "Task failures routed to the retry controller.",
		}, []string{"capability"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "builds_completed_total",
			Help:      "Builds that reached done.",
		}),
	}
	for _, c := range []prometheus.Collector{m.dispatched, m.validated, m.failed, m.completed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Phases() []Phase {
	return []Phase{PhaseBeforeTask, PhaseAfterTask, PhaseOnTaskError, PhaseBuildComplete}
}

func (m *Metrics) Invoke(ctx context.Context, phase Phase, hctx *Context) error {
	switch phase {
	case PhaseBeforeTask:
		if hctx.Task != nil {
			m.dispatched.WithLabelValues(string(hctx.Task.Capability)).Inc()
		}
	case PhaseAfterTask:
		if hctx.Task != nil {
			m.validated.WithLabelValues(string(hctx.Task.Capability)).Inc()
		}
	case PhaseOnTaskError:
		if hctx.Task != nil {
			m.failed.WithLabelValues(string(hctx.Task.Capability)).Inc()
		}
	case PhaseBuildComplete:
		m.completed.Inc()
	}
	return nil
}
