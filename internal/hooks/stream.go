package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// FlagStream enables the NATS event-stream hook.
const FlagStream = "stream"

// StreamConfig configures the event-stream hook.
type StreamConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server address. Defaults to nats.DefaultURL.
	URL string `koanf:"url"`

	// SubjectPrefix prefixes the published subject. Defaults to "buildd".
	SubjectPrefix string `koanf:"subject_prefix"`
}

// StreamEvent is the wire shape published per lifecycle phase.
type StreamEvent struct {
	BuildID   string    `json:"build_id"`
	Phase     string    `json:"phase"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream publishes lifecycle transitions to a NATS subject so external
// consumers can follow builds without polling the event log.
type Stream struct {
	nc     *nats.Conn
	prefix string
}

// NewStream connects to NATS and returns the hook.
func NewStream(cfg StreamConfig) (*Stream, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("buildd-stream"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewStreamWithConn(cfg, nc), nil
}

// NewStreamWithConn wraps an existing connection, used by tests with an
// embedded server.
func NewStreamWithConn(cfg StreamConfig, nc *nats.Conn) *Stream {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "buildd"
	}
	return &Stream{nc: nc, prefix: prefix}
}

func (s *Stream) Name() string { return "stream" }

func (s *Stream) Phases() []Phase {
	return []Phase{PhaseBeforeBuild, PhaseAfterTask, PhaseOnTaskError, PhaseOnHandoff, PhaseBuildComplete}
}

func (s *Stream) Invoke(ctx context.Context, phase Phase, hctx *Context) error {
	ev := StreamEvent{
		Phase:     string(phase),
		Timestamp: time.Now().UTC(),
	}
	if hctx.Build != nil {
		ev.BuildID = hctx.Build.ID
	}
	if hctx.Task != nil {
		ev.TaskID = hctx.Task.ID
	}
	if hctx.Err != nil {
		ev.Error = hctx.Err.Error()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	subject := fmt.Sprintf("%s.builds.%s.%s", s.prefix, ev.BuildID, phase)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (s *Stream) Close() error {
	return s.nc.Drain()
}
