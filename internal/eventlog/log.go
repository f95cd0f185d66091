// Package eventlog is the append-only, totally ordered record of every
// state transition in a build. It is the source of truth for audit trails
// and for reconstructing why an escalation happened.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/buildd/internal/eventlog"

// Kind names a recorded transition.
type Kind string

const (
	KindBuildCreated    Kind = "build_created"
	KindBuildStarted    Kind = "build_started"
	KindTaskDispatched  Kind = "task_dispatched"
	KindTaskCompleted   Kind = "task_completed"
	KindTaskFailed      Kind = "task_failed"
	KindTaskRetried     Kind = "task_retried"
	KindTaskValidated   Kind = "task_validated"
	KindTaskStalled     Kind = "task_stalled"
	KindPhasePassed     Kind = "phase_passed"
	KindCheckpointSaved Kind = "checkpoint_saved"
	KindBuildBlocked    Kind = "build_blocked"
	KindBuildEscalated  Kind = "build_escalated"
	KindBuildResumed    Kind = "build_resumed"
	KindBuildComplete   Kind = "build_complete"
)

// Event is one immutable log entry. Sequence numbers are gapless and
// strictly increasing per build.
type Event struct {
	BuildID   string         `json:"build_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log appends and queries events. All appends funnel through one writer
// lock so concurrent in-flight tasks cannot interleave sequence numbers.
type Log struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex // the single-writer serialization point

	tracer        trace.Tracer
	appendCounter metric.Int64Counter
}

// New creates an event log over the shared database.
func New(db *sql.DB, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		db:     db,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	l.appendCounter, err = meter.Int64Counter(
		"buildd.eventlog.appends_total",
		metric.WithDescription("Total events appended"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create append counter", zap.Error(err))
	}
	return l
}

// Append records a transition and returns the stored event with its
// assigned sequence number.
func (l *Log) Append(ctx context.Context, buildID string, kind Kind, payload map[string]any) (*Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("build_id", buildID),
		attribute.String("kind", string(kind)),
	)

	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	ev := &Event{
		BuildID:   buildID,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}

	// The next sequence number is allocated inside the transaction, so it
	// is gapless by construction.
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE build_id = ?`, buildID,
	).Scan(&ev.Seq)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(build_id, seq, ts, kind, payload_json) VALUES (?,?,?,?,?)`,
		ev.BuildID, ev.Seq, ev.Timestamp.Format(time.RFC3339Nano), string(ev.Kind), string(data),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}

	if l.appendCounter != nil {
		l.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
	}
	l.logger.Debug("event appended",
		zap.String("build_id", buildID),
		zap.Int64("seq", ev.Seq),
		zap.String("kind", string(kind)),
	)
	return ev, nil
}

// Query returns every event for the build with seq > sinceSeq, in order.
func (l *Log) Query(ctx context.Context, buildID string, sinceSeq int64) ([]*Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.query")
	defer span.End()
	span.SetAttributes(attribute.String("build_id", buildID))

	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, ts, kind, payload_json FROM events WHERE build_id = ? AND seq > ? ORDER BY seq`,
		buildID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{BuildID: buildID}
		var ts, payload string
		if err := rows.Scan(&ev.Seq, &ts, (*string)(&ev.Kind), &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Last returns the highest sequence number recorded for a build.
func (l *Log) Last(ctx context.Context, buildID string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE build_id = ?`, buildID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}
