// Package checkpoint provides durable snapshot and restore of build state.
// Checkpoints are immutable and schema-versioned: older snapshots stay
// loadable through migrate-on-read, never rewritten in place.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

const instrumentationName = "github.com/fyrsmithlabs/buildd/internal/checkpoint"

// SchemaVersion is written into every new checkpoint envelope.
const SchemaVersion = 2

// ErrNotFound is returned when no checkpoint matches.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint pairs a restored build with its snapshot metadata.
type Checkpoint struct {
	ID            string           `json:"id"`
	BuildID       string           `json:"build_id"`
	SchemaVersion int              `json:"schema_version"`
	CreatedAt     time.Time        `json:"created_at"`
	Build         *taskgraph.Build `json:"build"`
}

// envelope is the persisted record layout. SchemaVersion is decoded before
// anything else so older layouts can be routed to their migration.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Build         json.RawMessage `json:"build"`
}

// RetentionPolicy bounds stored checkpoints per build. The most recent
// checkpoint is always kept regardless of the limit.
type RetentionPolicy struct {
	MaxPerBuild int `koanf:"max_per_build"`
}

// DefaultRetention keeps the latest 20 checkpoints per build.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{MaxPerBuild: 20}
}

// Store saves and restores build snapshots.
type Store struct {
	db        *sql.DB
	logger    *zap.Logger
	retention RetentionPolicy

	tracer         trace.Tracer
	saveCounter    metric.Int64Counter
	restoreCounter metric.Int64Counter
}

// NewStore creates a checkpoint store over the shared database.
func NewStore(db *sql.DB, retention RetentionPolicy, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention.MaxPerBuild <= 0 {
		retention = DefaultRetention()
	}
	s := &Store{
		db:        db,
		logger:    logger,
		retention: retention,
		tracer:    otel.Tracer(instrumentationName),
	}
	s.initMetrics()
	return s
}

func (s *Store) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	s.saveCounter, err = meter.Int64Counter(
		"buildd.checkpoint.saves_total",
		metric.WithDescription("Total checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}
	s.restoreCounter, err = meter.Int64Counter(
		"buildd.checkpoint.restores_total",
		metric.WithDescription("Total checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

// Save snapshots the build and returns the checkpoint id. The build is
// deep-copied before serialization so later mutations never leak in.
func (s *Store) Save(ctx context.Context, b *taskgraph.Build) (string, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(attribute.String("build_id", b.ID))

	state, err := json.Marshal(envelopeFor(b.Clone()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	id := uuid.New().String()
	createdAt := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(id, build_id, schema_version, created_at, state_json) VALUES (?,?,?,?,?)`,
		id, b.ID, SchemaVersion, createdAt.Format(time.RFC3339Nano), string(state),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := s.pruneBuild(ctx, b.ID); err != nil {
		s.logger.Warn("checkpoint prune failed", zap.String("build_id", b.ID), zap.Error(err))
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}
	s.logger.Info("saved checkpoint",
		zap.String("id", id),
		zap.String("build_id", b.ID),
	)
	span.SetAttributes(attribute.String("checkpoint_id", id))
	return id, nil
}

func envelopeFor(b *taskgraph.Build) map[string]any {
	return map[string]any{
		"schema_version": SchemaVersion,
		"build":          b,
	}
}

// Restore loads a checkpoint by id and reproduces the build value it held.
func (s *Store) Restore(ctx context.Context, checkpointID string) (*taskgraph.Build, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", checkpointID))

	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE id = ?`, checkpointID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	b, err := decode([]byte(state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}
	return b, nil
}

// Latest returns the most recent checkpoint for a build, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, buildID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()
	span.SetAttributes(attribute.String("build_id", buildID))

	var (
		id, createdAt, state string
		version              int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, schema_version, created_at, state_json FROM checkpoints
		 WHERE build_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, buildID,
	).Scan(&id, &version, &createdAt, &state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: build %s", ErrNotFound, buildID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}

	b, err := decode([]byte(state))
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}
	return &Checkpoint{
		ID:            id,
		BuildID:       buildID,
		SchemaVersion: version,
		CreatedAt:     ts,
		Build:         b,
	}, nil
}

// List returns checkpoint metadata for a build, newest first. Build state
// is not decoded; use Restore for that.
func (s *Store) List(ctx context.Context, buildID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schema_version, created_at FROM checkpoints
		 WHERE build_id = ? ORDER BY created_at DESC, rowid DESC`, buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{BuildID: buildID}
		var createdAt string
		if err := rows.Scan(&cp.ID, &cp.SchemaVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Prune applies the retention policy across every build in the store.
func (s *Store) Prune(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT build_id FROM checkpoints`)
	if err != nil {
		return fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		builds = append(builds, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range builds {
		if err := s.pruneBuild(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// pruneBuild deletes everything past the newest MaxPerBuild checkpoints.
func (s *Store) pruneBuild(ctx context.Context, buildID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE build_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE build_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`,
		buildID, buildID, s.retention.MaxPerBuild,
	)
	return err
}

// decode reads the schema version before anything else, then routes the
// payload through the migration for its version.
func decode(data []byte) (*taskgraph.Build, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint envelope: %w", err)
	}
	if env.SchemaVersion < 1 || env.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("unsupported checkpoint schema version %d", env.SchemaVersion)
	}

	var b taskgraph.Build
	if err := json.Unmarshal(env.Build, &b); err != nil {
		return nil, fmt.Errorf("decode checkpoint build: %w", err)
	}
	migrate(&b, env.SchemaVersion)
	return &b, nil
}

// migrate upgrades a decoded build from an older schema in memory. Unknown
// fields were already dropped by decoding; missing fields get defaults.
func migrate(b *taskgraph.Build, from int) {
	if from < 2 {
		// v1 predates the escalation level and per-phase failure counter.
		if b.EscalationLevel == "" {
			b.EscalationLevel = taskgraph.EscalationNone
		}
		for _, p := range b.Phases {
			if p.Status == "" {
				p.Status = taskgraph.PhasePending
			}
		}
	}
}
