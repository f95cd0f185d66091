package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoEscalation is returned when a build has no escalation on record.
var ErrNoEscalation = errors.New("no escalation recorded for build")

// Store persists escalation records so operators can read them after the
// orchestrator exits.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore creates an escalation store over the shared database.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Save writes an escalation record.
func (s *Store) Save(ctx context.Context, rec *EscalationRecord) error {
	var taskID any
	if rec.TaskID != "" {
		taskID = rec.TaskID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations(id, build_id, task_id, reason, last_error, required_action, ts)
		 VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.BuildID, taskID, string(rec.Reason), rec.LastError, rec.RequiredAction,
		rec.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	s.logger.Info("escalation recorded",
		zap.String("build_id", rec.BuildID),
		zap.String("escalation_id", rec.ID),
		zap.String("reason", string(rec.Reason)),
	)
	return nil
}

// Latest returns the most recent escalation for a build, or ErrNoEscalation.
func (s *Store) Latest(ctx context.Context, buildID string) (*EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, build_id, task_id, reason, last_error, required_action, ts
		 FROM escalations WHERE build_id = ? ORDER BY ts DESC, rowid DESC LIMIT 1`,
		buildID,
	)
	rec, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEscalation
	}
	return rec, err
}

// ByBuild returns every escalation recorded for a build, oldest first.
func (s *Store) ByBuild(ctx context.Context, buildID string) ([]*EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, build_id, task_id, reason, last_error, required_action, ts
		 FROM escalations WHERE build_id = ? ORDER BY ts, rowid`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var records []*EscalationRecord
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*EscalationRecord, error) {
	rec := &EscalationRecord{}
	var taskID sql.NullString
	var reason, ts string
	if err := row.Scan(&rec.ID, &rec.BuildID, &taskID, &reason, &rec.LastError, &rec.RequiredAction, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	rec.TaskID = taskID.String
	rec.Reason = Reason(reason)
	var err error
	rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse escalation timestamp: %w", err)
	}
	return rec, nil
}
