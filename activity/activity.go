// Package activity records one structured event per job execution. Recording
// is fire-and-forget: the pipeline never depends on it succeeding.
package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Recorder is the activity sink consumed by the pipeline.
type Recorder interface {
	Record(ctx context.Context, jobID string, level Level, message string, processed, failed int, details map[string]any)
}

type Log struct {
	db  *sql.DB
	log logger.Logger
}

func NewLog(db *sql.DB, log logger.Logger) *Log {
	return &Log{db: db, log: log.Child("activity")}
}

// Setup creates the activity table if absent.
func (l *Log) Setup(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS activity_log (
			id UUID PRIMARY KEY,
			job_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			processed_count INT NOT NULL DEFAULT 0,
			failed_count INT NOT NULL DEFAULT 0,
			details JSONB NOT NULL DEFAULT '{}',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS activity_log_job_idx ON activity_log (job_id, recorded_at)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting up activity table: %w", err)
		}
	}
	return nil
}

// Record persists one event. Failures are logged and swallowed.
func (l *Log) Record(ctx context.Context, jobID string, level Level, message string, processed, failed int, details map[string]any) {
	detailsJSON := []byte(`{}`)
	if len(details) > 0 {
		if b, err := jsonrs.Marshal(details); err == nil {
			detailsJSON = b
		}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, job_id, level, message, processed_count, failed_count, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), jobID, string(level), message, processed, failed, detailsJSON, time.Now().UTC())
	if err != nil {
		l.log.Errorn("failed to record activity event",
			logger.NewStringField("jobId", jobID),
			logger.NewStringField("level", string(level)),
			obskit.Error(err))
	}
}
