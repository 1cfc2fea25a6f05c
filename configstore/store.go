// Package configstore reads source, destination, mapping and job definitions
// from Postgres. Reads return immutable snapshots; the only write the
// pipeline performs is the per-job last-run bookkeeping.
package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/logriverlabs/logriver/model"
)

// ErrNotFound is returned when the requested definition does not exist.
var ErrNotFound = errors.New("configstore: not found")

type Store struct {
	db  *sql.DB
	log logger.Logger
}

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{db: db, log: log.Child("configstore")}
}

// Setup creates the configuration tables if absent.
func (s *Store) Setup(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			filter_expression TEXT NOT NULL DEFAULT '',
			extract_pattern TEXT NOT NULL DEFAULT '',
			config JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS mapping_rules (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL,
			position INT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			static_value TEXT NOT NULL DEFAULT '',
			target_name TEXT NOT NULL,
			role TEXT NOT NULL,
			data_type TEXT NOT NULL,
			is_static BOOLEAN NOT NULL DEFAULT FALSE,
			transform_pattern TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS mapping_rules_source_idx ON mapping_rules (source_id, position)`,
		`CREATE TABLE IF NOT EXISTS destinations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			config JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			destination_type TEXT NOT NULL,
			destination_id TEXT NOT NULL,
			schedule TEXT NOT NULL,
			lookback_minutes INT NOT NULL DEFAULT 5,
			max_lookback_minutes INT NOT NULL DEFAULT 0,
			last_run_at TIMESTAMPTZ,
			last_success_at TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting up config tables: %w", err)
		}
	}
	return nil
}

func (s *Store) GetSource(ctx context.Context, id string) (model.Source, error) {
	var (
		src       model.Source
		rawConfig []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, enabled, filter_expression, config FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.Type, &src.Enabled, &src.FilterExpression, &rawConfig)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("reading source %s: %w", id, err)
	}
	switch src.Type {
	case model.SourceQueryAPI:
		var cfg model.QueryAPIConfig
		if err := jsonrs.Unmarshal(rawConfig, &cfg); err != nil {
			return model.Source{}, fmt.Errorf("decoding source %s config: %w", id, err)
		}
		src.QueryAPI = &cfg
	case model.SourceFile:
		var cfg model.FileConfig
		if err := jsonrs.Unmarshal(rawConfig, &cfg); err != nil {
			return model.Source{}, fmt.Errorf("decoding source %s config: %w", id, err)
		}
		src.File = &cfg
	}
	return src, nil
}

// GetPattern returns the extraction regex configured for a source.
func (s *Store) GetPattern(ctx context.Context, sourceID string) (string, error) {
	var pattern string
	err := s.db.QueryRowContext(ctx,
		`SELECT extract_pattern FROM sources WHERE id = $1`, sourceID,
	).Scan(&pattern)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading pattern of source %s: %w", sourceID, err)
	}
	return pattern, nil
}

func (s *Store) GetMappingRules(ctx context.Context, sourceID string) ([]model.MappingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, static_value, target_name, role, data_type, is_static, transform_pattern
		FROM mapping_rules WHERE source_id = $1 ORDER BY position ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("reading mapping rules of source %s: %w", sourceID, err)
	}
	defer func() { _ = rows.Close() }()
	var rules []model.MappingRule
	for rows.Next() {
		var r model.MappingRule
		if err := rows.Scan(&r.Path, &r.StaticValue, &r.TargetName, &r.Role, &r.DataType, &r.IsStatic, &r.TransformPattern); err != nil {
			return nil, fmt.Errorf("scanning mapping rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) GetDestination(ctx context.Context, id string) (model.Destination, error) {
	var (
		dest      model.Destination
		rawConfig []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, enabled, config FROM destinations WHERE id = $1`, id,
	).Scan(&dest.ID, &dest.Type, &dest.Enabled, &rawConfig)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Destination{}, ErrNotFound
	}
	if err != nil {
		return model.Destination{}, fmt.Errorf("reading destination %s: %w", id, err)
	}
	switch dest.Type {
	case model.DestinationTimeseries:
		var cfg model.TimeseriesDestination
		if err := jsonrs.Unmarshal(rawConfig, &cfg); err != nil {
			return model.Destination{}, fmt.Errorf("decoding destination %s config: %w", id, err)
		}
		cfg.ID = dest.ID
		dest.Timeseries = &cfg
	case model.DestinationRelational:
		var cfg model.RelationalDestination
		if err := jsonrs.Unmarshal(rawConfig, &cfg); err != nil {
			return model.Destination{}, fmt.Errorf("decoding destination %s config: %w", id, err)
		}
		cfg.ID = dest.ID
		dest.Relational = &cfg
	}
	return dest, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) GetJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateLastRun advances the job's last-run marker unconditionally and its
// last-success marker only for successful runs.
func (s *Store) UpdateLastRun(ctx context.Context, jobID string, ranAt time.Time, success bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			last_run_at = $2,
			last_success_at = CASE WHEN $3 THEN $2 ELSE last_success_at END,
			updated_at = NOW()
		WHERE id = $1`, jobID, ranAt, success)
	if err != nil {
		return fmt.Errorf("updating last run of job %s: %w", jobID, err)
	}
	return nil
}

const jobSelect = `SELECT id, source_id, destination_type, destination_id, schedule,
	lookback_minutes, max_lookback_minutes, last_run_at, last_success_at, enabled FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job           model.Job
		lastRunAt     sql.NullTime
		lastSuccessAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.SourceID, &job.DestinationType, &job.DestinationID, &job.Schedule,
		&job.LookbackMinutes, &job.MaxLookbackMinutes, &lastRunAt, &lastSuccessAt, &job.Enabled)
	if err != nil {
		return model.Job{}, err
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		job.LastSuccessAt = &t
	}
	return job, nil
}
