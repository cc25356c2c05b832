package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/correlate/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Begin starts a transaction.
func (r *PostgresRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// FetchEvents returns all normalized events with event_time in the half-open
// window, oldest first.
func (r *PostgresRepository) FetchEvents(ctx context.Context, window models.Window) ([]*models.NormalizedEvent, error) {
	query := `
		SELECT id, event_time, vendor, sourcetype, event_kind, host, username,
		       src_ip, dest_ip, rule_id, signature, http_path, http_status,
		       severity, extras
		FROM normalized_events
		WHERE event_time >= $1 AND event_time < $2
		ORDER BY event_time ASC
	`

	rows, err := r.pool.Query(ctx, query, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer rows.Close()

	events := []*models.NormalizedEvent{}
	for rows.Next() {
		e := &models.NormalizedEvent{}
		if err := rows.Scan(
			&e.ID, &e.EventTime, &e.Vendor, &e.SourceType, &e.EventKind,
			&e.Host, &e.Username, &e.SrcIP, &e.DestIP, &e.RuleID,
			&e.Signature, &e.HTTPPath, &e.HTTPStatus, &e.Severity, &e.Extras,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Severity = models.ClampSeverity(e.Severity)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// InsertEvents writes normalized events. Only the seeder uses this; the
// production event stream is owned by the ingest pipeline.
func (r *PostgresRepository) InsertEvents(ctx context.Context, events []*models.NormalizedEvent) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO normalized_events (
			event_time, vendor, sourcetype, event_kind, host, username,
			src_ip, dest_ip, rule_id, signature, http_path, http_status,
			severity, extras
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	for _, e := range events {
		batch.Queue(query,
			e.EventTime, e.Vendor, e.SourceType, e.EventKind, e.Host, e.Username,
			e.SrcIP, e.DestIP, e.RuleID, e.Signature, e.HTTPPath, e.HTTPStatus,
			models.ClampSeverity(e.Severity), e.Extras,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	return nil
}

// MaxEventTime returns the latest event_time in the event table, or the zero
// time when the table is empty.
func (r *PostgresRepository) MaxEventTime(ctx context.Context) (time.Time, error) {
	var max *time.Time
	err := r.pool.QueryRow(ctx, `SELECT max(event_time) FROM normalized_events`).Scan(&max)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get max event time: %w", err)
	}
	if max == nil {
		return time.Time{}, nil
	}
	return *max, nil
}

// UpsertFeatures writes feature rows with overwrite semantics inside the
// caller's transaction. Re-aggregating a window replaces the previous values
// instead of accumulating.
func (r *PostgresRepository) UpsertFeatures(ctx context.Context, tx pgx.Tx, features []*models.Feature) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO features_timeseries (
			bucket_start, bucket_size_seconds, entity_type, entity_id, metric,
			secondary_type, secondary_id, value, sample_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (bucket_start, bucket_size_seconds, metric, entity_type, entity_id, secondary_type, secondary_id)
		DO UPDATE SET value = EXCLUDED.value, sample_count = EXCLUDED.sample_count, updated_at = now()
	`

	for _, f := range features {
		batch.Queue(query,
			f.BucketStart, f.BucketSeconds, f.EntityType, f.EntityID, f.Metric,
			f.SecondaryType, f.SecondaryID, f.Value, f.SampleCount,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range features {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert feature: %w", err)
		}
	}

	return nil
}

// GetFeatures returns feature rows for a metric whose bucket falls inside
// the window.
func (r *PostgresRepository) GetFeatures(ctx context.Context, window models.Window, metric string) ([]*models.Feature, error) {
	query := `
		SELECT bucket_start, bucket_size_seconds, entity_type, entity_id, metric,
		       secondary_type, secondary_id, value, sample_count
		FROM features_timeseries
		WHERE metric = $1 AND bucket_start >= $2 AND bucket_start < $3
		ORDER BY bucket_start ASC, entity_type, entity_id
	`

	rows, err := r.pool.Query(ctx, query, metric, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to get features: %w", err)
	}
	defer rows.Close()

	features := []*models.Feature{}
	for rows.Next() {
		f := &models.Feature{}
		if err := rows.Scan(
			&f.BucketStart, &f.BucketSeconds, &f.EntityType, &f.EntityID,
			&f.Metric, &f.SecondaryType, &f.SecondaryID, &f.Value, &f.SampleCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return features, nil
}

// MergeEntityStats folds per-window entity rollups into the global stats
// inside the caller's transaction. first_seen/last_seen extend outward,
// counters accumulate; because the merge adds, it must only ever run under
// the checkpoint gate that keeps a window from being counted twice.
func (r *PostgresRepository) MergeEntityStats(ctx context.Context, tx pgx.Tx, stats []*models.EntityStat) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO entity_stats (
			entity_type, entity_id, first_seen, last_seen, total_events,
			unique_src_ips, unique_users, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			first_seen     = LEAST(entity_stats.first_seen, EXCLUDED.first_seen),
			last_seen      = GREATEST(entity_stats.last_seen, EXCLUDED.last_seen),
			total_events   = entity_stats.total_events + EXCLUDED.total_events,
			unique_src_ips = GREATEST(entity_stats.unique_src_ips, EXCLUDED.unique_src_ips),
			unique_users   = GREATEST(entity_stats.unique_users, EXCLUDED.unique_users),
			updated_at     = now()
	`

	for _, s := range stats {
		batch.Queue(query,
			s.EntityType, s.EntityID, s.FirstSeen, s.LastSeen,
			s.TotalEvents, s.UniqueSrcIPs, s.UniqueUsers,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range stats {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to merge entity stats: %w", err)
		}
	}

	return nil
}

// ActiveEntityStats returns the rollups for entities seen since the given
// time, ordered by entity id. The silence detector uses this to find hosts
// that were recently active.
func (r *PostgresRepository) ActiveEntityStats(ctx context.Context, entityType string, since time.Time) ([]*models.EntityStat, error) {
	query := `
		SELECT entity_type, entity_id, first_seen, last_seen, total_events,
		       unique_src_ips, unique_users
		FROM entity_stats
		WHERE entity_type = $1 AND last_seen >= $2
		ORDER BY entity_id ASC
	`

	rows, err := r.pool.Query(ctx, query, entityType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity stats: %w", err)
	}
	defer rows.Close()

	stats := []*models.EntityStat{}
	for rows.Next() {
		s := &models.EntityStat{}
		if err := rows.Scan(
			&s.EntityType, &s.EntityID, &s.FirstSeen, &s.LastSeen,
			&s.TotalEvents, &s.UniqueSrcIPs, &s.UniqueUsers,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entity stats: %w", err)
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return stats, nil
}

// GetCheckpoint returns the checkpoint for a job, or nil if the job has
// never run.
func (r *PostgresRepository) GetCheckpoint(ctx context.Context, jobName string) (*models.Checkpoint, error) {
	query := `
		SELECT job_name, last_run_time, last_window_end
		FROM detection_checkpoints
		WHERE job_name = $1
	`

	cp := &models.Checkpoint{}
	err := r.pool.QueryRow(ctx, query, jobName).Scan(&cp.JobName, &cp.LastRunTime, &cp.LastWindowEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return cp, nil
}

// AdvanceCheckpoint moves the job watermark forward inside the caller's
// transaction. The row lock serializes concurrent runners of the same job;
// a runner that finds the watermark already at or past windowEnd gets
// ErrWindowAlreadyProcessed and must skip the window.
func (r *PostgresRepository) AdvanceCheckpoint(ctx context.Context, tx pgx.Tx, jobName string, windowEnd time.Time) error {
	var existing *time.Time
	err := tx.QueryRow(ctx,
		`SELECT last_window_end FROM detection_checkpoints WHERE job_name = $1 FOR UPDATE`,
		jobName,
	).Scan(&existing)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to lock checkpoint: %w", err)
	}

	if existing != nil && !existing.Before(windowEnd) {
		return ErrWindowAlreadyProcessed
	}

	// GREATEST keeps the watermark monotonic even under rerun races.
	_, err = tx.Exec(ctx, `
		INSERT INTO detection_checkpoints (job_name, last_run_time, last_window_end)
		VALUES ($1, now(), $2)
		ON CONFLICT (job_name) DO UPDATE SET
			last_run_time   = now(),
			last_window_end = GREATEST(detection_checkpoints.last_window_end, EXCLUDED.last_window_end)
	`, jobName, windowEnd)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	return nil
}
