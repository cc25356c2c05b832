package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/correlate/internal/models"
)

// InsertSignals writes signals with idempotent dedupe semantics. A colliding
// dedupe_key is absorbed, not an error; the return value is the number of
// rows actually inserted.
func (r *PostgresRepository) InsertSignals(ctx context.Context, tx pgx.Tx, signals []*models.Signal) (int, error) {
	query := `
		INSERT INTO signal_events (
			id, event_time, window_start, window_end, signal_name,
			entity_type, entity_id, severity, score, dedupe_key, evidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedupe_key) DO NOTHING
	`

	inserted := 0
	for _, s := range signals {
		tag, err := tx.Exec(ctx, query,
			s.ID, s.EventTime, s.WindowStart, s.WindowEnd, s.SignalName,
			s.EntityType, s.EntityID, models.ClampSeverity(s.Severity),
			s.Score, s.DedupeKey, s.Evidence,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert signal: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// GetSignalByDedupeKey returns the signal carrying the given dedupe key.
func (r *PostgresRepository) GetSignalByDedupeKey(ctx context.Context, key string) (*models.Signal, error) {
	query := `
		SELECT id, event_time, window_start, window_end, signal_name,
		       entity_type, entity_id, severity, score, dedupe_key, evidence,
		       processed_at, incident_id
		FROM signal_events
		WHERE dedupe_key = $1
	`

	s := &models.Signal{}
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&s.ID, &s.EventTime, &s.WindowStart, &s.WindowEnd, &s.SignalName,
		&s.EntityType, &s.EntityID, &s.Severity, &s.Score, &s.DedupeKey,
		&s.Evidence, &s.ProcessedAt, &s.IncidentID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSignalNotFound
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}

	return s, nil
}

// CountUnprocessedSignals returns the correlation backlog size.
func (r *PostgresRepository) CountUnprocessedSignals(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM signal_events WHERE processed_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed signals: %w", err)
	}
	return count, nil
}

// ClaimNextSignal locks the oldest unprocessed signal for this transaction.
// SKIP LOCKED lets concurrent correlator workers claim disjoint signals, so
// a signal is assigned to an incident at most once.
func (r *PostgresRepository) ClaimNextSignal(ctx context.Context, tx pgx.Tx) (*models.Signal, error) {
	query := `
		SELECT id, event_time, window_start, window_end, signal_name,
		       entity_type, entity_id, severity, score, dedupe_key, evidence
		FROM signal_events
		WHERE processed_at IS NULL
		ORDER BY event_time ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	s := &models.Signal{}
	err := tx.QueryRow(ctx, query).Scan(
		&s.ID, &s.EventTime, &s.WindowStart, &s.WindowEnd, &s.SignalName,
		&s.EntityType, &s.EntityID, &s.Severity, &s.Score, &s.DedupeKey, &s.Evidence,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoUnprocessedSignals
		}
		return nil, fmt.Errorf("failed to claim signal: %w", err)
	}

	return s, nil
}

// FindCandidateIncidents returns open incidents rooted at any of the given
// entities, recently active and not past the maximum incident age, hottest
// first. The caller takes the first row as the deterministic tie-break.
func (r *PostgresRepository) FindCandidateIncidents(ctx context.Context, tx pgx.Tx, entities []models.EntityRef, updatedSince, startedSince time.Time) ([]*models.Incident, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	types := make([]string, 0, len(entities))
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		types = append(types, e.Type)
		ids = append(ids, e.ID)
	}

	query := `
		SELECT i.id, i.title, i.status, i.severity, i.score,
		       i.root_entity_type, i.root_entity_id,
		       i.start_time, i.end_time, i.last_update_time, i.metadata
		FROM incidents i
		JOIN unnest($1::text[], $2::text[]) AS e(entity_type, entity_id)
		  ON i.root_entity_type = e.entity_type AND i.root_entity_id = e.entity_id
		WHERE i.status IN ('NEW', 'ACTIVE')
		  AND i.last_update_time >= $3
		  AND i.start_time >= $4
		ORDER BY i.last_update_time DESC
		FOR UPDATE OF i
	`

	rows, err := tx.Query(ctx, query, types, ids, updatedSince, startedSince)
	if err != nil {
		return nil, fmt.Errorf("failed to find candidate incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*models.Incident{}
	for rows.Next() {
		i := &models.Incident{}
		if err := rows.Scan(
			&i.ID, &i.Title, &i.Status, &i.Severity, &i.Score,
			&i.RootEntityType, &i.RootEntityID,
			&i.StartTime, &i.EndTime, &i.LastUpdateTime, &i.Metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, i)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return incidents, nil
}

// InsertIncident creates a new incident.
func (r *PostgresRepository) InsertIncident(ctx context.Context, tx pgx.Tx, incident *models.Incident) error {
	query := `
		INSERT INTO incidents (
			id, title, status, severity, score, root_entity_type, root_entity_id,
			start_time, end_time, last_update_time, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := tx.Exec(ctx, query,
		incident.ID, incident.Title, incident.Status,
		models.ClampSeverity(incident.Severity), incident.Score,
		incident.RootEntityType, incident.RootEntityID,
		incident.StartTime, incident.EndTime, incident.LastUpdateTime,
		incident.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	return nil
}

// AttachSignal links a signal to an incident and bumps the incident's score,
// severity and activity times. The evidence link insert is idempotent; the
// score bump only applies when the link is new, so replays cannot inflate
// the score. An incident gaining its second distinct signal moves NEW -> ACTIVE.
func (r *PostgresRepository) AttachSignal(ctx context.Context, tx pgx.Tx, incidentID string, sig *models.Signal, scoreDelta float64) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO incident_evidence (incident_id, signal_id, added_at)
		VALUES ($1, $2, now())
		ON CONFLICT (incident_id, signal_id) DO NOTHING
	`, incidentID, sig.ID)
	if err != nil {
		return fmt.Errorf("failed to insert evidence link: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return nil
	}

	result, err := tx.Exec(ctx, `
		UPDATE incidents SET
			last_update_time = GREATEST(last_update_time, $1),
			end_time         = GREATEST(end_time, $1),
			severity         = GREATEST(severity, $2),
			score            = score + $3,
			status           = CASE
				WHEN status = 'NEW' AND (
					SELECT count(*) FROM incident_evidence WHERE incident_id = $4
				) > 1 THEN 'ACTIVE'
				ELSE status
			END
		WHERE id = $4
	`, sig.EventTime, models.ClampSeverity(sig.Severity), scoreDelta, incidentID)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrIncidentNotFound
	}

	return nil
}

// MarkSignalProcessed stamps a signal with its incident assignment.
func (r *PostgresRepository) MarkSignalProcessed(ctx context.Context, tx pgx.Tx, signalID, incidentID string, processedAt time.Time) error {
	result, err := tx.Exec(ctx, `
		UPDATE signal_events
		SET processed_at = $1, incident_id = $2
		WHERE id = $3 AND processed_at IS NULL
	`, processedAt, incidentID, signalID)
	if err != nil {
		return fmt.Errorf("failed to mark signal processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrSignalNotFound
	}

	return nil
}

// GetIncident retrieves an incident by ID
func (r *PostgresRepository) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	query := `
		SELECT id, title, status, severity, score, root_entity_type, root_entity_id,
		       start_time, end_time, last_update_time, metadata
		FROM incidents
		WHERE id = $1
	`

	i := &models.Incident{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&i.ID, &i.Title, &i.Status, &i.Severity, &i.Score,
		&i.RootEntityType, &i.RootEntityID,
		&i.StartTime, &i.EndTime, &i.LastUpdateTime, &i.Metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return i, nil
}

// ListEvidence returns the evidence links for an incident, newest first.
func (r *PostgresRepository) ListEvidence(ctx context.Context, incidentID string) ([]*models.EvidenceLink, error) {
	query := `
		SELECT incident_id, signal_id, added_at
		FROM incident_evidence
		WHERE incident_id = $1
		ORDER BY added_at DESC
	`

	rows, err := r.pool.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	links := []*models.EvidenceLink{}
	for rows.Next() {
		l := &models.EvidenceLink{}
		if err := rows.Scan(&l.IncidentID, &l.SignalID, &l.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence link: %w", err)
		}
		links = append(links, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return links, nil
}
