// Package repository provides PostgreSQL persistence for the correlate engine.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/correlate/internal/models"
)

var (
	// ErrIncidentNotFound is returned when an incident does not exist
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrSignalNotFound is returned when a signal does not exist
	ErrSignalNotFound = errors.New("signal not found")

	// ErrWindowAlreadyProcessed is returned when a detection pass finds the
	// checkpoint already at or past its window. The caller skips the window;
	// another runner owns it.
	ErrWindowAlreadyProcessed = errors.New("window already processed")

	// ErrNoUnprocessedSignals is returned when a correlation claim finds
	// nothing left to process.
	ErrNoUnprocessedSignals = errors.New("no unprocessed signals")
)

// EventStore reads the append-only normalized event table and, for the
// seeder, writes demo events into it.
type EventStore interface {
	FetchEvents(ctx context.Context, window models.Window) ([]*models.NormalizedEvent, error)
	InsertEvents(ctx context.Context, events []*models.NormalizedEvent) error
	MaxEventTime(ctx context.Context) (time.Time, error)
}

// FeatureStore persists aggregated features and entity rollups. The write
// methods run inside the aggregation transaction so feature rows, entity stat
// accumulation and the checkpoint advance commit together.
type FeatureStore interface {
	UpsertFeatures(ctx context.Context, tx pgx.Tx, features []*models.Feature) error
	GetFeatures(ctx context.Context, window models.Window, metric string) ([]*models.Feature, error)
	MergeEntityStats(ctx context.Context, tx pgx.Tx, stats []*models.EntityStat) error
	ActiveEntityStats(ctx context.Context, entityType string, since time.Time) ([]*models.EntityStat, error)
}

// CheckpointStore tracks per-job watermarks. AdvanceCheckpoint runs inside
// the caller's transaction so signal writes and the watermark commit together.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, jobName string) (*models.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, tx pgx.Tx, jobName string, windowEnd time.Time) error
}

// SignalStore writes deduplicated signals.
type SignalStore interface {
	InsertSignals(ctx context.Context, tx pgx.Tx, signals []*models.Signal) (inserted int, err error)
	GetSignalByDedupeKey(ctx context.Context, key string) (*models.Signal, error)
	CountUnprocessedSignals(ctx context.Context) (int, error)
}

// IncidentStore manages incidents and evidence links. The claim/attach
// methods run inside a transaction so a signal is never half-correlated.
type IncidentStore interface {
	ClaimNextSignal(ctx context.Context, tx pgx.Tx) (*models.Signal, error)
	FindCandidateIncidents(ctx context.Context, tx pgx.Tx, entities []models.EntityRef, updatedSince, startedSince time.Time) ([]*models.Incident, error)
	InsertIncident(ctx context.Context, tx pgx.Tx, incident *models.Incident) error
	AttachSignal(ctx context.Context, tx pgx.Tx, incidentID string, sig *models.Signal, scoreDelta float64) error
	MarkSignalProcessed(ctx context.Context, tx pgx.Tx, signalID, incidentID string, processedAt time.Time) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListEvidence(ctx context.Context, incidentID string) ([]*models.EvidenceLink, error)
}

// Repository is the full persistence surface used by the engine's jobs.
type Repository interface {
	EventStore
	FeatureStore
	CheckpointStore
	SignalStore
	IncidentStore

	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close() error
}
