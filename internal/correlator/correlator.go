// Package correlator groups unprocessed signals into incidents by entity and
// time proximity.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/correlate/internal/config"
	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/metrics"
	"github.com/telhawk-systems/correlate/internal/models"
	"github.com/telhawk-systems/correlate/internal/repository"
)

// JobName identifies the correlation job.
const JobName = "correlate_signals"

// scoreCap bounds how much a single signal can add to an incident's score.
const scoreCap = 50.0

// Notifier receives incident lifecycle events after they commit. Both calls
// are best-effort; delivery failures never roll back correlation.
type Notifier interface {
	IncidentCreated(ctx context.Context, incident *models.Incident)
	IncidentUpdated(ctx context.Context, incident *models.Incident)
}

// MultiNotifier fans incident events out to several notifiers.
type MultiNotifier []Notifier

// IncidentCreated forwards to every notifier.
func (m MultiNotifier) IncidentCreated(ctx context.Context, incident *models.Incident) {
	for _, n := range m {
		n.IncidentCreated(ctx, incident)
	}
}

// IncidentUpdated forwards to every notifier.
func (m MultiNotifier) IncidentUpdated(ctx context.Context, incident *models.Incident) {
	for _, n := range m {
		n.IncidentUpdated(ctx, incident)
	}
}

// Correlator assigns signals to incidents.
type Correlator struct {
	repo     repository.Repository
	cfg      config.CorrelationConfig
	notifier Notifier
	log      *logging.Logger
}

// New creates a Correlator. notifier may be nil.
func New(repo repository.Repository, cfg config.CorrelationConfig, notifier Notifier, log *logging.Logger) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Minute
	}
	if cfg.MaxIncidentAge <= 0 {
		cfg.MaxIncidentAge = 4 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Correlator{
		repo:     repo,
		cfg:      cfg,
		notifier: notifier,
		log:      log.WithJob(JobName),
	}
}

// Run correlates up to the configured batch of unprocessed signals, oldest
// first. Each signal is claimed, assigned and marked processed in its own
// transaction, so a crash mid-batch leaves no half-correlated signal and
// concurrent workers never double-assign.
func (c *Correlator) Run(ctx context.Context) (int, error) {
	processed := 0
	for processed < c.cfg.BatchSize {
		done, err := c.correlateOne(ctx)
		if err != nil {
			return processed, err
		}
		if done {
			break
		}
		processed++
	}

	if processed > 0 {
		c.log.Info("correlation pass complete", "signals", processed)
	}
	return processed, nil
}

// correlateOne claims and correlates a single signal. It reports done=true
// when no unprocessed signals remain.
func (c *Correlator) correlateOne(ctx context.Context) (bool, error) {
	tx, err := c.repo.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sig, err := c.repo.ClaimNextSignal(ctx, tx)
	if err != nil {
		if errors.Is(err, repository.ErrNoUnprocessedSignals) {
			return true, nil
		}
		return false, err
	}

	entities := c.candidateEntities(sig)
	updatedSince := sig.EventTime.Add(-c.cfg.Window)
	startedSince := sig.EventTime.Add(-c.cfg.MaxIncidentAge)

	candidates, err := c.repo.FindCandidateIncidents(ctx, tx, entities, updatedSince, startedSince)
	if err != nil {
		return false, err
	}

	var incidentID string
	created := false

	// Candidates arrive hottest-first; the first open one is the
	// deterministic tie-break. Two matching incidents are never merged.
	var target *models.Incident
	for _, cand := range candidates {
		if cand.IsOpen() {
			target = cand
			break
		}
	}

	if target != nil {
		incidentID = target.ID
		if err := c.repo.AttachSignal(ctx, tx, incidentID, sig, min(sig.Score, scoreCap)); err != nil {
			return false, err
		}
	} else {
		incident, err := c.newIncident(sig)
		if err != nil {
			return false, err
		}
		incidentID = incident.ID
		created = true
		if err := c.repo.InsertIncident(ctx, tx, incident); err != nil {
			return false, err
		}
		if err := c.repo.AttachSignal(ctx, tx, incidentID, sig, 0); err != nil {
			return false, err
		}
	}

	if err := c.repo.MarkSignalProcessed(ctx, tx, sig.ID, incidentID, time.Now().UTC()); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit correlation: %w", err)
	}

	metrics.SignalsCorrelated.Inc()
	if created {
		metrics.IncidentsCreated.Inc()
	} else {
		metrics.IncidentsUpdated.Inc()
	}

	c.notify(ctx, incidentID, created)

	c.log.Debug("signal correlated",
		"signal", sig.SignalName, "entity_type", sig.EntityType,
		"entity_id", sig.EntityID, "incident_id", incidentID, "created", created)
	return false, nil
}

// candidateEntities returns the entities an open incident may be rooted at
// for this signal: the signal's own entity plus any related entity reachable
// through the configured adjacency rules and the signal's evidence.
func (c *Correlator) candidateEntities(sig *models.Signal) []models.EntityRef {
	entities := []models.EntityRef{{Type: sig.EntityType, ID: sig.EntityID}}

	for _, rule := range c.cfg.RelatedEntity {
		if rule.SignalEntityType != sig.EntityType {
			continue
		}
		value, ok := sig.Evidence[rule.EvidenceField].(string)
		if !ok || value == "" {
			continue
		}
		entities = append(entities, models.EntityRef{Type: rule.IncidentEntityType, ID: value})
	}

	return entities
}

func (c *Correlator) newIncident(sig *models.Signal) (*models.Incident, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate incident id: %w", err)
	}

	return &models.Incident{
		ID:             id.String(),
		Title:          fmt.Sprintf("%s on %s", sig.SignalName, sig.EntityID),
		Status:         models.IncidentStatusNew,
		Severity:       models.ClampSeverity(sig.Severity),
		Score:          min(sig.Score, scoreCap),
		RootEntityType: sig.EntityType,
		RootEntityID:   sig.EntityID,
		StartTime:      sig.WindowStart,
		EndTime:        sig.WindowEnd,
		LastUpdateTime: sig.EventTime,
		Metadata: map[string]interface{}{
			"first_signal": sig.SignalName,
		},
	}, nil
}

// notify reloads the committed incident and hands it to the notifier.
func (c *Correlator) notify(ctx context.Context, incidentID string, created bool) {
	if c.notifier == nil {
		return
	}

	incident, err := c.repo.GetIncident(ctx, incidentID)
	if err != nil {
		c.log.Warn("failed to load incident for notification", "incident_id", incidentID, "error", err)
		return
	}

	if created {
		c.notifier.IncidentCreated(ctx, incident)
	} else {
		c.notifier.IncidentUpdated(ctx, incident)
	}
}
