// Package aggregator buckets normalized events into fixed-size time windows
// and upserts one feature row per (entity, metric, window).
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/metrics"
	"github.com/telhawk-systems/correlate/internal/models"
	"github.com/telhawk-systems/correlate/internal/repository"
)

// JobName identifies the aggregation job in the checkpoint table.
const JobName = "features_rollup"

// Aggregator computes windowed features from the normalized event stream.
type Aggregator struct {
	repo            repository.Repository
	metricDefs      []Metric
	windowSize      time.Duration
	allowedLateness time.Duration
	lookback        time.Duration
	log             *logging.Logger
}

// Config holds aggregation policy.
type Config struct {
	WindowSize      time.Duration
	AllowedLateness time.Duration
	Lookback        time.Duration
	Metrics         []Metric
}

// New creates an Aggregator.
func New(repo repository.Repository, cfg Config, log *logging.Logger) *Aggregator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5 * time.Minute
	}
	if cfg.AllowedLateness < 0 {
		cfg.AllowedLateness = 0
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = DefaultMetrics()
	}
	return &Aggregator{
		repo:            repo,
		metricDefs:      cfg.Metrics,
		windowSize:      cfg.WindowSize,
		allowedLateness: cfg.AllowedLateness,
		lookback:        cfg.Lookback,
		log:             log.WithJob(JobName),
	}
}

// Run aggregates every closed window between the job checkpoint and
// now - allowed_lateness. Windows still inside the lateness horizon wait for
// the next run; late events arriving after a window closes are a known loss.
func (a *Aggregator) Run(ctx context.Context, now time.Time) error {
	horizon := models.Truncate(now.Add(-a.allowedLateness), a.windowSize)

	next, err := a.nextWindowStart(ctx, now)
	if err != nil {
		return err
	}

	processed := 0
	for !next.Add(a.windowSize).After(horizon) {
		window := models.Window{Start: next, End: next.Add(a.windowSize)}
		if err := a.AggregateWindow(ctx, window); err != nil {
			if errors.Is(err, repository.ErrWindowAlreadyProcessed) {
				metrics.CheckpointSkips.WithLabelValues(JobName).Inc()
				a.log.Info("window claimed by another runner, skipping",
					"window_start", window.Start, "window_end", window.End)
				next = window.End
				continue
			}
			return fmt.Errorf("aggregate window [%s, %s): %w", window.Start, window.End, err)
		}
		processed++
		next = window.End
	}

	if processed > 0 {
		a.log.Info("aggregation pass complete", "windows", processed, "horizon", horizon)
	}
	return nil
}

// AggregateWindow computes and upserts all features for one closed window and
// advances the checkpoint, all in one transaction. The checkpoint gate runs
// first: a window another runner already owns writes nothing at all. Feature
// upserts overwrite, but entity stats accumulate, so they must never land
// without the checkpoint advance that prevents the window from being replayed.
func (a *Aggregator) AggregateWindow(ctx context.Context, window models.Window) error {
	events, err := a.repo.FetchEvents(ctx, window)
	if err != nil {
		return err
	}

	features := Compute(events, a.metricDefs, window)
	stats := ComputeEntityStats(events)

	tx, err := a.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := a.repo.AdvanceCheckpoint(ctx, tx, JobName, window.End); err != nil {
		return err
	}

	if len(features) > 0 {
		if err := a.repo.UpsertFeatures(ctx, tx, features); err != nil {
			return err
		}
	}
	if len(stats) > 0 {
		if err := a.repo.MergeEntityStats(ctx, tx, stats); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit aggregation: %w", err)
	}

	for _, f := range features {
		metrics.FeaturesWritten.WithLabelValues(f.Metric).Inc()
	}
	metrics.WindowsAggregated.Inc()
	metrics.CheckpointAdvances.WithLabelValues(JobName).Inc()
	a.log.WithWindow(window.Start, window.End).Debug("window aggregated",
		"events", len(events), "features", len(features))
	return nil
}

// nextWindowStart resolves where aggregation resumes: the checkpoint when one
// exists, otherwise lookback behind now. Reprocessing after checkpoint loss
// is safe because feature writes overwrite.
func (a *Aggregator) nextWindowStart(ctx context.Context, now time.Time) (time.Time, error) {
	cp, err := a.repo.GetCheckpoint(ctx, JobName)
	if err != nil {
		return time.Time{}, err
	}
	if cp != nil {
		return models.Truncate(cp.LastWindowEnd, a.windowSize), nil
	}
	return models.Truncate(now.Add(-a.lookback), a.windowSize), nil
}

type groupKey struct {
	entityID    string
	secondaryID string
}

type groupAgg struct {
	count     int64
	sum       float64
	numerator int64
}

// Compute aggregates a window's events into feature rows. It is a pure
// function of its inputs: the same events and definitions always produce the
// same rows, which is what makes window re-aggregation idempotent.
func Compute(events []*models.NormalizedEvent, defs []Metric, window models.Window) []*models.Feature {
	features := []*models.Feature{}

	for _, def := range defs {
		groups := map[groupKey]*groupAgg{}

		for _, e := range events {
			if !window.Contains(e.EventTime) {
				continue
			}
			if !def.Filter.Matches(e) {
				continue
			}

			entityID := entityValue(e, def.EntityField)
			if entityID == "" {
				if def.SkipEmptyEntity {
					continue
				}
				entityID = "(none)"
			}

			secondaryID := ""
			if def.SecondaryField != "" {
				secondaryID = entityValue(e, def.SecondaryField)
				if secondaryID == "" {
					continue
				}
			}

			key := groupKey{entityID: entityID, secondaryID: secondaryID}
			agg := groups[key]
			if agg == nil {
				agg = &groupAgg{}
				groups[key] = agg
			}

			agg.count++
			if def.Agg == AggSum {
				agg.sum += numericValue(e, def.ValueField)
			}
			if def.Agg == AggRate && def.Numerator != nil && def.Numerator.Matches(e) {
				agg.numerator++
			}
		}

		keys := make([]groupKey, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].entityID != keys[j].entityID {
				return keys[i].entityID < keys[j].entityID
			}
			return keys[i].secondaryID < keys[j].secondaryID
		})

		for _, k := range keys {
			agg := groups[k]
			var value float64
			switch def.Agg {
			case AggSum:
				value = agg.sum
			case AggRate:
				value = float64(agg.numerator) / float64(agg.count)
			default:
				value = float64(agg.count)
			}

			secondaryType := ""
			if k.secondaryID != "" {
				secondaryType = def.SecondaryType
			}

			features = append(features, &models.Feature{
				BucketStart:   window.Start,
				BucketSeconds: int(window.Size().Seconds()),
				EntityType:    def.EntityType,
				EntityID:      k.entityID,
				Metric:        def.Name,
				SecondaryType: secondaryType,
				SecondaryID:   k.secondaryID,
				Value:         value,
				SampleCount:   agg.count,
			})
		}
	}

	return features
}

// ComputeEntityStats builds per-host rollups for the window's events. The
// repository merges them into the global entity_stats table.
func ComputeEntityStats(events []*models.NormalizedEvent) []*models.EntityStat {
	type hostAgg struct {
		first, last time.Time
		total       int64
		srcIPs      map[string]struct{}
		users       map[string]struct{}
	}

	hosts := map[string]*hostAgg{}
	for _, e := range events {
		host := e.Host
		if host == "" {
			host = "(none)"
		}
		agg := hosts[host]
		if agg == nil {
			agg = &hostAgg{
				first:  e.EventTime,
				last:   e.EventTime,
				srcIPs: map[string]struct{}{},
				users:  map[string]struct{}{},
			}
			hosts[host] = agg
		}
		if e.EventTime.Before(agg.first) {
			agg.first = e.EventTime
		}
		if e.EventTime.After(agg.last) {
			agg.last = e.EventTime
		}
		agg.total++
		if e.SrcIP != "" {
			agg.srcIPs[e.SrcIP] = struct{}{}
		}
		if e.Username != "" {
			agg.users[e.Username] = struct{}{}
		}
	}

	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make([]*models.EntityStat, 0, len(names))
	for _, name := range names {
		agg := hosts[name]
		stats = append(stats, &models.EntityStat{
			EntityType:   "host",
			EntityID:     name,
			FirstSeen:    agg.first,
			LastSeen:     agg.last,
			TotalEvents:  agg.total,
			UniqueSrcIPs: int64(len(agg.srcIPs)),
			UniqueUsers:  int64(len(agg.users)),
		})
	}

	return stats
}
