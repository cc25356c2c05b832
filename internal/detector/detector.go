// Package detector evaluates aggregated features against rolling baselines
// and raw events against signature rules, emitting deduplicated signals.
package detector

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/correlate/internal/baseline"
	"github.com/telhawk-systems/correlate/internal/config"
	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/metrics"
	"github.com/telhawk-systems/correlate/internal/models"
	"github.com/telhawk-systems/correlate/internal/repository"
)

// JobName identifies the detection job in the checkpoint table.
const JobName = "detections_main"

// Detector runs threshold, signature and silence detection over closed
// windows.
type Detector struct {
	repo            repository.Repository
	baselines       *baseline.Store
	thresholds      map[string]config.MetricThreshold
	severity        config.SeverityConfig
	silence         config.SilenceConfig
	rules           []Rule
	windowSize      time.Duration
	allowedLateness time.Duration
	lookback        time.Duration
	log             *logging.Logger
}

// Config holds detection policy.
type Config struct {
	WindowSize      time.Duration
	AllowedLateness time.Duration
	Lookback        time.Duration
	Thresholds      map[string]config.MetricThreshold
	Severity        config.SeverityConfig
	Silence         config.SilenceConfig
	Rules           []Rule
}

// New creates a Detector.
func New(repo repository.Repository, baselines *baseline.Store, cfg Config, log *logging.Logger) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = config.DefaultThresholds()
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	return &Detector{
		repo:            repo,
		baselines:       baselines,
		thresholds:      cfg.Thresholds,
		severity:        cfg.Severity,
		silence:         cfg.Silence,
		rules:           cfg.Rules,
		windowSize:      cfg.WindowSize,
		allowedLateness: cfg.AllowedLateness,
		lookback:        cfg.Lookback,
		log:             log.WithJob(JobName),
	}
}

// Run processes every closed window between the job checkpoint and
// now - allowed_lateness. Each window's signals commit in one transaction
// with the checkpoint advance: either both land or the window is retried on
// the next run, which is safe because signal inserts dedupe.
func (d *Detector) Run(ctx context.Context, now time.Time) error {
	horizon := models.Truncate(now.Add(-d.allowedLateness), d.windowSize)

	next, err := d.nextWindowStart(ctx, now)
	if err != nil {
		return err
	}

	for !next.Add(d.windowSize).After(horizon) {
		window := models.Window{Start: next, End: next.Add(d.windowSize)}
		if err := d.DetectWindow(ctx, window); err != nil {
			if errors.Is(err, repository.ErrWindowAlreadyProcessed) {
				metrics.CheckpointSkips.WithLabelValues(JobName).Inc()
				d.log.Info("window claimed by another runner, skipping",
					"window_start", window.Start, "window_end", window.End)
				next = window.End
				continue
			}
			return fmt.Errorf("detect window [%s, %s): %w", window.Start, window.End, err)
		}
		next = window.End
	}

	return nil
}

// DetectWindow evaluates one closed window and commits its signals together
// with the checkpoint advance. Baseline folds happen only after the commit:
// a window that rolls back, or is claimed by another runner, leaves the
// baselines untouched and reruns from the same state.
func (d *Detector) DetectWindow(ctx context.Context, window models.Window) error {
	wlog := d.log.WithWindow(window.Start, window.End)

	signals, folds, err := d.detect(ctx, window)
	if err != nil {
		return err
	}

	tx, err := d.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	if len(signals) > 0 {
		inserted, err = d.repo.InsertSignals(ctx, tx, signals)
		if err != nil {
			return err
		}
	}

	if err := d.repo.AdvanceCheckpoint(ctx, tx, JobName, window.End); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit detection: %w", err)
	}

	d.foldBaselines(ctx, window, folds)

	deduped := len(signals) - inserted
	if deduped > 0 {
		metrics.SignalsDeduped.Add(float64(deduped))
	}
	for _, s := range signals {
		metrics.SignalsEmitted.WithLabelValues(s.SignalName).Inc()
	}
	metrics.CheckpointAdvances.WithLabelValues(JobName).Inc()

	wlog.Info("detection window complete",
		"signals", len(signals), "inserted", inserted, "deduped", deduped)
	return nil
}

// Detect evaluates one window and returns the signals it produces, without
// writing anything. Threshold detection scores features against the rolling
// baseline; signature detection promotes matching raw events; silence
// detection reports hosts that stopped reporting. All produce the same
// Signal shape with a deterministic dedupe key. Running Detect twice on the
// same window yields the same dedupe keys and leaves no state behind.
func (d *Detector) Detect(ctx context.Context, window models.Window) ([]*models.Signal, error) {
	signals, _, err := d.detect(ctx, window)
	return signals, err
}

// foldSample is one window value waiting to be folded into its baseline.
type foldSample struct {
	entityType string
	entityID   string
	metric     string
	value      float64
}

func (d *Detector) detect(ctx context.Context, window models.Window) ([]*models.Signal, []foldSample, error) {
	signals := []*models.Signal{}

	thresholdSignals, folds, err := d.detectThresholds(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	signals = append(signals, thresholdSignals...)

	signatureSignals, err := d.detectSignatures(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	signals = append(signals, signatureSignals...)

	silentSignals, err := d.detectSilentHosts(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	signals = append(signals, silentSignals...)

	return signals, folds, nil
}

// foldBaselines records the window's values after the signals committed. The
// store skips windows it has already folded, so a rerun whose commit raced
// another runner cannot double-count a sample.
func (d *Detector) foldBaselines(ctx context.Context, window models.Window, folds []foldSample) {
	for _, f := range folds {
		if _, err := d.baselines.Update(ctx, f.entityType, f.entityID, f.metric, f.value, window.Start); err != nil {
			d.log.Warn("baseline update failed",
				"metric", f.metric, "entity_id", f.entityID, "error", err)
		}
	}
}

func (d *Detector) detectThresholds(ctx context.Context, window models.Window) ([]*models.Signal, []foldSample, error) {
	if d.baselines == nil || !d.baselines.IsEnabled() {
		return nil, nil, nil
	}

	names := make([]string, 0, len(d.thresholds))
	for name := range d.thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	signals := []*models.Signal{}
	folds := []foldSample{}
	for _, metric := range names {
		th := d.thresholds[metric]

		features, err := d.repo.GetFeatures(ctx, window, metric)
		if err != nil {
			return nil, nil, err
		}

		for _, f := range features {
			// Drill-down rows are evidence detail, not scoring targets.
			if f.SecondaryID != "" {
				continue
			}

			stat, err := d.baselines.Get(ctx, f.EntityType, f.EntityID, metric)
			if err != nil {
				// Data error on one entity skips that entity, not the window.
				d.log.Warn("baseline read failed, skipping entity",
					"metric", metric, "entity_type", f.EntityType,
					"entity_id", f.EntityID, "error", err)
				continue
			}

			// Score against the history before this window so a spike
			// cannot mask itself; the fold happens after the window commits.
			if d.baselines.Ready(stat) && f.Value >= th.MinValue {
				var score float64
				switch th.Scheme {
				case "pct_over":
					score = d.baselines.PctOverBaseline(stat, f.Value)
				default:
					score = d.baselines.ZScore(stat, f.Value)
				}

				if score > th.Threshold {
					signals = append(signals, d.buildThresholdSignal(metric, f, stat, th, score, window))
				}
			} else if !d.baselines.Ready(stat) {
				metrics.BaselineSkips.Inc()
			}

			folds = append(folds, foldSample{
				entityType: f.EntityType,
				entityID:   f.EntityID,
				metric:     metric,
				value:      f.Value,
			})
		}
	}

	return signals, folds, nil
}

func (d *Detector) buildThresholdSignal(metric string, f *models.Feature, stat *baseline.Stat, th config.MetricThreshold, score float64, window models.Window) *models.Signal {
	name := metric + "_spike"
	return &models.Signal{
		ID:          uuid.NewString(),
		EventTime:   window.End,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		SignalName:  name,
		EntityType:  f.EntityType,
		EntityID:    f.EntityID,
		Severity:    d.mapSeverity(score),
		Score:       score,
		DedupeKey:   DedupeKey(name, f.EntityType, f.EntityID, window),
		Evidence: map[string]interface{}{
			"metric":        metric,
			"value":         f.Value,
			"baseline_mean": stat.Mean,
			"baseline_std":  stat.StdDev,
			"samples":       len(stat.Samples),
			"scheme":        th.Scheme,
			"threshold":     th.Threshold,
		},
	}
}

func (d *Detector) detectSignatures(ctx context.Context, window models.Window) ([]*models.Signal, error) {
	events, err := d.repo.FetchEvents(ctx, window)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	type matchKey struct {
		rule     string
		entType  string
		entID    string
	}
	type matchAgg struct {
		count    int64
		severity int
		last     *models.NormalizedEvent
	}

	matches := map[matchKey]*matchAgg{}
	order := []matchKey{}

	for _, e := range events {
		for _, rule := range d.rules {
			if !rule.Matches(e) {
				continue
			}

			entType, entID := signalEntity(e)
			if entID == "" || entID == "unknown" {
				continue
			}

			key := matchKey{rule: rule.Name, entType: entType, entID: entID}
			agg := matches[key]
			if agg == nil {
				agg = &matchAgg{severity: rule.Severity}
				matches[key] = agg
				order = append(order, key)
			}
			agg.count++
			agg.last = e
			if e.Severity > agg.severity {
				agg.severity = e.Severity
			}
		}
	}

	signals := make([]*models.Signal, 0, len(order))
	for _, key := range order {
		agg := matches[key]
		signals = append(signals, &models.Signal{
			ID:          uuid.NewString(),
			EventTime:   agg.last.EventTime,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			SignalName:  key.rule,
			EntityType:  key.entType,
			EntityID:    key.entID,
			Severity:    models.ClampSeverity(agg.severity),
			Score:       10.0, // base score for an explicit signature match
			DedupeKey:   DedupeKey(key.rule, key.entType, key.entID, window),
			Evidence: map[string]interface{}{
				"rule_id":     agg.last.RuleID,
				"signature":   agg.last.Signature,
				"vendor":      agg.last.Vendor,
				"src_ip":      agg.last.SrcIP,
				"dest_ip":     agg.last.DestIP,
				"host":        agg.last.Host,
				"event_count": agg.count,
			},
		})
	}

	return signals, nil
}

// SilentHostSignal names the detection for a host that stopped reporting.
const SilentHostSignal = "agent_silent"

// detectSilentHosts finds hosts that were active within the activity window
// but have sent nothing for at least the silence threshold. An agent going
// quiet is a signal in its own right: a crashed forwarder, a dead host, or a
// log pipeline someone turned off.
func (d *Detector) detectSilentHosts(ctx context.Context, window models.Window) ([]*models.Signal, error) {
	if !d.silence.Enabled || d.silence.After <= 0 {
		return nil, nil
	}

	activeSince := window.End.Add(-d.silence.ActivityWindow)
	stats, err := d.repo.ActiveEntityStats(ctx, "host", activeSince)
	if err != nil {
		return nil, err
	}

	signals := []*models.Signal{}
	for _, st := range stats {
		if st.EntityID == "" || st.EntityID == "(none)" {
			continue
		}

		silentFor := window.End.Sub(st.LastSeen)
		if silentFor < d.silence.After {
			continue
		}

		signals = append(signals, &models.Signal{
			ID:          uuid.NewString(),
			EventTime:   window.End,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			SignalName:  SilentHostSignal,
			EntityType:  "host",
			EntityID:    st.EntityID,
			Severity:    3,
			Score:       10.0,
			DedupeKey:   DedupeKey(SilentHostSignal, "host", st.EntityID, window),
			Evidence: map[string]interface{}{
				"last_seen":      st.LastSeen,
				"silent_minutes": int64(silentFor.Minutes()),
				"total_events":   st.TotalEvents,
			},
		})
	}

	return signals, nil
}

// signalEntity picks the entity a signature signal is rooted at: the source
// IP for network IDS events, otherwise the host.
func signalEntity(e *models.NormalizedEvent) (string, string) {
	if e.EventKind == "ids" && e.SrcIP != "" {
		return "ip", e.SrcIP
	}
	return "host", e.Host
}

// mapSeverity converts a detection score onto the 0-15 ordinal scale using
// the configured breakpoints.
func (d *Detector) mapSeverity(score float64) int {
	switch {
	case d.severity.CriticalThreshold > 0 && score >= d.severity.CriticalThreshold:
		return 13
	case d.severity.HighThreshold > 0 && score >= d.severity.HighThreshold:
		return 10
	case d.severity.MedThreshold > 0 && score >= d.severity.MedThreshold:
		return 7
	case d.severity.LowThreshold > 0 && score >= d.severity.LowThreshold:
		return 4
	default:
		return 2
	}
}

// DedupeKey builds the deterministic identifier that makes signal emission
// idempotent: the same logical occurrence always hashes to the same key.
func DedupeKey(signalName, entityType, entityID string, window models.Window) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s",
		signalName, entityType, entityID,
		window.Start.UTC().Format(time.RFC3339),
		window.End.UTC().Format(time.RFC3339),
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// nextWindowStart resolves where detection resumes.
func (d *Detector) nextWindowStart(ctx context.Context, now time.Time) (time.Time, error) {
	cp, err := d.repo.GetCheckpoint(ctx, JobName)
	if err != nil {
		return time.Time{}, err
	}
	if cp != nil {
		return models.Truncate(cp.LastWindowEnd, d.windowSize), nil
	}
	return models.Truncate(now.Add(-d.lookback), d.windowSize), nil
}
