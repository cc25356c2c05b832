// Package baseline maintains rolling per-entity statistics used to score
// how far a metric value deviates from its normal behavior.
package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDisabled is returned when the store has no Redis backing.
var ErrDisabled = errors.New("baseline store is disabled")

// Stat is the rolling summary for one (entity_type, entity_id, metric) key.
// The statistic is a bounded moving window: the last MaxSamples window values
// with mean and standard deviation derived from sum / sum of squares.
type Stat struct {
	Samples     []float64 `json:"samples"`
	Count       int64     `json:"count"`
	Sum         float64   `json:"sum"`
	SumSquares  float64   `json:"sum_squares"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	LastUpdated int64     `json:"last_updated"`

	// LastWindow is the unix start of the most recently folded window.
	// Update is a no-op for windows at or before it, so replaying a window
	// cannot fold the same value twice.
	LastWindow int64 `json:"last_window"`
}

// Config controls warm-up and retention of baseline state.
type Config struct {
	// MinSamples is the number of recorded windows required before the
	// baseline is considered warmed up. Detectors must not score against a
	// cold baseline.
	MinSamples int

	// MaxSamples bounds the moving window of retained values.
	MaxSamples int

	// MinStddevFloor guards scoring when the baseline has zero variance.
	MinStddevFloor float64

	// TTL is how long baseline keys survive without updates.
	TTL time.Duration
}

// DefaultConfig returns the built-in baseline policy: 3 windows to warm up,
// a day of 5-minute windows retained.
func DefaultConfig() Config {
	return Config{
		MinSamples:     3,
		MaxSamples:     288,
		MinStddevFloor: 1.0,
		TTL:            48 * time.Hour,
	}
}

// Store keeps baseline state in Redis, one key per entity/metric. Redis
// serializes the read-modify-write per key, so updates to different entities
// proceed independently.
type Store struct {
	redis *redis.Client
	cfg   Config
}

// NewStore creates a baseline store. A nil client yields a disabled store;
// callers should treat scoring as unavailable rather than failing the run.
func NewStore(redisClient *redis.Client, cfg Config) *Store {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 288
	}
	if cfg.MinStddevFloor <= 0 {
		cfg.MinStddevFloor = 1.0
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}
	return &Store{redis: redisClient, cfg: cfg}
}

// IsEnabled returns whether the store has a backing client.
func (s *Store) IsEnabled() bool {
	return s.redis != nil
}

// Get retrieves the baseline for an entity/metric. A missing key yields an
// empty (cold) baseline, not an error.
func (s *Store) Get(ctx context.Context, entityType, entityID, metric string) (*Stat, error) {
	if !s.IsEnabled() {
		return nil, ErrDisabled
	}

	key := s.key(entityType, entityID, metric)
	data, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return &Stat{Samples: []float64{}, LastUpdated: time.Now().Unix()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}

	var stat Stat
	if err := json.Unmarshal([]byte(data), &stat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}

	return &stat, nil
}

// Update folds one window's value into the baseline and returns the refreshed
// state, with the value included in the returned mean and stddev. Callers that
// must score a value against the history it arrived on read the baseline with
// Get before folding. Windows at or before the last folded window are skipped
// without changing the state, so reruns of an already-folded window return the
// stored baseline unchanged.
func (s *Store) Update(ctx context.Context, entityType, entityID, metric string, value float64, windowStart time.Time) (*Stat, error) {
	if !s.IsEnabled() {
		return nil, ErrDisabled
	}

	stat, err := s.Get(ctx, entityType, entityID, metric)
	if err != nil {
		return nil, err
	}

	if stat.LastWindow != 0 && windowStart.Unix() <= stat.LastWindow {
		return stat, nil
	}

	stat.LastWindow = windowStart.Unix()
	stat.Samples = append(stat.Samples, value)
	stat.Sum += value
	stat.SumSquares += value * value
	stat.Count++
	stat.LastUpdated = time.Now().Unix()

	// Evict the oldest samples past the window bound, keeping the running
	// sums consistent with what is retained.
	for len(stat.Samples) > s.cfg.MaxSamples {
		old := stat.Samples[0]
		stat.Samples = stat.Samples[1:]
		stat.Sum -= old
		stat.SumSquares -= old * old
	}

	n := float64(len(stat.Samples))
	if n > 0 {
		stat.Mean = stat.Sum / n
		variance := (stat.SumSquares / n) - (stat.Mean * stat.Mean)
		if variance > 0 {
			stat.StdDev = math.Sqrt(variance)
		} else {
			stat.StdDev = 0
		}
	}

	data, err := json.Marshal(stat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal baseline: %w", err)
	}

	key := s.key(entityType, entityID, metric)
	if err := s.redis.Set(ctx, key, data, s.cfg.TTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to save baseline: %w", err)
	}

	return stat, nil
}

// Ready reports whether the baseline has enough history to score against.
func (s *Store) Ready(stat *Stat) bool {
	return stat != nil && len(stat.Samples) >= s.cfg.MinSamples
}

// ZScore returns the standard-score deviation of value from the baseline.
// A zero-variance baseline falls back to the absolute delta over the
// configured floor so a flat history cannot divide by zero.
func (s *Store) ZScore(stat *Stat, value float64) float64 {
	if stat.StdDev > 0 {
		return (value - stat.Mean) / stat.StdDev
	}
	return (value - stat.Mean) / s.cfg.MinStddevFloor
}

// PctOverBaseline returns value as a multiple of the baseline mean.
// A zero mean uses the stddev floor as the denominator.
func (s *Store) PctOverBaseline(stat *Stat, value float64) float64 {
	if stat.Mean > 0 {
		return value / stat.Mean
	}
	return value / s.cfg.MinStddevFloor
}

// MinSamples exposes the configured warm-up bound.
func (s *Store) MinSamples() int {
	return s.cfg.MinSamples
}

func (s *Store) key(entityType, entityID, metric string) string {
	return fmt.Sprintf("correlate:baseline:%s:%s:%s", metric, entityType, entityID)
}
