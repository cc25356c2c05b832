package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseWindow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// windowAt returns the start of the i-th 5-minute window after baseWindow.
func windowAt(i int) time.Time {
	return baseWindow.Add(time.Duration(i) * 5 * time.Minute)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	return Config{
		MinSamples:     3,
		MaxSamples:     5,
		MinStddevFloor: 1.0,
		TTL:            time.Hour,
	}
}

func TestStoreDisabled(t *testing.T) {
	store := NewStore(nil, testConfig())
	assert.False(t, store.IsEnabled())

	_, err := store.Get(context.Background(), "host", "web-01", "event_count")
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = store.Update(context.Background(), "host", "web-01", "event_count", 10, windowAt(0))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestGetColdBaseline(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	stat, err := store.Get(context.Background(), "host", "web-01", "event_count")
	require.NoError(t, err)

	assert.Empty(t, stat.Samples)
	assert.False(t, store.Ready(stat))
}

func TestWarmUp(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	ctx := context.Background()

	var stat *Stat
	var err error
	for i, v := range []float64{10, 12, 11} {
		stat, err = store.Update(ctx, "host", "web-01", "event_count", v, windowAt(i))
		require.NoError(t, err)
	}

	assert.True(t, store.Ready(stat))
	assert.InDelta(t, 11.0, stat.Mean, 0.001)
	assert.Equal(t, int64(3), stat.Count)
}

func TestEviction(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	ctx := context.Background()

	// MaxSamples is 5; eight updates leave the last five retained with
	// consistent running sums.
	var stat *Stat
	var err error
	for i, v := range []float64{1, 2, 3, 4, 5, 6, 7, 8} {
		stat, err = store.Update(ctx, "host", "web-01", "event_count", v, windowAt(i))
		require.NoError(t, err)
	}

	require.Len(t, stat.Samples, 5)
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, stat.Samples)
	assert.InDelta(t, 6.0, stat.Mean, 0.001)
	// Total observations keep counting past the window bound.
	assert.Equal(t, int64(8), stat.Count)
}

func TestUpdateSameWindowFoldsOnce(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	ctx := context.Background()

	first, err := store.Update(ctx, "host", "web-01", "event_count", 10, windowAt(0))
	require.NoError(t, err)
	require.Len(t, first.Samples, 1)

	// Replaying the same window is a no-op: the sample is not folded again
	// and the stored state is unchanged.
	second, err := store.Update(ctx, "host", "web-01", "event_count", 10, windowAt(0))
	require.NoError(t, err)
	assert.Equal(t, first.Samples, second.Samples)
	assert.Equal(t, first.Count, second.Count)
	assert.InDelta(t, first.Sum, second.Sum, 0.001)

	stored, err := store.Get(ctx, "host", "web-01", "event_count")
	require.NoError(t, err)
	assert.Len(t, stored.Samples, 1)
	assert.Equal(t, int64(1), stored.Count)
}

func TestUpdateOlderWindowIgnored(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	ctx := context.Background()

	_, err := store.Update(ctx, "host", "web-01", "event_count", 10, windowAt(3))
	require.NoError(t, err)

	// A stale replay from behind the fold watermark changes nothing.
	stat, err := store.Update(ctx, "host", "web-01", "event_count", 99, windowAt(1))
	require.NoError(t, err)
	assert.Equal(t, []float64{10}, stat.Samples)

	// The next window folds normally.
	stat, err = store.Update(ctx, "host", "web-01", "event_count", 12, windowAt(4))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 12}, stat.Samples)
}

func TestZScore(t *testing.T) {
	store := NewStore(&redis.Client{}, testConfig())

	stat := &Stat{Mean: 10, StdDev: 2}
	assert.InDelta(t, 5.0, store.ZScore(stat, 20), 0.001)
	assert.InDelta(t, 0.0, store.ZScore(stat, 10), 0.001)
	assert.InDelta(t, -2.5, store.ZScore(stat, 5), 0.001)
}

func TestZScoreFlatBaseline(t *testing.T) {
	store := NewStore(&redis.Client{}, testConfig())

	// Zero variance falls back to the stddev floor instead of dividing by zero.
	stat := &Stat{Mean: 10, StdDev: 0}
	assert.InDelta(t, 15.0, store.ZScore(stat, 25), 0.001)
}

func TestPctOverBaseline(t *testing.T) {
	store := NewStore(&redis.Client{}, testConfig())

	assert.InDelta(t, 3.0, store.PctOverBaseline(&Stat{Mean: 0.05}, 0.15), 0.001)
	assert.InDelta(t, 0.2, store.PctOverBaseline(&Stat{Mean: 0}, 0.2), 0.001)
}

func TestBaselineTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	_, err := store.Update(context.Background(), "host", "web-01", "event_count", 10, windowAt(0))
	require.NoError(t, err)

	key := store.key("host", "web-01", "event_count")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestKeysIndependentPerEntity(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, testConfig())
	ctx := context.Background()

	_, err := store.Update(ctx, "host", "web-01", "event_count", 100, windowAt(0))
	require.NoError(t, err)

	stat, err := store.Get(ctx, "host", "web-02", "event_count")
	require.NoError(t, err)
	assert.Empty(t, stat.Samples)
}
