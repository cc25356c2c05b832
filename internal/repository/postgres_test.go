package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/correlate/internal/models"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations
func setupTestDatabase(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("correlate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, applyMigrations(connStr))

	repo, err := NewPostgresRepository(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func applyMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrationPath := filepath.Join("..", "..", "migrations", "001_init.up.sql")
	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

func baseTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// upsertFeatures runs a feature upsert in its own committed transaction.
func upsertFeatures(t *testing.T, repo *PostgresRepository, features []*models.Feature) {
	t.Helper()
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertFeatures(ctx, tx, features))
	require.NoError(t, tx.Commit(ctx))
}

// mergeEntityStats runs an entity stat merge in its own committed transaction.
func mergeEntityStats(t *testing.T, repo *PostgresRepository, stats []*models.EntityStat) {
	t.Helper()
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.MergeEntityStats(ctx, tx, stats))
	require.NoError(t, tx.Commit(ctx))
}

func testSignal(name, entityType, entityID string, window models.Window) *models.Signal {
	return &models.Signal{
		ID:          uuid.NewString(),
		EventTime:   window.End,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		SignalName:  name,
		EntityType:  entityType,
		EntityID:    entityID,
		Severity:    7,
		Score:       5.0,
		DedupeKey:   fmt.Sprintf("%s|%s|%s|%s", name, entityType, entityID, window.Start.Format(time.RFC3339)),
		Evidence:    map[string]interface{}{"value": 42.0},
	}
}

func testIncident(entityType, entityID string, start time.Time) *models.Incident {
	return &models.Incident{
		ID:             uuid.NewString(),
		Title:          "test incident on " + entityID,
		Status:         models.IncidentStatusNew,
		Severity:       5,
		Score:          10.0,
		RootEntityType: entityType,
		RootEntityID:   entityID,
		StartTime:      start,
		EndTime:        start.Add(5 * time.Minute),
		LastUpdateTime: start.Add(5 * time.Minute),
	}
}

// ============================================================================
// Events and features
// ============================================================================

func TestInsertAndFetchEvents(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	events := []*models.NormalizedEvent{
		{EventTime: start.Add(time.Minute), Vendor: "linux", SourceType: "syslog", Host: "web-01", Severity: 3},
		{EventTime: start.Add(2 * time.Minute), Vendor: "suricata", SourceType: "suricata:eve", EventKind: "ids",
			Host: "web-01", SrcIP: "203.0.113.7", Signature: "ET SCAN probe", Severity: 9},
		{EventTime: start.Add(10 * time.Minute), Vendor: "linux", SourceType: "syslog", Host: "db-01"},
	}
	require.NoError(t, repo.InsertEvents(ctx, events))

	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}
	got, err := repo.FetchEvents(ctx, window)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Oldest first.
	assert.Equal(t, "linux", got[0].Vendor)
	assert.Equal(t, "suricata", got[1].Vendor)
	assert.Equal(t, "203.0.113.7", got[1].SrcIP)

	max, err := repo.MaxEventTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Minute), max.UTC())
}

func TestMaxEventTimeEmptyTable(t *testing.T) {
	repo := setupTestDatabase(t)

	max, err := repo.MaxEventTime(context.Background())
	require.NoError(t, err)
	assert.True(t, max.IsZero())
}

func TestUpsertFeaturesOverwrites(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	feature := &models.Feature{
		BucketStart: start, BucketSeconds: 300,
		EntityType: "host", EntityID: "web-01",
		Metric: "event_count", Value: 10, SampleCount: 10,
	}
	upsertFeatures(t, repo, []*models.Feature{feature})

	// Re-aggregation replaces the value instead of accumulating.
	feature.Value = 12
	feature.SampleCount = 12
	upsertFeatures(t, repo, []*models.Feature{feature})

	got, err := repo.GetFeatures(ctx, window, "event_count")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 12.0, got[0].Value)
	assert.Equal(t, int64(12), got[0].SampleCount)
}

func TestFeatureDrilldownRowsAreDistinct(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	features := []*models.Feature{
		{BucketStart: start, BucketSeconds: 300, EntityType: "host", EntityID: "web-01",
			Metric: "src_ip_fail_count", Value: 8, SampleCount: 8},
		{BucketStart: start, BucketSeconds: 300, EntityType: "host", EntityID: "web-01",
			Metric: "src_ip_fail_count", SecondaryType: "src_ip", SecondaryID: "10.0.0.5",
			Value: 8, SampleCount: 8},
	}
	upsertFeatures(t, repo, features)

	got, err := repo.GetFeatures(ctx, window, "src_ip_fail_count")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMergeEntityStats(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	mergeEntityStats(t, repo, []*models.EntityStat{{
		EntityType: "host", EntityID: "web-01",
		FirstSeen: start, LastSeen: start.Add(5 * time.Minute),
		TotalEvents: 100, UniqueSrcIPs: 3, UniqueUsers: 2,
	}})

	// A later window extends last_seen and accumulates totals.
	mergeEntityStats(t, repo, []*models.EntityStat{{
		EntityType: "host", EntityID: "web-01",
		FirstSeen: start.Add(5 * time.Minute), LastSeen: start.Add(10 * time.Minute),
		TotalEvents: 50, UniqueSrcIPs: 5, UniqueUsers: 1,
	}})

	var total int64
	var uniqueIPs int64
	var firstSeen, lastSeen time.Time
	err := repo.pool.QueryRow(ctx, `
		SELECT total_events, unique_src_ips, first_seen, last_seen
		FROM entity_stats WHERE entity_type = 'host' AND entity_id = 'web-01'
	`).Scan(&total, &uniqueIPs, &firstSeen, &lastSeen)
	require.NoError(t, err)

	assert.Equal(t, int64(150), total)
	assert.Equal(t, int64(5), uniqueIPs)
	assert.Equal(t, start, firstSeen.UTC())
	assert.Equal(t, start.Add(10*time.Minute), lastSeen.UTC())
}

func TestEntityStatsCommitWithCheckpoint(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	windowEnd := start.Add(5 * time.Minute)

	stat := &models.EntityStat{
		EntityType: "host", EntityID: "web-01",
		FirstSeen: start, LastSeen: windowEnd,
		TotalEvents: 100, UniqueSrcIPs: 3, UniqueUsers: 2,
	}

	countEvents := func() int64 {
		var total int64
		err := repo.pool.QueryRow(ctx, `
			SELECT coalesce(sum(total_events), 0) FROM entity_stats
			WHERE entity_type = 'host' AND entity_id = 'web-01'
		`).Scan(&total)
		require.NoError(t, err)
		return total
	}

	// A window that rolls back leaves neither stats nor checkpoint behind.
	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.AdvanceCheckpoint(ctx, tx, "features_rollup", windowEnd))
	require.NoError(t, repo.MergeEntityStats(ctx, tx, []*models.EntityStat{stat}))
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, int64(0), countEvents())
	cp, err := repo.GetCheckpoint(ctx, "features_rollup")
	require.NoError(t, err)
	assert.Nil(t, cp)

	// The window commits once.
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.AdvanceCheckpoint(ctx, tx, "features_rollup", windowEnd))
	require.NoError(t, repo.MergeEntityStats(ctx, tx, []*models.EntityStat{stat}))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(100), countEvents())

	// A replay of the same window hits the checkpoint gate before any merge
	// can run, so the accumulating counters never double-count.
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	err = repo.AdvanceCheckpoint(ctx, tx, "features_rollup", windowEnd)
	assert.ErrorIs(t, err, ErrWindowAlreadyProcessed)
	assert.Equal(t, int64(100), countEvents())
}

func TestActiveEntityStats(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	mergeEntityStats(t, repo, []*models.EntityStat{
		{EntityType: "host", EntityID: "web-01", FirstSeen: start.Add(-24 * time.Hour),
			LastSeen: start.Add(-10 * time.Minute), TotalEvents: 900},
		{EntityType: "host", EntityID: "app-03", FirstSeen: start.Add(-24 * time.Hour),
			LastSeen: start.Add(-2 * time.Hour), TotalEvents: 400},
		{EntityType: "host", EntityID: "old-01", FirstSeen: start.Add(-90 * 24 * time.Hour),
			LastSeen: start.Add(-30 * time.Hour), TotalEvents: 50},
		{EntityType: "user", EntityID: "alice", FirstSeen: start.Add(-24 * time.Hour),
			LastSeen: start, TotalEvents: 10},
	})

	// Hosts seen in the last day, ordered by id; other entity types and
	// long-gone hosts excluded.
	got, err := repo.ActiveEntityStats(ctx, "host", start.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "app-03", got[0].EntityID)
	assert.Equal(t, "web-01", got[1].EntityID)
	assert.Equal(t, int64(400), got[0].TotalEvents)
}

// ============================================================================
// Checkpoints
// ============================================================================

func TestCheckpointLifecycle(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	cp, err := repo.GetCheckpoint(ctx, "detections_main")
	require.NoError(t, err)
	assert.Nil(t, cp, "unknown job has no checkpoint")

	advance := func(windowEnd time.Time) error {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		if err := repo.AdvanceCheckpoint(ctx, tx, "detections_main", windowEnd); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	require.NoError(t, advance(start.Add(5*time.Minute)))
	require.NoError(t, advance(start.Add(10*time.Minute)))

	cp, err = repo.GetCheckpoint(ctx, "detections_main")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, start.Add(10*time.Minute), cp.LastWindowEnd.UTC())

	// Replaying an already-covered window is rejected; the watermark never
	// moves backwards.
	assert.ErrorIs(t, advance(start.Add(10*time.Minute)), ErrWindowAlreadyProcessed)
	assert.ErrorIs(t, advance(start.Add(5*time.Minute)), ErrWindowAlreadyProcessed)

	cp, err = repo.GetCheckpoint(ctx, "detections_main")
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Minute), cp.LastWindowEnd.UTC())
}

func TestCheckpointsIndependentPerJob(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.AdvanceCheckpoint(ctx, tx, "features_rollup", start.Add(5*time.Minute)))
	require.NoError(t, tx.Commit(ctx))

	cp, err := repo.GetCheckpoint(ctx, "detections_main")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

// ============================================================================
// Signals
// ============================================================================

func TestInsertSignalsDedupe(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	sig := testSignal("auth_fail_count_spike", "host", "web-01", window)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	inserted, err := repo.InsertSignals(ctx, tx, []*models.Signal{sig})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, inserted)

	// Same dedupe key with a fresh row id is silently absorbed.
	replay := testSignal("auth_fail_count_spike", "host", "web-01", window)
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	inserted, err = repo.InsertSignals(ctx, tx, []*models.Signal{replay})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 0, inserted)

	// The original row survives untouched.
	got, err := repo.GetSignalByDedupeKey(ctx, sig.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, sig.ID, got.ID)

	count, err := repo.CountUnprocessedSignals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetSignalByDedupeKeyNotFound(t *testing.T) {
	repo := setupTestDatabase(t)

	_, err := repo.GetSignalByDedupeKey(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrSignalNotFound)
}

func TestClaimNextSignalOldestFirst(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	early := models.Window{Start: start, End: start.Add(5 * time.Minute)}
	late := models.Window{Start: start.Add(5 * time.Minute), End: start.Add(10 * time.Minute)}

	older := testSignal("event_count_spike", "host", "web-01", early)
	newer := testSignal("event_count_spike", "host", "db-01", late)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.InsertSignals(ctx, tx, []*models.Signal{newer, older})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	claimed, err := repo.ClaimNextSignal(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, older.ID, claimed.ID)
}

func TestClaimNextSignalEmptyBacklog(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = repo.ClaimNextSignal(ctx, tx)
	assert.ErrorIs(t, err, ErrNoUnprocessedSignals)
}

func TestMarkSignalProcessedRemovesFromBacklog(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	sig := testSignal("event_count_spike", "host", "web-01", window)
	incident := testIncident("host", "web-01", start)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.InsertSignals(ctx, tx, []*models.Signal{sig})
	require.NoError(t, err)
	require.NoError(t, repo.InsertIncident(ctx, tx, incident))
	require.NoError(t, repo.MarkSignalProcessed(ctx, tx, sig.ID, incident.ID, time.Now().UTC()))
	require.NoError(t, tx.Commit(ctx))

	count, err := repo.CountUnprocessedSignals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := repo.GetSignalByDedupeKey(ctx, sig.DedupeKey)
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedAt)
	require.NotNil(t, got.IncidentID)
	assert.Equal(t, incident.ID, *got.IncidentID)

	// Marking twice fails: the signal was already claimed.
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	err = repo.MarkSignalProcessed(ctx, tx, sig.ID, incident.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrSignalNotFound)
}

// ============================================================================
// Incidents
// ============================================================================

func TestFindCandidateIncidentsWindow(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	recent := testIncident("host", "web-01", start.Add(-30*time.Minute))
	stale := testIncident("host", "db-01", start.Add(-3*time.Hour))
	stale.LastUpdateTime = start.Add(-2 * time.Hour)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.InsertIncident(ctx, tx, recent))
	require.NoError(t, repo.InsertIncident(ctx, tx, stale))
	require.NoError(t, tx.Commit(ctx))

	entities := []models.EntityRef{
		{Type: "host", ID: "web-01"},
		{Type: "host", ID: "db-01"},
	}
	updatedSince := start.Add(-60 * time.Minute)
	startedSince := start.Add(-4 * time.Hour)

	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	// db-01's incident went quiet two hours ago: outside the correlation
	// window, so only web-01's qualifies.
	got, err := repo.FindCandidateIncidents(ctx, tx, entities, updatedSince, startedSince)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
}

func TestFindCandidateIncidentsMaxAge(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	// Still recently active, but the incident started five hours ago; past
	// the maximum age it stops absorbing new signals.
	old := testIncident("host", "web-01", start.Add(-5*time.Hour))
	old.LastUpdateTime = start.Add(-10 * time.Minute)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.InsertIncident(ctx, tx, old))
	require.NoError(t, tx.Commit(ctx))

	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	got, err := repo.FindCandidateIncidents(ctx, tx,
		[]models.EntityRef{{Type: "host", ID: "web-01"}},
		start.Add(-60*time.Minute), start.Add(-4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindCandidateIncidentsIgnoresClosed(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()

	closed := testIncident("host", "web-01", start.Add(-10*time.Minute))
	closed.Status = models.IncidentStatusClosed

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.InsertIncident(ctx, tx, closed))
	require.NoError(t, tx.Commit(ctx))

	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	got, err := repo.FindCandidateIncidents(ctx, tx,
		[]models.EntityRef{{Type: "host", ID: "web-01"}},
		start.Add(-60*time.Minute), start.Add(-4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAttachSignalEscalates(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	incident := testIncident("host", "web-01", start)
	first := testSignal("auth_fail_count_spike", "host", "web-01", window)
	second := testSignal("ids_alert", "ip", "203.0.113.7", window)
	second.Severity = 12
	second.EventTime = start.Add(10 * time.Minute)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.InsertSignals(ctx, tx, []*models.Signal{first, second})
	require.NoError(t, err)
	require.NoError(t, repo.InsertIncident(ctx, tx, incident))
	require.NoError(t, repo.AttachSignal(ctx, tx, incident.ID, first, 5.0))
	require.NoError(t, tx.Commit(ctx))

	got, err := repo.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusNew, got.Status, "single signal keeps NEW")
	assert.Equal(t, 15.0, got.Score)
	assert.Equal(t, 7, got.Severity)

	// A second distinct signal activates the incident and escalates severity
	// to the maximum seen.
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.AttachSignal(ctx, tx, incident.ID, second, 5.0))
	require.NoError(t, tx.Commit(ctx))

	got, err = repo.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusActive, got.Status)
	assert.Equal(t, 20.0, got.Score)
	assert.Equal(t, 12, got.Severity)
	assert.Equal(t, start.Add(10*time.Minute), got.LastUpdateTime.UTC())
	assert.Equal(t, start.Add(10*time.Minute), got.EndTime.UTC())

	links, err := repo.ListEvidence(ctx, incident.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestAttachSignalReplayIsNoOp(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	incident := testIncident("host", "web-01", start)
	sig := testSignal("auth_fail_count_spike", "host", "web-01", window)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	_, err = repo.InsertSignals(ctx, tx, []*models.Signal{sig})
	require.NoError(t, err)
	require.NoError(t, repo.InsertIncident(ctx, tx, incident))
	require.NoError(t, repo.AttachSignal(ctx, tx, incident.ID, sig, 5.0))
	require.NoError(t, tx.Commit(ctx))

	// Replaying the same link neither duplicates evidence nor inflates score.
	tx, err = repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.AttachSignal(ctx, tx, incident.ID, sig, 5.0))
	require.NoError(t, tx.Commit(ctx))

	got, err := repo.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, 15.0, got.Score)
	assert.Equal(t, models.IncidentStatusNew, got.Status)

	links, err := repo.ListEvidence(ctx, incident.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestAttachSignalUnknownIncident(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	start := baseTime()
	window := models.Window{Start: start, End: start.Add(5 * time.Minute)}

	sig := testSignal("auth_fail_count_spike", "host", "web-01", window)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = repo.InsertSignals(ctx, tx, []*models.Signal{sig})
	require.NoError(t, err)

	// The evidence FK rejects a link to a nonexistent incident.
	err = repo.AttachSignal(ctx, tx, uuid.NewString(), sig, 1.0)
	assert.Error(t, err)
}

func TestGetIncidentNotFound(t *testing.T) {
	repo := setupTestDatabase(t)

	_, err := repo.GetIncident(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}
