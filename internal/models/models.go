// Package models defines the data model shared by the correlate engine's
// jobs: normalized events in, features, signals and incidents out.
package models

import "time"

// Incident status lifecycle. NEW incidents become ACTIVE when a second
// distinct signal is attached. Only operator policy closes an incident.
const (
	IncidentStatusNew    = "NEW"
	IncidentStatusActive = "ACTIVE"
	IncidentStatusClosed = "CLOSED"
)

// MaxSeverity is the top of the ordinal severity scale.
const MaxSeverity = 15

// NormalizedEvent is one row of the append-only events table written by the
// ingest pipeline. The engine never mutates these.
type NormalizedEvent struct {
	ID         int64                  `json:"id"`
	EventTime  time.Time              `json:"event_time"`
	Vendor     string                 `json:"vendor"`
	SourceType string                 `json:"sourcetype"`
	EventKind  string                 `json:"event_kind"`
	Host       string                 `json:"host"`
	Username   string                 `json:"username"`
	SrcIP      string                 `json:"src_ip"`
	DestIP     string                 `json:"dest_ip"`
	RuleID     string                 `json:"rule_id"`
	Signature  string                 `json:"signature"`
	HTTPPath   string                 `json:"http_path"`
	HTTPStatus int                    `json:"http_status"`
	Severity   int                    `json:"severity"`
	Extras     map[string]interface{} `json:"extras,omitempty"`
}

// Feature is one aggregated value for a (window, entity, metric) key.
// SecondaryType/SecondaryID carry an optional drill-down dimension
// (e.g. failures per host broken out by source IP) and are empty otherwise.
type Feature struct {
	BucketStart   time.Time `json:"bucket_start"`
	BucketSeconds int       `json:"bucket_size_seconds"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Metric        string    `json:"metric"`
	SecondaryType string    `json:"secondary_type,omitempty"`
	SecondaryID   string    `json:"secondary_id,omitempty"`
	Value         float64   `json:"value"`
	SampleCount   int64     `json:"sample_count"`
}

// EntityStat is a per-entity rollup maintained alongside features for the
// dashboard's entity pages.
type EntityStat struct {
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	TotalEvents  int64     `json:"total_events"`
	UniqueSrcIPs int64     `json:"unique_src_ips"`
	UniqueUsers  int64     `json:"unique_users"`
}

// Signal is one deduplicated detection. DedupeKey is a deterministic hash of
// (signal_name, entity, window); inserting a duplicate is a no-op.
type Signal struct {
	ID          string                 `json:"id"`
	EventTime   time.Time              `json:"event_time"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	SignalName  string                 `json:"signal_name"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Severity    int                    `json:"severity"`
	Score       float64                `json:"score"`
	DedupeKey   string                 `json:"dedupe_key"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	IncidentID  *string                `json:"incident_id,omitempty"`
}

// Checkpoint records the last fully-processed window for a named job.
type Checkpoint struct {
	JobName       string    `json:"job_name"`
	LastRunTime   time.Time `json:"last_run_time"`
	LastWindowEnd time.Time `json:"last_window_end"`
}

// Incident groups related signals against a root entity.
type Incident struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Status         string                 `json:"status"`
	Severity       int                    `json:"severity"`
	Score          float64                `json:"score"`
	RootEntityType string                 `json:"root_entity_type"`
	RootEntityID   string                 `json:"root_entity_id"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	LastUpdateTime time.Time              `json:"last_update_time"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EvidenceLink ties a signal to the incident it was correlated into.
// The (incident_id, signal_id) pair is unique.
type EvidenceLink struct {
	IncidentID string    `json:"incident_id"`
	SignalID   string    `json:"signal_id"`
	AddedAt    time.Time `json:"added_at"`
}

// EntityRef identifies an entity by type and id.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ClampSeverity forces a severity onto the 0..15 ordinal scale.
// Invalid input defaults to 0 rather than failing the event.
func ClampSeverity(sev int) int {
	if sev < 0 {
		return 0
	}
	if sev > MaxSeverity {
		return MaxSeverity
	}
	return sev
}

// IsOpen reports whether the incident can still accept evidence.
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentStatusNew || i.Status == IncidentStatusActive
}

// Window is a half-open [Start, End) time interval used to bucket events.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the half-open interval.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Size returns the window duration.
func (w Window) Size() time.Duration {
	return w.End.Sub(w.Start)
}

// Truncate aligns t down to a bucket boundary of the given size.
func Truncate(t time.Time, size time.Duration) time.Time {
	return t.Truncate(size)
}
