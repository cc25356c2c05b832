package aggregator

import (
	"strings"

	"github.com/telhawk-systems/correlate/internal/models"
)

// AggFunc names the aggregation applied to a window's matching events.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggRate  AggFunc = "rate"
)

// Filter selects the events a metric is computed over. Zero values match
// everything.
type Filter struct {
	SourceType        string
	EventKind         string
	RuleIDs           []string
	SignatureContains []string
	MinSeverity       int
	MinHTTPStatus     int
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e *models.NormalizedEvent) bool {
	if f.SourceType != "" && e.SourceType != f.SourceType {
		return false
	}
	if f.EventKind != "" && e.EventKind != f.EventKind {
		return false
	}
	// RuleIDs and SignatureContains are alternatives: when both are set an
	// event passes by matching either one.
	if len(f.RuleIDs) > 0 || len(f.SignatureContains) > 0 {
		matched := contains(f.RuleIDs, e.RuleID)
		if !matched {
			sig := strings.ToLower(e.Signature)
			for _, sub := range f.SignatureContains {
				if strings.Contains(sig, sub) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	if f.MinSeverity > 0 && e.Severity < f.MinSeverity {
		return false
	}
	if f.MinHTTPStatus > 0 && e.HTTPStatus < f.MinHTTPStatus {
		return false
	}
	return true
}

// Metric defines one aggregated feature: which events count, how they group
// into entities, and how the value is computed.
type Metric struct {
	Name           string
	EntityType     string
	EntityField    string
	SecondaryType  string
	SecondaryField string
	Agg            AggFunc

	// Filter selects the population. For AggRate it is the denominator and
	// Numerator selects the events counted on top.
	Filter    Filter
	Numerator *Filter

	// ValueField names the numeric event field summed by AggSum.
	ValueField string

	// SkipEmptyEntity drops groups whose entity value is empty instead of
	// folding them into "(none)".
	SkipEmptyEntity bool
}

// authFailureSignatures are the signature fragments treated as failed
// authentication when no vendor rule id is available.
var authFailureSignatures = []string{
	"failed password",
	"authentication failed",
	"invalid user",
	"logon failure",
	"login failed",
}

// DefaultMetrics returns the built-in metric set, mirroring what the
// dashboard expects: activity and auth-failure counts per entity, a source-IP
// drill-down, and per-endpoint error rates.
func DefaultMetrics() []Metric {
	return []Metric{
		{
			Name:       "event_count",
			EntityType: "host", EntityField: "host",
			Agg: AggCount,
		},
		{
			Name:       "event_count",
			EntityType: "signature", EntityField: "signature",
			Agg:             AggCount,
			SkipEmptyEntity: true,
		},
		{
			Name:       "auth_fail_count",
			EntityType: "host", EntityField: "host",
			Agg:    AggCount,
			Filter: Filter{RuleIDs: []string{"4625"}, SignatureContains: authFailureSignatures},
		},
		{
			Name:       "auth_fail_count",
			EntityType: "user", EntityField: "user",
			Agg:             AggCount,
			Filter:          Filter{RuleIDs: []string{"4625"}, SignatureContains: authFailureSignatures},
			SkipEmptyEntity: true,
		},
		{
			Name:       "src_ip_fail_count",
			EntityType: "host", EntityField: "host",
			SecondaryType: "src_ip", SecondaryField: "src_ip",
			Agg:             AggCount,
			Filter:          Filter{RuleIDs: []string{"4625"}, SignatureContains: authFailureSignatures},
			SkipEmptyEntity: true,
		},
		{
			Name:       "error_rate",
			EntityType: "endpoint", EntityField: "endpoint",
			Agg:             AggRate,
			Numerator:       &Filter{MinHTTPStatus: 400},
			SkipEmptyEntity: true,
		},
	}
}

func entityValue(e *models.NormalizedEvent, field string) string {
	switch field {
	case "host":
		return e.Host
	case "user":
		return e.Username
	case "src_ip":
		return e.SrcIP
	case "dest_ip":
		return e.DestIP
	case "signature":
		return e.Signature
	case "rule_id":
		return e.RuleID
	case "endpoint":
		return e.HTTPPath
	default:
		return ""
	}
}

func numericValue(e *models.NormalizedEvent, field string) float64 {
	switch field {
	case "severity":
		return float64(e.Severity)
	case "http_status":
		return float64(e.HTTPStatus)
	default:
		return 0
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
