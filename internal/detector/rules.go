package detector

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/correlate/internal/models"
)

// Rule is one signature detection: a direct match against known rule IDs or
// signature fragments that always emits, independent of any baseline.
type Rule struct {
	Name              string   `yaml:"name"`
	Vendors           []string `yaml:"vendors,omitempty"`
	EventKinds        []string `yaml:"event_kinds,omitempty"`
	RuleIDs           []string `yaml:"rule_ids,omitempty"`
	SignatureContains []string `yaml:"signature_contains,omitempty"`
	MinEventSeverity  int      `yaml:"min_event_severity,omitempty"`
	Severity          int      `yaml:"severity"`
	Disabled          bool     `yaml:"disabled,omitempty"`
}

// ruleFile is the on-disk shape of a rules.yaml.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads signature rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	for i := range rf.Rules {
		if rf.Rules[i].Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		rf.Rules[i].Severity = models.ClampSeverity(rf.Rules[i].Severity)
	}

	return rf.Rules, nil
}

// DefaultRules returns the built-in signature rule set: IDS alerts and any
// event the source already considered high severity.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "ids_alert",
			Vendors:    []string{"opnsense", "suricata"},
			EventKinds: []string{"ids"},
			Severity:   9,
		},
		{
			Name:             "high_severity_event",
			MinEventSeverity: 7,
			Severity:         7,
		},
	}
}

// Matches reports whether an event triggers the rule.
func (r Rule) Matches(e *models.NormalizedEvent) bool {
	if r.Disabled {
		return false
	}
	if len(r.Vendors) > 0 && !containsString(r.Vendors, e.Vendor) {
		return false
	}
	if len(r.EventKinds) > 0 && !containsString(r.EventKinds, e.EventKind) {
		return false
	}
	if len(r.RuleIDs) > 0 && !containsString(r.RuleIDs, e.RuleID) {
		return false
	}
	if len(r.SignatureContains) > 0 {
		sig := strings.ToLower(e.Signature)
		matched := false
		for _, sub := range r.SignatureContains {
			if strings.Contains(sig, sub) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.MinEventSeverity > 0 && e.Severity < r.MinEventSeverity {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
