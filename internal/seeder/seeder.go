// Package seeder generates synthetic normalized events for local development
// and demos: steady background traffic plus a few injected attack patterns the
// detection jobs should turn into signals and incidents.
package seeder

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/models"
	"github.com/telhawk-systems/correlate/internal/repository"
)

// Config controls the generated dataset.
type Config struct {
	Hosts      int
	Users      int
	TimeWindow time.Duration
	BaseEvents int

	// Attack scenarios. Each is injected into the most recent third of the
	// time window so a fresh seed produces detectable spikes.
	BruteForceAttempts int
	IDSAlerts          int
	HTTPErrorBurst     int

	Seed int64
}

// DefaultConfig returns a dataset sized for a quick local demo.
func DefaultConfig() Config {
	return Config{
		Hosts:              8,
		Users:              12,
		TimeWindow:         2 * time.Hour,
		BaseEvents:         2000,
		BruteForceAttempts: 120,
		IDSAlerts:          25,
		HTTPErrorBurst:     200,
	}
}

// Seeder writes synthetic events through the event store.
type Seeder struct {
	store repository.EventStore
	cfg   Config
	faker *gofakeit.Faker
	rng   *rand.Rand
	log   *logging.Logger

	hosts []string
	users []string
	ips   []string
}

// New creates a Seeder. A non-zero cfg.Seed makes the dataset reproducible.
func New(store repository.EventStore, cfg Config, log *logging.Logger) *Seeder {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Seeder{
		store: store,
		cfg:   cfg,
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewSource(seed)),
		log:   log,
	}

	for i := 0; i < cfg.Hosts; i++ {
		s.hosts = append(s.hosts, fmt.Sprintf("%s-%02d", s.faker.RandomString([]string{"web", "db", "app", "fw", "mail"}), i+1))
	}
	for i := 0; i < cfg.Users; i++ {
		s.users = append(s.users, s.faker.Username())
	}
	for i := 0; i < cfg.Hosts*2; i++ {
		s.ips = append(s.ips, s.faker.IPv4Address())
	}

	return s
}

// Run generates and inserts the full dataset.
func (s *Seeder) Run(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	events := []*models.NormalizedEvent{}

	events = append(events, s.baseTraffic(now)...)
	events = append(events, s.bruteForce(now)...)
	events = append(events, s.idsAlerts(now)...)
	events = append(events, s.httpErrors(now)...)

	if err := s.store.InsertEvents(ctx, events); err != nil {
		return 0, fmt.Errorf("failed to insert seed events: %w", err)
	}

	s.log.Info("seed complete",
		"events", len(events), "hosts", len(s.hosts),
		"window", s.cfg.TimeWindow, "newest", now)
	return len(events), nil
}

// baseTraffic spreads routine events evenly over the whole window with
// jitter, so baselines warm up before the attack scenarios land.
func (s *Seeder) baseTraffic(now time.Time) []*models.NormalizedEvent {
	events := make([]*models.NormalizedEvent, 0, s.cfg.BaseEvents)

	for i := 0; i < s.cfg.BaseEvents; i++ {
		host := s.pick(s.hosts)
		e := &models.NormalizedEvent{
			EventTime: s.eventTime(now, s.cfg.TimeWindow, i, s.cfg.BaseEvents),
			Host:      host,
			SrcIP:     s.pick(s.ips),
			Username:  s.pick(s.users),
			Severity:  s.rng.Intn(4),
		}

		switch s.rng.Intn(4) {
		case 0:
			e.Vendor = "nginx"
			e.SourceType = "nginx:access"
			e.EventKind = "web"
			e.HTTPPath = "/" + s.faker.Word()
			e.HTTPStatus = 200
		case 1:
			e.Vendor = "windows"
			e.SourceType = "wineventlog:security"
			e.EventKind = "auth"
			e.RuleID = "4624"
			e.Signature = "An account was successfully logged on"
		case 2:
			e.Vendor = "linux"
			e.SourceType = "syslog"
			e.EventKind = "system"
			e.Signature = "session opened for user"
		default:
			e.Vendor = "opnsense"
			e.SourceType = "opnsense:filterlog"
			e.EventKind = "network"
			e.DestIP = s.pick(s.ips)
		}

		events = append(events, e)
	}

	return events
}

// bruteForce concentrates failed logons from one source IP against one host
// in the recent third of the window.
func (s *Seeder) bruteForce(now time.Time) []*models.NormalizedEvent {
	if s.cfg.BruteForceAttempts == 0 {
		return nil
	}

	target := s.pick(s.hosts)
	attacker := s.faker.IPv4Address()
	victim := s.pick(s.users)

	events := make([]*models.NormalizedEvent, 0, s.cfg.BruteForceAttempts)
	for i := 0; i < s.cfg.BruteForceAttempts; i++ {
		events = append(events, &models.NormalizedEvent{
			EventTime:  s.recentTime(now, i, s.cfg.BruteForceAttempts),
			Vendor:     "windows",
			SourceType: "wineventlog:security",
			EventKind:  "auth",
			Host:       target,
			Username:   victim,
			SrcIP:      attacker,
			RuleID:     "4625",
			Signature:  "An account failed to log on",
			Severity:   4,
		})
	}
	return events
}

var idsSignatures = []string{
	"ET SCAN Nmap Scripting Engine User-Agent Detected",
	"ET EXPLOIT Possible CVE-2021-44228 Log4j RCE Attempt",
	"ET MALWARE Cobalt Strike Beacon Observed",
	"GPL ATTACK_RESPONSE id check returned root",
}

// idsAlerts emits suricata detections from a single scanning IP.
func (s *Seeder) idsAlerts(now time.Time) []*models.NormalizedEvent {
	if s.cfg.IDSAlerts == 0 {
		return nil
	}

	scanner := s.faker.IPv4Address()
	events := make([]*models.NormalizedEvent, 0, s.cfg.IDSAlerts)
	for i := 0; i < s.cfg.IDSAlerts; i++ {
		events = append(events, &models.NormalizedEvent{
			EventTime:  s.recentTime(now, i, s.cfg.IDSAlerts),
			Vendor:     "suricata",
			SourceType: "suricata:eve",
			EventKind:  "ids",
			Host:       s.pick(s.hosts),
			SrcIP:      scanner,
			DestIP:     s.pick(s.ips),
			RuleID:     fmt.Sprintf("%d", 2000000+s.rng.Intn(100000)),
			Signature:  s.pick(idsSignatures),
			Severity:   8 + s.rng.Intn(3),
		})
	}
	return events
}

// httpErrors drives one endpoint's error rate above its baseline.
func (s *Seeder) httpErrors(now time.Time) []*models.NormalizedEvent {
	if s.cfg.HTTPErrorBurst == 0 {
		return nil
	}

	host := s.pick(s.hosts)
	path := "/api/" + s.faker.Word()
	statuses := []int{500, 502, 503, 429}

	events := make([]*models.NormalizedEvent, 0, s.cfg.HTTPErrorBurst)
	for i := 0; i < s.cfg.HTTPErrorBurst; i++ {
		events = append(events, &models.NormalizedEvent{
			EventTime:  s.recentTime(now, i, s.cfg.HTTPErrorBurst),
			Vendor:     "nginx",
			SourceType: "nginx:access",
			EventKind:  "web",
			Host:       host,
			SrcIP:      s.pick(s.ips),
			HTTPPath:   path,
			HTTPStatus: statuses[s.rng.Intn(len(statuses))],
			Severity:   3,
		})
	}
	return events
}

// eventTime distributes event i of total across the window with jitter,
// placed backwards from now.
func (s *Seeder) eventTime(now time.Time, window time.Duration, i, total int) time.Time {
	baseInterval := float64(window) / float64(total)
	offset := time.Duration(float64(i) * baseInterval)

	jitter := time.Duration((s.rng.Float64()*2 - 1) * baseInterval * 0.4)
	offset += jitter
	if offset < 0 {
		offset = 0
	}
	if offset > window {
		offset = window
	}

	return now.Add(-(window - offset))
}

// recentTime places event i of total in the most recent third of the window.
func (s *Seeder) recentTime(now time.Time, i, total int) time.Time {
	return s.eventTime(now, s.cfg.TimeWindow/3, i, total)
}

func (s *Seeder) pick(list []string) string {
	return list[s.rng.Intn(len(list))]
}
