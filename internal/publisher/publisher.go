// Package publisher emits incident lifecycle events onto the message bus so
// downstream consumers (web notifications, response automation) can react
// without polling the database.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/models"
)

// Subject constants for the message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	SubjectIncidentsCreated = "correlate.incidents.created"
	SubjectIncidentsUpdated = "correlate.incidents.updated"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-correlate",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Publisher sends incident events over NATS. All publishes are best-effort:
// a bus outage is logged, never propagated into the correlation transaction.
type Publisher struct {
	conn *nats.Conn
	log  *logging.Logger
}

// New connects to NATS and returns a Publisher.
func New(cfg Config, log *logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		cfg = DefaultConfig()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{conn: conn, log: log}, nil
}

// IncidentCreated publishes a new incident to the bus.
func (p *Publisher) IncidentCreated(ctx context.Context, incident *models.Incident) {
	p.publish(ctx, SubjectIncidentsCreated, incident)
}

// IncidentUpdated publishes an incident that received new evidence.
func (p *Publisher) IncidentUpdated(ctx context.Context, incident *models.Incident) {
	p.publish(ctx, SubjectIncidentsUpdated, incident)
}

func (p *Publisher) publish(ctx context.Context, subject string, incident *models.Incident) {
	if err := ctx.Err(); err != nil {
		return
	}

	data, err := json.Marshal(incident)
	if err != nil {
		p.log.Warn("failed to marshal incident", "incident_id", incident.ID, "error", err)
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("failed to publish incident event",
			"subject", subject, "incident_id", incident.ID, "error", err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
