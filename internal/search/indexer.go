// Package search mirrors committed incidents into an OpenSearch index so the
// dashboard can query them alongside the raw event store.
package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/telhawk-systems/correlate/internal/config"
	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/models"
)

// Indexer writes incident documents to OpenSearch. Indexing by incident ID
// makes the mirror idempotent: re-indexing an incident overwrites the
// previous document.
type Indexer struct {
	client *opensearch.Client
	index  string
	log    *logging.Logger
}

// NewIndexer connects to OpenSearch and verifies the cluster responds.
func NewIndexer(cfg config.SearchConfig, log *logging.Logger) (*Indexer, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	index := cfg.Index
	if index == "" {
		index = "telhawk-incidents"
	}

	return &Indexer{client: client, index: index, log: log}, nil
}

// IndexIncident upserts one incident document.
func (i *Indexer) IndexIncident(ctx context.Context, incident *models.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      i.index,
		DocumentID: incident.ID,
		Body:       bytes.NewReader(data),
	}

	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("failed to index incident: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}

	return nil
}

// IncidentCreated mirrors a new incident. Best-effort by contract with the
// correlator: failures are logged, not propagated.
func (i *Indexer) IncidentCreated(ctx context.Context, incident *models.Incident) {
	if err := i.IndexIncident(ctx, incident); err != nil {
		i.log.Warn("failed to mirror incident to search", "incident_id", incident.ID, "error", err)
	}
}

// IncidentUpdated re-mirrors an incident after new evidence.
func (i *Indexer) IncidentUpdated(ctx context.Context, incident *models.Incident) {
	i.IncidentCreated(ctx, incident)
}
