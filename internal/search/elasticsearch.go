package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/models"
)

// ElasticClient projects ingested events into Elasticsearch for ad-hoc
// search. The projection is optional and strictly downstream of the event
// store; the store stays the source of truth.
type ElasticClient struct {
	client  *elasticsearch.Client
	index   string
	enabled bool
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{enabled: false}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client:  client,
		index:   cfg.Index,
		enabled: true,
	}, nil
}

// Enabled reports whether the projection is active
func (c *ElasticClient) Enabled() bool {
	return c != nil && c.enabled
}

// IndexEvent indexes a single event document keyed by event_id, so a
// reprojected duplicate overwrites the same document instead of forking.
func (c *ElasticClient) IndexEvent(ctx context.Context, event *models.Event) error {
	if !c.Enabled() {
		return nil
	}

	doc := map[string]interface{}{
		"event_id":    event.EventID.String(),
		"occurred_at": event.OccurredAt,
		"user_id":     event.UserID,
		"event_type":  event.EventType,
		"properties":  event.Properties,
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: event.EventID.String(),
		Body:       bytes.NewReader(payload),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to index event")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to index event: %s", res.String())
	}

	log.Debug().Str("event_id", event.EventID.String()).Msg("Indexed event")
	return nil
}
