package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/internal/metrics"
	"github.com/YSAWORK/events-api/internal/models"
	"github.com/YSAWORK/events-api/internal/search"
)

const defaultChunkSize = 1000

// maxEventTypeLen matches the varchar(100) column
const maxEventTypeLen = 100

// EventWriter is the storage contract the pipeline needs: one atomic,
// conflict-tolerant bulk insert returning the ids actually written.
type EventWriter interface {
	InsertBatch(ctx context.Context, events []models.Event) ([]uuid.UUID, error)
}

// EventRecord is a single incoming event before validation. Timestamp and id
// stay strings so one malformed record never poisons the rest of a batch.
type EventRecord struct {
	EventID    string          `json:"event_id"`
	OccurredAt string          `json:"occurred_at"`
	UserID     *int64          `json:"user_id"`
	EventType  string          `json:"event_type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// InvalidRecord reports a record that failed validation, by position in the
// submitted batch.
type InvalidRecord struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// IngestResult classifies every record of a batch. Inserted and Duplicates
// are disjoint; each distinct valid event id lands in exactly one of them.
type IngestResult struct {
	Inserted   []uuid.UUID     `json:"inserted"`
	Duplicates []uuid.UUID     `json:"duplicates"`
	Invalid    []InvalidRecord `json:"invalid"`
}

// IngestService validates incoming event records, groups them into fixed-size
// chunks and upserts each chunk atomically. Duplicate event ids are a normal
// outcome, never an error; dedup itself is delegated entirely to the store's
// unique index.
type IngestService struct {
	repo      EventWriter
	elastic   *search.ElasticClient
	chunkSize int
}

// NewIngestService creates a new ingestion service. The Elasticsearch client
// is optional; when enabled, newly inserted events are projected for search
// on a best-effort basis.
func NewIngestService(repo EventWriter, elastic *search.ElasticClient, chunkSize int) *IngestService {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &IngestService{
		repo:      repo,
		elastic:   elastic,
		chunkSize: chunkSize,
	}
}

// IngestBatch validates and upserts an ordered sequence of event records.
// Validation failures are isolated per record. A storage failure aborts the
// in-flight chunk and is returned to the caller; chunks committed before it
// stay committed, which is safe to retry because the upsert is idempotent.
func (s *IngestService) IngestBatch(ctx context.Context, records []EventRecord) (*IngestResult, error) {
	result := &IngestResult{
		Inserted:   []uuid.UUID{},
		Duplicates: []uuid.UUID{},
		Invalid:    []InvalidRecord{},
	}

	valid := make([]models.Event, 0, len(records))
	order := make([]uuid.UUID, 0, len(records))
	seen := make(map[uuid.UUID]struct{}, len(records))

	for i, rec := range records {
		event, err := rec.validate()
		if err != nil {
			result.Invalid = append(result.Invalid, InvalidRecord{
				Index:   i,
				EventID: strings.TrimSpace(rec.EventID),
				Reason:  err.Error(),
			})
			continue
		}
		if _, ok := seen[event.EventID]; ok {
			// Repeated id inside the same batch collapses to one
			// classification of the id; the first occurrence wins
			continue
		}
		seen[event.EventID] = struct{}{}
		valid = append(valid, event)
		order = append(order, event.EventID)
	}

	insertedSet := make(map[uuid.UUID]struct{}, len(valid))
	for start := 0; start < len(valid); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(valid) {
			end = len(valid)
		}
		ids, err := s.repo.InsertBatch(ctx, valid[start:end])
		if err != nil {
			return nil, errors.Wrap(err, "event batch upsert failed")
		}
		for _, id := range ids {
			insertedSet[id] = struct{}{}
		}
	}

	for _, id := range order {
		if _, ok := insertedSet[id]; ok {
			result.Inserted = append(result.Inserted, id)
		} else {
			result.Duplicates = append(result.Duplicates, id)
		}
	}

	if s.elastic.Enabled() {
		for i := range valid {
			if _, ok := insertedSet[valid[i].EventID]; !ok {
				continue
			}
			if err := s.elastic.IndexEvent(ctx, &valid[i]); err != nil {
				log.Warn().Err(err).Str("event_id", valid[i].EventID.String()).Msg("Failed to project event for search")
			}
		}
	}

	metrics.EventsIngested.Add(float64(len(result.Inserted)))
	metrics.EventsDuplicate.Add(float64(len(result.Duplicates)))
	metrics.EventsInvalid.Add(float64(len(result.Invalid)))

	log.Debug().
		Int("inserted", len(result.Inserted)).
		Int("duplicates", len(result.Duplicates)).
		Int("invalid", len(result.Invalid)).
		Msg("Ingested event batch")

	return result, nil
}

// ChunkSize returns the configured chunk size
func (s *IngestService) ChunkSize() int {
	return s.chunkSize
}

// validate converts a raw record into a storable event
func (r EventRecord) validate() (models.Event, error) {
	var event models.Event

	rawID := strings.TrimSpace(r.EventID)
	if rawID == "" {
		return event, errors.New("missing event_id")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return event, errors.Errorf("invalid event_id %q", rawID)
	}

	rawTS := strings.TrimSpace(r.OccurredAt)
	if rawTS == "" {
		return event, errors.New("missing occurred_at")
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return event, errors.Errorf("invalid occurred_at %q", rawTS)
	}

	if r.UserID == nil {
		return event, errors.New("missing user_id")
	}

	eventType := strings.TrimSpace(r.EventType)
	if eventType == "" {
		return event, errors.New("missing event_type")
	}
	if len(eventType) > maxEventTypeLen {
		return event, errors.Errorf("event_type exceeds %d characters", maxEventTypeLen)
	}

	properties, err := parseProperties(r.Properties)
	if err != nil {
		return event, err
	}

	event = models.Event{
		EventID:    id,
		OccurredAt: occurredAt,
		UserID:     *r.UserID,
		EventType:  eventType,
		Properties: properties,
	}
	return event, nil
}

// parseProperties decodes the optional properties payload. An absent payload
// becomes an empty mapping; a non-object JSON value is kept under "value".
func parseProperties(raw json.RawMessage) (models.Properties, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.Properties{}, nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.New("invalid properties payload")
	}
	if object, ok := value.(map[string]interface{}); ok {
		return models.Properties(object), nil
	}
	return models.Properties{"value": value}, nil
}
