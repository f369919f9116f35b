package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/internal/services"
	"github.com/YSAWORK/events-api/internal/tracing"
)

// Ingester is the ingestion pipeline contract consumed by the HTTP boundary
type Ingester interface {
	IngestBatch(ctx context.Context, records []services.EventRecord) (*services.IngestResult, error)
}

// EventsHandler handles event ingestion requests
type EventsHandler struct {
	ingest Ingester
	tracer tracing.Tracer
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(ingest Ingester, tracer tracing.Tracer) *EventsHandler {
	return &EventsHandler{
		ingest: ingest,
		tracer: tracer,
	}
}

// HandleIngestEvents accepts a JSON array of event objects and upserts them.
// Each element is decoded on its own so one malformed object is reported as
// invalid without rejecting the rest of the batch.
func (h *EventsHandler) HandleIngestEvents(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-ingest-events")
	defer h.tracer.EndTransaction(txn)

	var rawRecords []json.RawMessage
	if err := c.ShouldBindJSON(&rawRecords); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON array of event objects"})
		h.tracer.RecordError(txn, err)
		return
	}

	records := make([]services.EventRecord, 0, len(rawRecords))
	indexOf := make([]int, 0, len(rawRecords))
	preInvalid := []services.InvalidRecord{}
	for i, raw := range rawRecords {
		var record services.EventRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			preInvalid = append(preInvalid, services.InvalidRecord{
				Index:  i,
				Reason: "malformed event object",
			})
			continue
		}
		records = append(records, record)
		indexOf = append(indexOf, i)
	}

	h.tracer.AddAttribute(txn, "batch_size", len(rawRecords))

	result, err := h.ingest.IngestBatch(c.Request.Context(), records)
	if err != nil {
		log.Error().Err(err).Msg("Failed to ingest event batch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event storage is unavailable"})
		h.tracer.RecordError(txn, err)
		return
	}

	// Restore original batch positions for invalid entries
	for i := range result.Invalid {
		result.Invalid[i].Index = indexOf[result.Invalid[i].Index]
	}
	result.Invalid = append(result.Invalid, preInvalid...)
	sort.Slice(result.Invalid, func(i, j int) bool {
		return result.Invalid[i].Index < result.Invalid[j].Index
	})

	c.JSON(http.StatusCreated, result)
}
