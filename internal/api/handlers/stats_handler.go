package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/internal/repositories"
	"github.com/YSAWORK/events-api/internal/services"
	"github.com/YSAWORK/events-api/internal/tracing"
)

const dayLayout = "2006-01-02"

const defaultRetentionWindow = 4

// Analytics is the analytics engine contract consumed by the HTTP boundary
type Analytics interface {
	DAU(ctx context.Context, from, to time.Time, segment *repositories.Segment) ([]services.DAUPoint, error)
	TopEvents(ctx context.Context, from, to time.Time, limit int) ([]services.EventTypeCount, error)
	Retention(ctx context.Context, startDate time.Time, window int) (*services.RetentionResult, error)
}

// StatsHandler handles analytics query requests
type StatsHandler struct {
	analytics Analytics
	tracer    tracing.Tracer
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(analytics Analytics, tracer tracing.Tracer) *StatsHandler {
	return &StatsHandler{
		analytics: analytics,
		tracer:    tracer,
	}
}

// HandleDAU serves GET /stats/dau?from&to[&segment]
func (h *StatsHandler) HandleDAU(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-stats-dau")
	defer h.tracer.EndTransaction(txn)

	from, ok := parseDay(c, c.Query("from"), "from")
	if !ok {
		return
	}
	to, ok := parseDay(c, c.Query("to"), "to")
	if !ok {
		return
	}

	segment, err := parseSegment(c.Query("segment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	series, err := h.analytics.DAU(c.Request.Context(), from, to, segment)
	if err != nil {
		h.writeQueryError(c, txn, err, "Failed to compute DAU")
		return
	}

	c.JSON(http.StatusOK, series)
}

// HandleTopEvents serves GET /stats/top-events?from&to&limit
func (h *StatsHandler) HandleTopEvents(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-stats-top-events")
	defer h.tracer.EndTransaction(txn)

	from, ok := parseDay(c, c.Query("from"), "from")
	if !ok {
		return
	}
	to, ok := parseDay(c, c.Query("to"), "to")
	if !ok {
		return
	}

	rawLimit := c.Query("limit")
	if rawLimit == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit is required"})
		return
	}
	limit, err := strconv.Atoi(rawLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	ranked, err := h.analytics.TopEvents(c.Request.Context(), from, to, limit)
	if err != nil {
		h.writeQueryError(c, txn, err, "Failed to compute top events")
		return
	}

	c.JSON(http.StatusOK, ranked)
}

// HandleRetention serves GET /stats/retention?start_date&window
func (h *StatsHandler) HandleRetention(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-stats-retention")
	defer h.tracer.EndTransaction(txn)

	startDate, ok := parseDay(c, c.Query("start_date"), "start_date")
	if !ok {
		return
	}

	window := defaultRetentionWindow
	if rawWindow := c.Query("window"); rawWindow != "" {
		parsed, err := strconv.Atoi(rawWindow)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be an integer"})
			return
		}
		window = parsed
	}

	result, err := h.analytics.Retention(c.Request.Context(), startDate, window)
	if err != nil {
		h.writeQueryError(c, txn, err, "Failed to compute retention")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *StatsHandler) writeQueryError(c *gin.Context, txn *newrelic.Transaction, err error, msg string) {
	if services.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Error().Err(err).Msg(msg)
	h.tracer.RecordError(txn, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics query failed"})
}

// parseDay parses a calendar date query parameter, answering 400 on failure
func parseDay(c *gin.Context, value, name string) (time.Time, bool) {
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required (YYYY-MM-DD)"})
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a calendar date (YYYY-MM-DD)"})
		return time.Time{}, false
	}
	return day, true
}

// parseSegment parses the optional DAU segment filter, either
// "event_type:<value>" or "properties.<key>=<value>".
func parseSegment(raw string) (*repositories.Segment, error) {
	if raw == "" {
		return nil, nil
	}

	var key, value string
	switch {
	case strings.Contains(raw, ":"):
		parts := strings.SplitN(raw, ":", 2)
		key, value = parts[0], parts[1]
	case strings.Contains(raw, "="):
		parts := strings.SplitN(raw, "=", 2)
		key, value = parts[0], parts[1]
	default:
		return nil, errors.New("invalid segment format")
	}

	if key == "event_type" {
		return &repositories.Segment{EventType: value}, nil
	}
	if propKey, ok := strings.CutPrefix(key, "properties."); ok && propKey != "" {
		return &repositories.Segment{PropertyKey: propKey, PropertyVal: value}, nil
	}
	return nil, errors.New("segment must target event_type or a properties key")
}
