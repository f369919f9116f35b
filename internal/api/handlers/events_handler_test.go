package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/services"
	"github.com/YSAWORK/events-api/internal/tracing"
)

type stubIngester struct {
	records []services.EventRecord
	result  *services.IngestResult
	err     error
}

func (s *stubIngester) IngestBatch(ctx context.Context, records []services.EventRecord) (*services.IngestResult, error) {
	s.records = records
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testTracer(t *testing.T) tracing.Tracer {
	t.Helper()
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	return tracer
}

func newEventsRouter(t *testing.T, ingest Ingester) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/events", NewEventsHandler(ingest, testTracer(t)).HandleIngestEvents)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestHandleIngestEventsCreated(t *testing.T) {
	id := uuid.New()
	ingest := &stubIngester{result: &services.IngestResult{
		Inserted:   []uuid.UUID{id},
		Duplicates: []uuid.UUID{},
		Invalid:    []services.InvalidRecord{},
	}}
	router := newEventsRouter(t, ingest)

	body := `[{"event_id":"` + id.String() + `","occurred_at":"2025-08-21T06:52:34Z","user_id":7,"event_type":"login"}]`
	recorder := postJSON(t, router, "/events", body)

	require.Equal(t, http.StatusCreated, recorder.Code)
	require.Len(t, ingest.records, 1)
	require.Equal(t, id.String(), ingest.records[0].EventID)

	var response services.IngestResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, []uuid.UUID{id}, response.Inserted)
	require.Empty(t, response.Duplicates)
	require.Empty(t, response.Invalid)
}

func TestHandleIngestEventsRejectsNonArray(t *testing.T) {
	router := newEventsRouter(t, &stubIngester{})

	recorder := postJSON(t, router, "/events", `{"event_id":"x"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHandleIngestEventsMalformedElementKeepsPosition(t *testing.T) {
	ingest := &stubIngester{result: &services.IngestResult{
		Inserted: []uuid.UUID{},
		Invalid: []services.InvalidRecord{
			{Index: 1, Reason: "missing user_id"},
		},
	}}
	router := newEventsRouter(t, ingest)

	// element 1 is not an object; the pipeline sees elements 0 and 2 and
	// reports its own index 1, which must map back to position 2
	body := `[{"event_id":"a"},42,{"event_id":"b"}]`
	recorder := postJSON(t, router, "/events", body)

	require.Equal(t, http.StatusCreated, recorder.Code)
	require.Len(t, ingest.records, 2)

	var response services.IngestResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Invalid, 2)
	require.Equal(t, 1, response.Invalid[0].Index)
	require.Equal(t, "malformed event object", response.Invalid[0].Reason)
	require.Equal(t, 2, response.Invalid[1].Index)
	require.Equal(t, "missing user_id", response.Invalid[1].Reason)
}

func TestHandleIngestEventsStorageFailure(t *testing.T) {
	ingest := &stubIngester{err: errors.New("connection refused")}
	router := newEventsRouter(t, ingest)

	recorder := postJSON(t, router, "/events", `[]`)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
}
