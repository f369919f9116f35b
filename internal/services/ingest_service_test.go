package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/YSAWORK/events-api/internal/models"
)

// fakeEventWriter emulates the store's insert-or-ignore semantics in memory
type fakeEventWriter struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]models.Event
	batchSizes []int
	failBatch  int // 1-based batch number that fails, 0 for never
}

func newFakeEventWriter() *fakeEventWriter {
	return &fakeEventWriter{rows: make(map[uuid.UUID]models.Event)}
}

func (f *fakeEventWriter) InsertBatch(ctx context.Context, events []models.Event) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchSizes = append(f.batchSizes, len(events))
	if f.failBatch > 0 && len(f.batchSizes) == f.failBatch {
		return nil, errors.New("connection reset")
	}

	var inserted []uuid.UUID
	for _, e := range events {
		if _, exists := f.rows[e.EventID]; exists {
			continue
		}
		f.rows[e.EventID] = e
		inserted = append(inserted, e.EventID)
	}
	return inserted, nil
}

func intPtr(v int64) *int64 {
	return &v
}

func makeRecords(t *testing.T, n int) []EventRecord {
	t.Helper()
	records := make([]EventRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, EventRecord{
			EventID:    uuid.NewString(),
			OccurredAt: "2025-08-21T06:52:34+03:00",
			UserID:     intPtr(int64(i % 5)),
			EventType:  "login",
		})
	}
	return records
}

func TestIngestBatchIsIdempotent(t *testing.T) {
	store := newFakeEventWriter()
	svc := NewIngestService(store, nil, 1000)
	records := makeRecords(t, 20)

	first, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, first.Inserted, 20)
	require.Empty(t, first.Duplicates)
	require.Empty(t, first.Invalid)

	second, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Empty(t, second.Inserted)
	require.Len(t, second.Duplicates, 20)

	require.Len(t, store.rows, 20)
}

func TestIngestBatchChunkBoundaryInvariance(t *testing.T) {
	records := makeRecords(t, 25)

	classify := func(chunkSize int) (map[uuid.UUID]bool, int) {
		store := newFakeEventWriter()
		svc := NewIngestService(store, nil, chunkSize)
		result, err := svc.IngestBatch(context.Background(), records)
		require.NoError(t, err)
		require.Empty(t, result.Duplicates)

		inserted := make(map[uuid.UUID]bool, len(result.Inserted))
		for _, id := range result.Inserted {
			inserted[id] = true
		}
		return inserted, len(store.batchSizes)
	}

	byOne, oneBatches := classify(1)
	byThousand, thousandBatches := classify(1000)

	require.Equal(t, byOne, byThousand)
	require.Equal(t, 25, oneBatches)
	require.Equal(t, 1, thousandBatches)
}

func TestIngestBatchInvalidRecordIsolation(t *testing.T) {
	store := newFakeEventWriter()
	svc := NewIngestService(store, nil, 1000)

	records := makeRecords(t, 3)
	records[1].EventID = ""

	result, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, result.Inserted, 2)
	require.Len(t, result.Invalid, 1)
	require.Equal(t, 1, result.Invalid[0].Index)
	require.Equal(t, "missing event_id", result.Invalid[0].Reason)
	require.Len(t, store.rows, 2)
}

func TestIngestBatchValidationReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*EventRecord)
		reason string
	}{
		{"bad uuid", func(r *EventRecord) { r.EventID = "not-a-uuid" }, `invalid event_id "not-a-uuid"`},
		{"missing timestamp", func(r *EventRecord) { r.OccurredAt = "" }, "missing occurred_at"},
		{"bad timestamp", func(r *EventRecord) { r.OccurredAt = "yesterday" }, `invalid occurred_at "yesterday"`},
		{"missing user", func(r *EventRecord) { r.UserID = nil }, "missing user_id"},
		{"missing type", func(r *EventRecord) { r.EventType = "  " }, "missing event_type"},
		{"bad properties", func(r *EventRecord) { r.Properties = []byte("{not json") }, "invalid properties payload"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeEventWriter()
			svc := NewIngestService(store, nil, 1000)

			records := makeRecords(t, 1)
			tc.mutate(&records[0])

			result, err := svc.IngestBatch(context.Background(), records)
			require.NoError(t, err)
			require.Empty(t, result.Inserted)
			require.Len(t, result.Invalid, 1)
			require.Equal(t, tc.reason, result.Invalid[0].Reason)
		})
	}
}

func TestIngestBatchRepeatedIDWithinBatch(t *testing.T) {
	store := newFakeEventWriter()
	svc := NewIngestService(store, nil, 1000)

	records := makeRecords(t, 3)
	records[1].EventID = records[0].EventID
	records[2].EventID = records[0].EventID

	// An id new to the store classifies as inserted exactly once, no
	// matter how often the batch repeats it
	result, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, result.Inserted, 1)
	require.Empty(t, result.Duplicates)
	require.Len(t, store.rows, 1)

	// On a re-run the same id classifies as duplicate exactly once
	rerun, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Empty(t, rerun.Inserted)
	require.Len(t, rerun.Duplicates, 1)
	require.Equal(t, result.Inserted[0], rerun.Duplicates[0])
}

func TestIngestBatchClassificationsAreDisjoint(t *testing.T) {
	store := newFakeEventWriter()
	svc := NewIngestService(store, nil, 1000)

	records := makeRecords(t, 10)
	records = append(records, records[3], records[7])

	first, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	second, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)

	for _, result := range []*IngestResult{first, second} {
		seen := make(map[uuid.UUID]bool)
		for _, id := range result.Inserted {
			require.False(t, seen[id])
			seen[id] = true
		}
		for _, id := range result.Duplicates {
			require.False(t, seen[id])
			seen[id] = true
		}
		require.Len(t, seen, 10)
	}
}

func TestIngestBatchProperties(t *testing.T) {
	store := newFakeEventWriter()
	svc := NewIngestService(store, nil, 1000)

	records := makeRecords(t, 3)
	records[0].Properties = nil
	records[1].Properties = json.RawMessage(`{"country":"UA"}`)
	records[2].Properties = json.RawMessage(`"checkout"`)

	result, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, result.Inserted, 3)

	require.Equal(t, models.Properties{}, store.rows[mustParse(t, records[0].EventID)].Properties)
	require.Equal(t, models.Properties{"country": "UA"}, store.rows[mustParse(t, records[1].EventID)].Properties)
	require.Equal(t, models.Properties{"value": "checkout"}, store.rows[mustParse(t, records[2].EventID)].Properties)
}

func TestIngestBatchChunkFailureKeepsEarlierChunks(t *testing.T) {
	store := newFakeEventWriter()
	store.failBatch = 2
	svc := NewIngestService(store, nil, 10)

	records := makeRecords(t, 25)

	_, err := svc.IngestBatch(context.Background(), records)
	require.Error(t, err)

	// The first chunk stays committed; a retry reclassifies it as duplicates
	require.Len(t, store.rows, 10)

	store.failBatch = 0
	retry, err := svc.IngestBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, retry.Inserted, 15)
	require.Len(t, retry.Duplicates, 10)
	require.Len(t, store.rows, 25)
}

func mustParse(t *testing.T, id string) uuid.UUID {
	t.Helper()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	return parsed
}
