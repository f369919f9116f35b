package importer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/YSAWORK/events-api/internal/services"
)

// fakePipeline records every batch and classifies rows by a canned rule:
// empty event_type is invalid, an event_id seen before is a duplicate.
type fakePipeline struct {
	batches [][]services.EventRecord
	seen    map[string]bool
	failOn  int // 1-based batch number that fails, 0 for never
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{seen: make(map[string]bool)}
}

func (p *fakePipeline) IngestBatch(ctx context.Context, records []services.EventRecord) (*services.IngestResult, error) {
	copied := make([]services.EventRecord, len(records))
	copy(copied, records)
	p.batches = append(p.batches, copied)
	if p.failOn > 0 && len(p.batches) == p.failOn {
		return nil, errors.New("storage unavailable")
	}

	result := &services.IngestResult{}
	for i, record := range records {
		if record.EventType == "" {
			result.Invalid = append(result.Invalid, services.InvalidRecord{
				Index:   i,
				EventID: record.EventID,
				Reason:  "missing event_type",
			})
			continue
		}
		id := uuid.MustParse(record.EventID)
		if p.seen[record.EventID] {
			result.Duplicates = append(result.Duplicates, id)
			continue
		}
		p.seen[record.EventID] = true
		result.Inserted = append(result.Inserted, id)
	}
	return result, nil
}

func csvLine(eventType string) string {
	return uuid.NewString() + ",2025-08-21T06:52:34Z,7," + eventType + ","
}

func buildCSV(lines ...string) string {
	rows := append([]string{"event_id,occurred_at,user_id,event_type,properties"}, lines...)
	return strings.Join(rows, "\n") + "\n"
}

func TestImportCSVBatchesAndTotals(t *testing.T) {
	lines := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		lines = append(lines, csvLine("signup"))
	}
	pipeline := newFakePipeline()
	im := NewImporter(pipeline, 2)

	summary, err := im.ImportCSV(context.Background(), strings.NewReader(buildCSV(lines...)))
	require.NoError(t, err)
	require.Equal(t, &Summary{Read: 5, Inserted: 5}, summary)

	require.Len(t, pipeline.batches, 3)
	require.Len(t, pipeline.batches[0], 2)
	require.Len(t, pipeline.batches[1], 2)
	require.Len(t, pipeline.batches[2], 1)
}

func TestImportCSVCountsDuplicatesAndInvalid(t *testing.T) {
	repeated := csvLine("login")
	csv := buildCSV(repeated, csvLine(""), repeated)

	pipeline := newFakePipeline()
	im := NewImporter(pipeline, 1000)

	summary, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, &Summary{Read: 3, Inserted: 1, Duplicates: 1, Invalid: 1}, summary)
}

func TestImportCSVColumnOrderIsFree(t *testing.T) {
	id := uuid.NewString()
	csv := "properties,event_type,user_id,occurred_at,event_id\n" +
		`"{""plan"":""pro""}",signup,42,2025-08-21T06:52:34Z,` + id + "\n"

	pipeline := newFakePipeline()
	im := NewImporter(pipeline, 1000)

	summary, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Inserted)

	record := pipeline.batches[0][0]
	require.Equal(t, id, record.EventID)
	require.Equal(t, "signup", record.EventType)
	require.NotNil(t, record.UserID)
	require.Equal(t, int64(42), *record.UserID)
	require.JSONEq(t, `{"plan":"pro"}`, string(record.Properties))
}

func TestImportCSVMissingColumns(t *testing.T) {
	csv := "event_id,occurred_at\nabc,2025-08-21T06:52:34Z\n"

	im := NewImporter(newFakePipeline(), 1000)
	_, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.Error(t, err)
	require.Contains(t, err.Error(), "user_id")
	require.Contains(t, err.Error(), "properties")
}

func TestImportCSVBadQuotingIsFatal(t *testing.T) {
	// JSON cells must be CSV-quoted; a bare-quote row is a file defect,
	// not a skippable record
	csv := buildCSV(`{"plan":"pro"},signup,42,2025-08-21T06:52:34Z,` + uuid.NewString())

	im := NewImporter(newFakePipeline(), 1000)
	_, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.Error(t, err)
}

func TestImportCSVEmptyInput(t *testing.T) {
	im := NewImporter(newFakePipeline(), 1000)
	_, err := im.ImportCSV(context.Background(), strings.NewReader(""))
	require.Error(t, err)
}

func TestImportCSVSkipsRowsWithWrongColumnCount(t *testing.T) {
	csv := buildCSV(csvLine("login"), "too,few,columns", csvLine("login"))

	pipeline := newFakePipeline()
	im := NewImporter(pipeline, 1000)

	summary, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, &Summary{Read: 3, Inserted: 2, Invalid: 1}, summary)
}

func TestImportCSVLogsSourceLineOfInvalidRows(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	// line 2 is invalid, line 3 is skipped for its column count; the
	// warning for line 2 must name line 2 even though the skip shifted
	// the batch relative to the file
	csv := buildCSV(csvLine(""), "too,few,columns", csvLine("login"))

	im := NewImporter(newFakePipeline(), 1000)
	_, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)

	var invalidLogged bool
	for _, entry := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(entry, "Skipped invalid row") {
			continue
		}
		invalidLogged = true
		require.Contains(t, entry, `"line":2`)
	}
	require.True(t, invalidLogged)
}

func TestImportCSVStorageFailureStops(t *testing.T) {
	pipeline := newFakePipeline()
	pipeline.failOn = 2
	im := NewImporter(pipeline, 2)

	csv := buildCSV(csvLine("a"), csvLine("b"), csvLine("c"), csvLine("d"))
	summary, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.Error(t, err)
	require.Equal(t, 2, summary.Inserted)
	require.Len(t, pipeline.batches, 2)
}

func TestImportCSVHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	im := NewImporter(newFakePipeline(), 1000)
	_, err := im.ImportCSV(ctx, strings.NewReader(buildCSV(csvLine("login"))))
	require.ErrorIs(t, err, context.Canceled)
}

func TestImportCSVUserIDLeftUnsetOnGarbage(t *testing.T) {
	id := uuid.NewString()
	csv := buildCSV(id + ",2025-08-21T06:52:34Z,not-a-number,login,")

	pipeline := newFakePipeline()
	im := NewImporter(pipeline, 1000)

	_, err := im.ImportCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Nil(t, pipeline.batches[0][0].UserID)
}
