package importer

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/internal/services"
)

// expected CSV columns, in any order
var requiredColumns = []string{"event_id", "occurred_at", "user_id", "event_type", "properties"}

// Pipeline is the ingestion contract the loader drives. Each call commits
// independently, so an interrupted import resumes safely: re-running the same
// file reclassifies already-committed rows as duplicates.
type Pipeline interface {
	IngestBatch(ctx context.Context, records []services.EventRecord) (*services.IngestResult, error)
}

// Summary accumulates totals across all batches of one import
type Summary struct {
	Read       int `json:"read"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// Importer streams delimited event rows into the ingestion pipeline in
// fixed-size batches.
type Importer struct {
	pipeline  Pipeline
	batchSize int
}

// NewImporter creates a new CSV importer
func NewImporter(pipeline Pipeline, batchSize int) *Importer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Importer{
		pipeline:  pipeline,
		batchSize: batchSize,
	}
}

// ImportCSV reads a CSV stream with a required header row and feeds its rows
// to the pipeline. Row-level problems are counted and logged, never fatal; a
// storage failure aborts the import with whatever totals were committed.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader) (*Summary, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "CSV is empty or has no header row")
	}
	columnIndex, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	batch := make([]services.EventRecord, 0, im.batchSize)
	batchLines := make([]int, 0, im.batchSize)
	line := 1

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		result, err := im.pipeline.IngestBatch(ctx, batch)
		if err != nil {
			return errors.Wrapf(err, "batch ending at line %d failed", line)
		}
		summary.Inserted += len(result.Inserted)
		summary.Duplicates += len(result.Duplicates)
		summary.Invalid += len(result.Invalid)
		for _, invalid := range result.Invalid {
			log.Warn().
				Int("line", batchLines[invalid.Index]).
				Str("event_id", invalid.EventID).
				Str("reason", invalid.Reason).
				Msg("Skipped invalid row")
		}
		batch = batch[:0]
		batchLines = batchLines[:0]
		log.Info().
			Int("read", summary.Read).
			Int("inserted", summary.Inserted).
			Int("duplicates", summary.Duplicates).
			Int("invalid", summary.Invalid).
			Msg("Imported batch")
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				summary.Read++
				summary.Invalid++
				log.Warn().Int("line", line).Msg("Skipped row with wrong column count")
				continue
			}
			return summary, errors.Wrapf(err, "failed to read CSV at line %d", line)
		}

		summary.Read++
		batch = append(batch, rowToRecord(row, columnIndex))
		batchLines = append(batchLines, line)

		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}

	if err := flush(); err != nil {
		return summary, err
	}

	log.Info().
		Int("read", summary.Read).
		Int("inserted", summary.Inserted).
		Int("duplicates", summary.Duplicates).
		Int("invalid", summary.Invalid).
		Msg("Import completed")
	return summary, nil
}

// mapColumns resolves header names to positions, requiring every expected
// column to be present.
func mapColumns(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.ToLower(name))] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("CSV header is missing columns: %s", strings.Join(missing, ", "))
	}
	return index, nil
}

// rowToRecord maps a CSV row onto an ingestion record. Field validation stays
// in the pipeline so HTTP and bulk loads classify rows identically.
func rowToRecord(row []string, columnIndex map[string]int) services.EventRecord {
	record := services.EventRecord{
		EventID:    strings.TrimSpace(row[columnIndex["event_id"]]),
		OccurredAt: strings.TrimSpace(row[columnIndex["occurred_at"]]),
		EventType:  strings.TrimSpace(row[columnIndex["event_type"]]),
	}

	if userID, err := strconv.ParseInt(strings.TrimSpace(row[columnIndex["user_id"]]), 10, 64); err == nil {
		record.UserID = &userID
	}

	if properties := strings.TrimSpace(row[columnIndex["properties"]]); properties != "" {
		record.Properties = []byte(properties)
	}

	return record
}
