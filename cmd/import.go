package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/database"
	"github.com/YSAWORK/events-api/internal/importer"
	"github.com/YSAWORK/events-api/internal/repositories"
	"github.com/YSAWORK/events-api/internal/services"
)

var importBatchSize int

var importCmd = &cobra.Command{
	Use:   "import <csv-file>",
	Short: "Import events from a CSV file",
	Long: `Stream events from a CSV file into the event store in fixed-size
batches. The file must have a header row with the columns
event_id,occurred_at,user_id,event_type,properties. Re-running an
interrupted import is safe: already-committed rows come back as duplicates.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 1000, "rows per upsert batch")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Allow interrupting a long import between batches
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db, readOnlyDB); err != nil {
			log.Error().Err(err).Msg("Error closing database connections")
		}
	}()

	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	ingestService := services.NewIngestService(eventRepo, nil, importBatchSize)

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	csvImporter := importer.NewImporter(ingestService, importBatchSize)
	summary, err := csvImporter.ImportCSV(ctx, file)
	if summary != nil {
		fmt.Printf("Import finished: read %d, inserted %d, duplicates %d, invalid %d\n",
			summary.Read, summary.Inserted, summary.Duplicates, summary.Invalid)
	}
	return err
}
