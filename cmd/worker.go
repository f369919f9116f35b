package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/cache"
	"github.com/YSAWORK/events-api/internal/database"
	"github.com/YSAWORK/events-api/internal/messaging"
	"github.com/YSAWORK/events-api/internal/repositories"
	"github.com/YSAWORK/events-api/internal/search"
	"github.com/YSAWORK/events-api/internal/services"
)

// how often the worker refreshes the cached DAU series for the dashboard
const dauRefreshInterval = 5 * time.Minute

// how many trailing days the refresh job keeps warm
const dauRefreshDays = 7

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker to ingest event batches from the
Service Bus queue and keep the recent DAU series cached`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	// Initialize Elasticsearch projection
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search projection")
		elasticClient = nil
	}

	// Initialize repositories and services
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	ingestService := services.NewIngestService(eventRepo, elasticClient, cfg.Ingest.ChunkSize)
	analyticsService, err := services.NewAnalyticsService(
		eventRepo, redisCache, cfg.Analytics.Timezone,
		cfg.Analytics.MaxLimit, cfg.Analytics.MaxWindow,
		cfg.Analytics.CacheTTL, cfg.Analytics.CacheEnabled,
	)
	if err != nil {
		return err
	}

	// Start the Service Bus consumer
	if cfg.ServiceBus.Enabled {
		consumer, err := messaging.NewConsumer(cfg.ServiceBus, ingestService)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	} else {
		log.Info().Msg("Service Bus consumer disabled")
	}

	// Keep the recent DAU series warm in the cache
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(dauRefreshInterval),
			gocron.NewTask(func() {
				to := time.Now().UTC()
				from := to.AddDate(0, 0, -dauRefreshDays)
				if _, err := analyticsService.DAU(ctx, from, to, nil); err != nil {
					log.Error().Err(err).Msg("Failed to refresh DAU cache")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
