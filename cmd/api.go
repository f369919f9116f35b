package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/api"
	"github.com/YSAWORK/events-api/internal/auth"
	"github.com/YSAWORK/events-api/internal/cache"
	"github.com/YSAWORK/events-api/internal/database"
	"github.com/YSAWORK/events-api/internal/repositories"
	"github.com/YSAWORK/events-api/internal/search"
	"github.com/YSAWORK/events-api/internal/services"
	"github.com/YSAWORK/events-api/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for event ingestion and analytics queries`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Close()

	// Initialize Elasticsearch projection
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search projection")
		elasticClient = nil
	}

	// Initialize repositories and services
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	userRepo := repositories.NewUserRepository(db, readOnlyDB)

	ingestService := services.NewIngestService(eventRepo, elasticClient, cfg.Ingest.ChunkSize)
	analyticsService, err := services.NewAnalyticsService(
		eventRepo, redisCache, cfg.Analytics.Timezone,
		cfg.Analytics.MaxLimit, cfg.Analytics.MaxWindow,
		cfg.Analytics.CacheTTL, cfg.Analytics.CacheEnabled,
	)
	if err != nil {
		return err
	}

	tokenService := auth.NewTokenService(cfg.Auth, redisCache)
	authService := auth.NewService(userRepo, tokenService)

	// Initialize and start the server
	server := api.NewServer(cfg, api.Deps{
		Ingest:      ingestService,
		Analytics:   analyticsService,
		AuthService: authService,
		Cache:       redisCache,
		Tracer:      tracer,
	})

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
