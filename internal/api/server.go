package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/api/handlers"
	"github.com/YSAWORK/events-api/internal/auth"
	"github.com/YSAWORK/events-api/internal/cache"
	"github.com/YSAWORK/events-api/internal/metrics"
	"github.com/YSAWORK/events-api/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
}

// Deps bundles the collaborators the HTTP boundary consumes
type Deps struct {
	Ingest      handlers.Ingester
	Analytics   handlers.Analytics
	AuthService *auth.Service
	Cache       *cache.RedisCache
	Tracer      tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Deps) *Server {
	server := &Server{
		config: cfg,
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	server.router = server.setupRouter(deps)
	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      server.router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter(deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	if s.config.CorsEnabled {
		router.Use(CORSMiddleware())
	}
	router.Use(LoggingMiddleware())
	router.Use(metrics.Middleware())

	eventsHandler := handlers.NewEventsHandler(deps.Ingest, deps.Tracer)
	statsHandler := handlers.NewStatsHandler(deps.Analytics, deps.Tracer)
	authHandler := handlers.NewAuthHandler(deps.AuthService, deps.Tracer)

	// Open endpoints
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	authGroup := router.Group("/auth")
	authGroup.Use(RateLimitMiddleware(deps.Cache, s.config.RateLimit))
	{
		authGroup.POST("/register", authHandler.HandleRegister)
		authGroup.POST("/login", authHandler.HandleLogin)
		authGroup.POST("/logout", authHandler.HandleLogout)
	}

	// Authenticated endpoints
	protected := router.Group("/")
	protected.Use(AuthMiddleware(deps.AuthService.Tokens(), s.config.Auth))
	protected.Use(RateLimitMiddleware(deps.Cache, s.config.RateLimit))
	{
		protected.POST("/events", eventsHandler.HandleIngestEvents)
		protected.GET("/stats/dau", statsHandler.HandleDAU)
		protected.GET("/stats/top-events", statsHandler.HandleTopEvents)
		protected.GET("/stats/retention", statsHandler.HandleRetention)
	}

	return router
}

// Router exposes the configured router, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
