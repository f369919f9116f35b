package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/auth"
	"github.com/YSAWORK/events-api/internal/cache"
)

// Constants for middleware
const (
	requestIDKey      = "X-Request-ID"
	benchmarkTokenKey = "X-Benchmark-Token"
	userIDContextKey  = "user_id"
	benchmarkUserID   = int64(0)
)

// RequestIDMiddleware adds a request ID to the context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get request ID from header or generate a new one
		requestID := c.GetHeader(requestIDKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Set request ID in context and header
		c.Set(requestIDKey, requestID)
		c.Header(requestIDKey, requestID)

		c.Next()
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID, X-Benchmark-Token")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// LoggingMiddleware logs API requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Start timer
		start := time.Now()

		// Process request
		c.Next()

		// Calculate request time
		duration := time.Since(start)

		// Log request details
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("API request")
	}
}

// AuthMiddleware verifies bearer tokens. Requests carrying the configured
// benchmark token skip JWT verification entirely; the benchmark identity is
// resolved here, never inside ingestion or analytics logic.
func AuthMiddleware(tokens *auth.TokenService, cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.BenchmarkToken != "" && c.GetHeader(benchmarkTokenKey) == cfg.BenchmarkToken {
			c.Set(userIDContextKey, benchmarkUserID)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, err := tokens.Verify(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "could not validate credentials"})
			return
		}

		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// RateLimitMiddleware enforces a fixed-window per-client request budget
// backed by Redis. It fails open when the counter backend is unavailable.
func RateLimitMiddleware(redisCache *cache.RedisCache, cfg config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled || !redisCache.Enabled() {
			c.Next()
			return
		}

		window := time.Now().Truncate(cfg.Window)
		key := cache.RateLimitKey(c.FullPath(), c.ClientIP(), window)

		count, err := redisCache.IncrWindow(c.Request.Context(), key, cfg.Window)
		if err != nil {
			log.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}

		if count > int64(cfg.Requests) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}
