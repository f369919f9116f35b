package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestion pipeline counters
var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_events_ingested_total",
		Help: "Number of events newly written to the store.",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_events_duplicate_total",
		Help: "Number of ingested events rejected as duplicates by event_id.",
	})

	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insights_events_invalid_total",
		Help: "Number of ingested records that failed validation.",
	})

	AnalyticsQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_analytics_queries_total",
		Help: "Number of analytics queries served, by query name.",
	}, []string{"query"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insights_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Handler exposes the prometheus scrape endpoint as a gin handler
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records per-request latency and status
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
