package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/auth"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		AccessSecret:   "test-secret",
		Issuer:         "events-api",
		Audience:       "events-api-clients",
		AccessTTL:      time.Hour,
		BenchmarkToken: "bench-secret",
	}
}

func newProtectedRouter(cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	tokens := auth.NewTokenService(cfg, nil)

	router := gin.New()
	router.GET("/protected", AuthMiddleware(tokens, cfg), func(c *gin.Context) {
		userID := c.GetInt64(userIDContextKey)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return router
}

func serve(router *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	router := newProtectedRouter(testAuthConfig())
	recorder := serve(router, nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	router := newProtectedRouter(testAuthConfig())
	recorder := serve(router, map[string]string{"Authorization": "Bearer junk"})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	cfg := testAuthConfig()
	router := newProtectedRouter(cfg)

	token, err := auth.NewTokenService(cfg, nil).Issue(42)
	require.NoError(t, err)

	recorder := serve(router, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"user_id":42}`, recorder.Body.String())
}

func TestAuthMiddlewareBenchmarkBypass(t *testing.T) {
	router := newProtectedRouter(testAuthConfig())

	recorder := serve(router, map[string]string{benchmarkTokenKey: "bench-secret"})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"user_id":0}`, recorder.Body.String())

	recorder = serve(router, map[string]string{benchmarkTokenKey: "wrong"})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthMiddlewareBenchmarkBypassDisabledWhenUnset(t *testing.T) {
	cfg := testAuthConfig()
	cfg.BenchmarkToken = ""
	router := newProtectedRouter(cfg)

	recorder := serve(router, map[string]string{benchmarkTokenKey: ""})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.NotEmpty(t, recorder.Header().Get(requestIDKey))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDKey, "fixed-id")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, "fixed-id", recorder.Header().Get(requestIDKey))
}

func TestLoggingMiddlewareWithoutRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(LoggingMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestRateLimitMiddlewareFailsOpenWithoutRedis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(nil, config.RateLimitConfig{
		Enabled:  true,
		Requests: 1,
		Window:   time.Minute,
	}))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		require.Equal(t, http.StatusOK, recorder.Code)
	}
}
