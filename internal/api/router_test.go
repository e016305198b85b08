package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/api/handlers"
	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/infrastructure/cache"
	"ruleforge-lab/pkg/logger"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", logger.NewNop())

	h := handlers.NewHandlers(handlers.Dependencies{Logger: logger.NewNop()})
	srv := httptest.NewServer(NewRouter(cfg, h, c, logger.NewNop()).Setup())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestRouter_AuthAndHealth(t *testing.T) {
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKeys: []string{"k1"}}}
	srv := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/health", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+"/api/v1/stats", "").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/api/v1/stats", "k1").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.URL+"/api/v1/coverage/stream", "k1").StatusCode)
}

func TestRouter_RateLimit(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}}
	srv := newTestServer(t, cfg)

	var last int
	for i := 0; i < 3; i++ {
		resp := get(t, srv.URL+"/api/v1/stats", "")
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// Probes are never limited
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/health", "").StatusCode)
}
