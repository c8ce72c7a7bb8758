// Package testutil provides shared fixtures for logvault integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"logvault/internal/api"
	"logvault/internal/config"
	"logvault/internal/observability"
)

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	// EnableRateLimit enables rate limiting middleware.
	EnableRateLimit bool
	// RateLimitConfig configures rate limiting if enabled.
	RateLimitConfig api.RateLimitConfig
	// EnableMetrics enables metrics collection and /metrics.
	EnableMetrics bool
}

// TestServerComponents holds all the components created for a test server.
type TestServerComponents struct {
	Server  *httptest.Server
	Metrics *observability.Metrics
	Logger  observability.Logger
}

// Config returns settings rooted in a per-test temp dir with backups off and
// no relational credentials.
func Config(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = filepath.Join(dir, "db")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.BackupDir = ""
	cfg.Postgres.StateDir = cfg.StateDir
	return &cfg
}

// NewTestServer serves store through the full middleware chain. The server
// is closed when the test ends; store is left to the caller.
func NewTestServer(t *testing.T, store api.Store, cfg TestServerConfig) *TestServerComponents {
	t.Helper()

	logger := observability.NewLogger(observability.Config{
		Level:  "debug",
		Format: "json",
		Output: io.Discard,
	})

	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics(observability.MetricsConfig{
			Enabled:   true,
			Namespace: "logvault_test",
			Version:   "test",
		})
	}

	srv := api.NewServer(http.NewServeMux(), store, logger, metrics)
	srv.RegisterRoutes()

	var rl api.RateLimitConfig
	if cfg.EnableRateLimit {
		rl = cfg.RateLimitConfig
	}
	testServer := httptest.NewServer(srv.Handler(rl))
	t.Cleanup(testServer.Close)

	return &TestServerComponents{Server: testServer, Metrics: metrics, Logger: logger}
}

// DoJSON sends body (marshalled when non-nil) and returns the status and the
// raw response body.
func DoJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}
