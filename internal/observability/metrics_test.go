package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsDisabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	require.Nil(t, m)

	// Nil metrics are safe to use everywhere.
	m.ObserveStoreOp("sqlite", "add", time.Now(), nil)
	m.RecordMigration("copied", 3)
	m.RecordBackup(nil)
	m.RecordFallback()
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestMetricsConfigFromEnv(t *testing.T) {
	t.Setenv("LOGVAULT_METRICS_ENABLED", "false")
	t.Setenv("APP_VERSION", "1.2.3")
	cfg := MetricsConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "1.2.3", cfg.Version)
}

func TestStoreAndMigrationCounters(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	m.ObserveStoreOp("sqlite", "add", time.Now(), nil)
	m.ObserveStoreOp("sqlite", "add", time.Now(), errors.New("x"))
	m.RecordMigration("copied", 5)
	m.RecordMigration("skipped", 0)
	m.RecordBackup(errors.New("no sqlite3"))
	m.RecordFallback()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("sqlite", "add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOps.WithLabelValues("sqlite", "add", "error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.migratedRows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.migrations.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backups.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/logs":         "/api/v1/logs",
		"/api/v1/logs/":        "/api/v1/logs/",
		"/api/v1/logs/abc-123": "/api/v1/logs/{id}",
		"/healthz":             "/healthz",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	h := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	for _, p := range []string{"/api/v1/logs/1", "/api/v1/logs/2", "/limited"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, p, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("PUT", "/api/v1/logs/{id}", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeConnections))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "logvault_http_requests_total"))
	assert.True(t, strings.Contains(string(body), `logvault_info{version="dev"} 1`))
}

func TestMetricsMiddlewareNil(t *testing.T) {
	called := false
	h := MetricsMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)

	var m *Metrics
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
