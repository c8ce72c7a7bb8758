package observability

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Version   string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Namespace: "logvault", Version: "dev"}
}

// MetricsConfigFromEnv reads LOGVAULT_METRICS_ENABLED and APP_VERSION.
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("LOGVAULT_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics owns a private Prometheus registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	storeOps          *prometheus.CounterVec
	storeLatency      *prometheus.HistogramVec
	migrations        *prometheus.CounterVec
	migratedRows      prometheus.Counter
	backups           *prometheus.CounterVec
	fallbacks         prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
	rateLimited       prometheus.Counter
	activeConnections prometheus.Gauge
}

// NewMetrics registers every collector. It returns nil when cfg.Enabled is false.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "logvault"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	f.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": cfg.Version},
	}).Set(1)

	return &Metrics{
		registry: reg,
		storeOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "store_operations_total",
			Help: "Log store operations by backend, operation and result.",
		}, []string{"backend", "op", "result"}),
		storeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "store_operation_duration_seconds",
			Help:    "Log store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "migrations_total",
			Help: "Migration passes by result (copied, skipped, failed).",
		}, []string{"result"}),
		migratedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "migrated_rows_total",
			Help: "Rows copied from SQLite into the relational backend.",
		}),
		backups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "backups_total",
			Help: "SQLite dump backups by result.",
		}, []string{"result"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "backend_fallbacks_total",
			Help: "Times auto selection fell back from the relational backend to SQLite.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_connections",
			Help: "In-flight HTTP requests.",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStoreOp records one backend call.
func (m *Metrics) ObserveStoreOp(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(backend, op, result(err)).Inc()
	m.storeLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// RecordMigration records a migration pass. result is copied, skipped or failed.
func (m *Metrics) RecordMigration(result string, rows int) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(result).Inc()
	if rows > 0 {
		m.migratedRows.Add(float64(rows))
	}
}

// RecordBackup records a dump backup attempt.
func (m *Metrics) RecordBackup(err error) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(result(err)).Inc()
}

// RecordFallback counts an auto-selection fallback to SQLite.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// RecordHTTPRequest records an HTTP request with its method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	path = normalizePath(path)
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpLatency.WithLabelValues(method, path).Observe(duration.Seconds())
	if statusCode == http.StatusTooManyRequests {
		m.rateLimited.Inc()
	}
}

// normalizePath collapses the id segment of log routes to keep label
// cardinality bounded.
func normalizePath(path string) string {
	const prefix = "/api/v1/logs/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return prefix + "{id}"
	}
	return path
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			m.activeConnections.Inc()
			defer m.activeConnections.Dec()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
