// Package api serves a log set over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"

	"logvault/internal/domain"
	"logvault/internal/observability"
	"logvault/internal/storage"
)

// Store is the subset of the log facade the handlers need. Both *logdb.DB
// and every storage.LogStore satisfy it.
type Store interface {
	Kind() storage.Kind
	AddLog(ctx context.Context, entry domain.LogEntry, opts ...storage.AddOption) error
	RemoveLog(ctx context.Context, id string) (bool, error)
	GetLogByID(ctx context.Context, id string) (domain.LogEntry, bool, error)
	GetLogs(ctx context.Context, filter storage.Filter, opts storage.ListOptions) ([]domain.LogEntry, error)
	WaitReady(ctx context.Context) error
}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type Server struct {
	mux     *http.ServeMux
	store   Store
	logger  observability.Logger
	metrics *observability.Metrics
}

// NewServer creates a server on mux. A nil logger selects the default one;
// a nil metrics disables /metrics.
func NewServer(mux *http.ServeMux, store Store, logger observability.Logger, metrics *observability.Metrics) *Server {
	if mux == nil {
		mux = http.NewServeMux()
	}
	return &Server{
		mux:     mux,
		store:   store,
		logger:  observability.OrDefault(logger).WithComponent("api"),
		metrics: metrics,
	}
}

// RegisterRoutes installs every endpoint on the server's mux.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPISpec)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("GET /api/v1/logs", s.handleListLogs)
	s.mux.HandleFunc("GET /api/v1/logs/{id}", s.handleGetLog)
	s.mux.HandleFunc("PUT /api/v1/logs/{id}", s.handlePutLog)
	s.mux.HandleFunc("DELETE /api/v1/logs/{id}", s.handleDeleteLog)
}

// Handler returns the mux wrapped in the standard middleware chain:
// metrics (outermost), request id, logging, then rate limiting.
func (s *Server) Handler(rl RateLimitConfig) http.Handler {
	return ApplyMiddlewares(s.mux,
		Middleware(observability.MetricsMiddleware(s.metrics)),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		RateLimitMiddleware(rl, s.logger),
	)
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{"status", code, "error", msg}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		sentry.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// writeStoreErr maps storage sentinels onto status codes.
func (s *Server) writeStoreErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		s.writeErr(ctx, w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, storage.ErrClosed):
		s.writeErr(ctx, w, http.StatusServiceUnavailable, "store closed", "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", err.Error())
	}
}
