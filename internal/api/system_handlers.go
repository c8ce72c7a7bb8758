package api

import (
	"context"
	"net/http"
	"time"

	apidocs "logvault/docs"
)

const readyTimeout = 5 * time.Second

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apidocs.OpenAPISpec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessResponse represents the JSON response for the readiness check endpoint.
type ReadinessResponse struct {
	Status  string            `json:"status"`
	Backend string            `json:"backend,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// handleReady waits briefly for the backend. 200 when it is usable, 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := ReadinessResponse{Status: "ok", Checks: map[string]string{"store": "ok"}}
	if err := s.store.WaitReady(ctx); err != nil {
		s.logger.ErrorContext(ctx, "readiness check failed", "check", "store", "error", err.Error())
		resp.Status = "unhealthy"
		resp.Checks["store"] = "error"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Backend = string(s.store.Kind())
	writeJSON(w, http.StatusOK, resp)
}
