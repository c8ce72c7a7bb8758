package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"logvault/internal/domain"
	"logvault/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// LogPage is the list response.
type LogPage struct {
	Items  []domain.LogEntry `json:"items"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// putLogRequest is the PUT body. The id comes from the path.
type putLogRequest struct {
	Data      any    `json:"data"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid limit", q.Get("limit"))
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid offset", q.Get("offset"))
		return
	}

	var filter storage.Filter
	if needle := strings.ToLower(strings.TrimSpace(q.Get("q"))); needle != "" {
		filter = storage.Match(func(e domain.LogEntry) bool {
			return strings.Contains(strings.ToLower(e.Message), needle)
		})
	}

	items, err := s.store.GetLogs(ctx, filter, storage.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if items == nil {
		items = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, LogPage{Items: items, Limit: limit, Offset: offset})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	entry, ok, err := s.store.GetLogByID(ctx, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if !ok {
		s.writeErr(ctx, w, http.StatusNotFound, "log not found", id)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handlePutLog upserts the entry. ?merge=false turns off the relational
// merge of object payloads.
func (s *Server) handlePutLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req putLogRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	if req.Timestamp != "" && !domain.ValidTimestamp(req.Timestamp) {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid timestamp", "expected "+domain.TimestampLayout)
		return
	}

	var opts []storage.AddOption
	if v := r.URL.Query().Get("merge"); v != "" {
		merge, err := strconv.ParseBool(v)
		if err != nil {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid merge flag", v)
			return
		}
		opts = append(opts, storage.WithUpdate(merge))
	}

	entry := domain.LogEntry{ID: id, Data: normalizeNumbers(req.Data), Message: req.Message, Timestamp: req.Timestamp}
	if err := s.store.AddLog(ctx, entry, opts...); err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	s.respondStored(ctx, w, entry.WithDefaults())
}

func (s *Server) respondStored(ctx context.Context, w http.ResponseWriter, fallback domain.LogEntry) {
	stored, ok, err := s.store.GetLogByID(ctx, fallback.ID)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, fallback)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	removed, err := s.store.RemoveLog(ctx, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	if !removed {
		s.writeErr(ctx, w, http.StatusNotFound, "log not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// normalizeNumbers turns json.Number values into int64 or float64 so payloads
// round-trip through every codec unchanged.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
