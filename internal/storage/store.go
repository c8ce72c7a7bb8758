// Package storage defines the contract shared by every log backend and an
// in-memory implementation used for quick starts and tests.
package storage

import (
	"context"
	"regexp"
	"strings"
	"time"

	"logvault/internal/domain"
)

// Kind tags a backend implementation. Callers branch on Kind, never on the
// concrete store type.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindMemory   Kind = "memory"
)

// ParseKind maps a configuration value to a Kind. Empty means auto-select.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindSQLite, KindPostgres, KindMemory:
		return k, nil
	case "relational", "mysql":
		return KindPostgres, nil
	default:
		return "", configErrorf("unknown backend type %q", s)
	}
}

// LogStore is implemented by every backend.
type LogStore interface {
	Kind() Kind
	// AddLog inserts or replaces the entry with the same id.
	AddLog(ctx context.Context, entry domain.LogEntry, opts ...AddOption) error
	// RemoveLog reports whether a row was deleted.
	RemoveLog(ctx context.Context, id string) (bool, error)
	GetLogByID(ctx context.Context, id string) (domain.LogEntry, bool, error)
	// GetLogs pages in storage order and then applies filter to each row.
	GetLogs(ctx context.Context, filter Filter, opts ListOptions) ([]domain.LogEntry, error)
	// WaitReady blocks until the backend can serve requests.
	WaitReady(ctx context.Context) error
	Close() error
}

// Filter decides whether an entry is kept by GetLogs. A non-nil error aborts
// the listing.
type Filter func(ctx context.Context, e domain.LogEntry) (bool, error)

// Match adapts a synchronous predicate to a Filter.
func Match(fn func(domain.LogEntry) bool) Filter {
	return func(_ context.Context, e domain.LogEntry) (bool, error) {
		return fn(e), nil
	}
}

// Apply runs the filter over rows, keeping order. A nil filter keeps all rows.
func (f Filter) Apply(ctx context.Context, rows []domain.LogEntry) ([]domain.LogEntry, error) {
	if f == nil {
		return rows, nil
	}
	out := make([]domain.LogEntry, 0, len(rows))
	for _, r := range rows {
		ok, err := f(ctx, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListOptions pages GetLogs. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// AddOptions tune a single AddLog call.
type AddOptions struct {
	// Timeout bounds the write when positive.
	Timeout time.Duration
	// Update merges object payloads with the stored row on backends that
	// support it.
	Update bool
}

// AddOption mutates AddOptions.
type AddOption func(*AddOptions)

// WithTimeout bounds the write by d.
func WithTimeout(d time.Duration) AddOption {
	return func(o *AddOptions) { o.Timeout = d }
}

// WithUpdate toggles merge-on-update.
func WithUpdate(update bool) AddOption {
	return func(o *AddOptions) { o.Update = update }
}

// ResolveAddOptions applies opts over the defaults.
func ResolveAddOptions(opts ...AddOption) AddOptions {
	o := AddOptions{Update: true}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Context derives the write context for these options.
func (o AddOptions) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return ctx, func() {}
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizeName turns a logical log-set name into an identifier usable as a
// file stem or table name. Names are lowercased and every run of other
// characters becomes "_", so "App-Log", "app log" and "app_log" all map to
// app_log and share one SQLite file, table and migration lock.
func SanitizeName(name string) string {
	s := unsafeName.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "logs"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "logs_" + s
	}
	return s
}
