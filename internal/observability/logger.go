// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "requestID"
	componentKey contextKey = "component"
)

// Logger is the structured logger handed to every package.
type Logger interface {
	// Debug logs at debug level.
	Debug(msg string, args ...any)
	// Info logs at info level.
	Info(msg string, args ...any)
	// Warn logs at warning level.
	Warn(msg string, args ...any)
	// Error logs at error level.
	Error(msg string, args ...any)

	// DebugContext logs at debug level, adding request_id and component from ctx.
	DebugContext(ctx context.Context, msg string, args ...any)
	// InfoContext logs at info level, adding request_id and component from ctx.
	InfoContext(ctx context.Context, msg string, args ...any)
	// WarnContext logs at warning level, adding request_id and component from ctx.
	WarnContext(ctx context.Context, msg string, args ...any)
	// ErrorContext logs at error level, adding request_id and component from ctx.
	ErrorContext(ctx context.Context, msg string, args ...any)

	// With returns a Logger that adds args to every record.
	With(args ...any) Logger
	// WithComponent returns a Logger with the component field set.
	WithComponent(name string) Logger

	// Slog exposes the underlying *slog.Logger.
	Slog() *slog.Logger
}

// Config holds configuration for the logger.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stderr so command output stays clean on stdout.
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: os.Stderr}
}

// ConfigFromEnv reads LOGVAULT_LOG_LEVEL and LOGVAULT_LOG_FORMAT over the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("LOGVAULT_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("LOGVAULT_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	return cfg
}

type slogLogger struct {
	l *slog.Logger
}

// NewLogger builds a Logger from cfg.
func NewLogger(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return &slogLogger{l: slog.New(contextHandler{h})}
}

// NewLoggerFromSlog wraps an existing *slog.Logger. Nil uses slog.Default.
func NewLoggerFromSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// OrDefault returns l, or a logger built from the environment when l is nil.
func OrDefault(l Logger) Logger {
	if l != nil {
		return l
	}
	return NewLogger(ConfigFromEnv())
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	s.l.DebugContext(ctx, msg, args...)
}

func (s *slogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *slogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s *slogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

func (s *slogLogger) WithComponent(name string) Logger {
	return s.With("component", name)
}

func (s *slogLogger) Slog() *slog.Logger { return s.l }

// contextHandler copies request-scoped values from the record context onto
// the record.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RequestIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if c := ComponentFromContext(ctx); c != "" {
		r.AddAttrs(slog.String("component", c))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithComponent stores the component name in the context.
func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return context.WithValue(ctx, componentKey, component)
}

// ComponentFromContext retrieves the component name from context.
func ComponentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(componentKey).(string)
	return v
}
