// Package postgres is the relational log backend. Helper owns the connection
// pool and database bootstrap; Store implements storage.LogStore on top of it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"logvault/internal/observability"
	"logvault/internal/storage"
)

const (
	DefaultPort            = 5432
	DefaultConnectionLimit = 10
	DefaultConnectTimeout  = 10 * time.Second
	DefaultAdminDatabase   = "postgres"
	DefaultSSLMode         = "prefer"
)

// Config describes how to reach the relational database.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	Table           string        `yaml:"table"`
	SSLMode         string        `yaml:"sslmode"`
	AdminDatabase   string        `yaml:"admin_database"`
	ConnectionLimit int32         `yaml:"connection_limit"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// StateDir holds the bootstrap marker. Empty disables the marker.
	StateDir string `yaml:"-"`
}

// ConfigFromURL fills host, port, credentials and database from a
// postgres:// connection string.
func ConfigFromURL(connStr string) (Config, error) {
	pc, err := pgx.ParseConfig(connStr)
	if err != nil {
		return Config{}, fmt.Errorf("%w: parse connection string: %v", storage.ErrConfig, err)
	}
	return Config{
		Host:     pc.Host,
		Port:     int(pc.Port),
		User:     pc.User,
		Password: pc.Password,
		Database: pc.Database,
		SSLMode:  "disable",
	}, nil
}

// Configured reports whether any connection setting was provided.
func (c Config) Configured() bool {
	return c.Host != "" || c.User != "" || c.Password != "" || c.Database != ""
}

// Validate checks the settings required to connect.
func (c Config) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.User == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.Database == "" {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		return storage.MissingConfig(missing...)
	}
	return nil
}

func (c Config) port() int {
	if c.Port > 0 {
		return c.Port
	}
	return DefaultPort
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c Config) connectionLimit() int32 {
	if c.ConnectionLimit > 0 {
		return c.ConnectionLimit
	}
	return DefaultConnectionLimit
}

// ConnString builds a postgres:// URL for database db.
func (c Config) ConnString(db string) string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = DefaultSSLMode
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("connect_timeout", strconv.Itoa(int(c.connectTimeout().Round(time.Second)/time.Second)))
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.port())),
		Path:     "/" + db,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ExecResult reports the outcome of Execute.
type ExecResult struct {
	RowsAffected int64
}

// Helper lazily creates the database and a bounded connection pool.
type Helper struct {
	cfg    Config
	fs     afero.Fs
	logger observability.Logger

	group singleflight.Group
	mu    sync.RWMutex
	pool  *pgxpool.Pool
}

// HelperOption customises a Helper.
type HelperOption func(*Helper)

// WithFs sets the filesystem used for the bootstrap marker.
func WithFs(fs afero.Fs) HelperOption {
	return func(h *Helper) {
		if fs != nil {
			h.fs = fs
		}
	}
}

// WithLogger sets the helper logger.
func WithLogger(l observability.Logger) HelperOption {
	return func(h *Helper) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHelper validates cfg. No connection is opened until Initialize.
func NewHelper(cfg Config, opts ...HelperOption) (*Helper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Helper{cfg: cfg, fs: afero.NewOsFs()}
	for _, o := range opts {
		o(h)
	}
	h.logger = observability.OrDefault(h.logger).WithComponent("postgres")
	return h, nil
}

// Ready reports whether the pool is open.
func (h *Helper) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pool != nil
}

// Pool returns the pool, or nil before Initialize.
func (h *Helper) Pool() *pgxpool.Pool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pool
}

// Initialize creates the database if needed and opens the pool. Concurrent
// callers share one attempt; a failed attempt is retried by the next call.
// The shared attempt runs detached from the caller that started it, bounded
// by twice the connect timeout (admin connection plus pool). A caller whose
// ctx ends first returns early.
func (h *Helper) Initialize(ctx context.Context) error {
	if h.Ready() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := h.group.DoChan("init", func() (any, error) {
		if h.Ready() {
			return nil, nil
		}
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*h.cfg.connectTimeout())
		defer cancel()
		return nil, h.initialize(ictx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Helper) initialize(ctx context.Context) error {
	if err := h.ensureDatabase(ctx); err != nil {
		return err
	}

	pcfg, err := pgxpool.ParseConfig(h.cfg.ConnString(h.cfg.Database))
	if err != nil {
		return fmt.Errorf("%w: parse connection string: %v", storage.ErrConfig, err)
	}
	pcfg.MaxConns = h.cfg.connectionLimit()
	pcfg.ConnConfig.ConnectTimeout = h.cfg.connectTimeout()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, h.cfg.connectTimeout())
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	h.mu.Lock()
	h.pool = pool
	h.mu.Unlock()
	h.logger.Info("postgres pool ready",
		"host", h.cfg.Host, "database", h.cfg.Database, "max_conns", pcfg.MaxConns)
	return nil
}

func (h *Helper) markerPath() string {
	if h.cfg.StateDir == "" {
		return ""
	}
	name := fmt.Sprintf("pg-%s-%d-%s.ready", storage.SanitizeName(h.cfg.Host), h.cfg.port(), storage.SanitizeName(h.cfg.Database))
	return filepath.Join(h.cfg.StateDir, name)
}

// ensureDatabase creates the target database through the admin database
// unless a previous run already left the marker behind.
func (h *Helper) ensureDatabase(ctx context.Context) error {
	marker := h.markerPath()
	if marker != "" {
		if ok, _ := afero.Exists(h.fs, marker); ok {
			return nil
		}
	}

	admin := h.cfg.AdminDatabase
	if admin == "" {
		admin = DefaultAdminDatabase
	}
	ccfg, err := pgx.ParseConfig(h.cfg.ConnString(admin))
	if err != nil {
		return fmt.Errorf("%w: parse admin connection string: %v", storage.ErrConfig, err)
	}
	ccfg.ConnectTimeout = h.cfg.connectTimeout()

	conn, err := pgx.ConnectConfig(ctx, ccfg)
	if err != nil {
		// Managed databases often refuse the admin database; the pool ping
		// decides whether the target is usable.
		h.logger.Warn("database bootstrap skipped", "admin_database", admin, "error", err)
		return nil
	}
	defer conn.Close(context.Background())

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, h.cfg.Database).Scan(&exists); err != nil {
		return fmt.Errorf("check database: %w", err)
	}
	if !exists {
		_, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{h.cfg.Database}.Sanitize())
		var pgErr *pgconn.PgError
		if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == "42P04") {
			return fmt.Errorf("create database %s: %w", h.cfg.Database, err)
		}
		h.logger.Info("created database", "database", h.cfg.Database)
	}

	if marker != "" {
		if err := h.fs.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
			return fmt.Errorf("write bootstrap marker: %w", err)
		}
		stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
		if err := afero.WriteFile(h.fs, marker, stamp, 0o644); err != nil {
			return fmt.Errorf("write bootstrap marker: %w", err)
		}
	}
	return nil
}

func (h *Helper) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if err := h.Initialize(ctx); err != nil {
		return nil, err
	}
	pool := h.Pool()
	if pool == nil {
		return nil, storage.ErrClosed
	}
	return pool.Acquire(ctx)
}

// Query runs sql and hands each row to scan. The connection is released on
// every path.
func (h *Helper) Query(ctx context.Context, sql string, args []any, scan func(pgx.Rows) error) error {
	conn, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Execute runs a statement that returns no rows.
func (h *Helper) Execute(ctx context.Context, sql string, args ...any) (ExecResult, error) {
	conn, err := h.acquire(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{RowsAffected: tag.RowsAffected()}, nil
}

// Transaction runs fn inside BEGIN/COMMIT on one pooled connection. Any error
// or panic from fn rolls back; fn's error is returned unchanged.
func (h *Helper) Transaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	conn, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.Background())
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			h.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Close releases the pool. It is a no-op before Initialize.
func (h *Helper) Close() {
	h.mu.Lock()
	pool := h.pool
	h.pool = nil
	h.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
