// Package logdb is the single entry point applications use to persist logs.
// It picks a backend lazily, falls back from the relational database to
// SQLite, and migrates SQLite content upward when it is closed.
package logdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/afero"

	"logvault/internal/codec"
	"logvault/internal/config"
	"logvault/internal/domain"
	"logvault/internal/lifecycle"
	"logvault/internal/observability"
	"logvault/internal/storage"
	"logvault/internal/storage/migrate"
	"logvault/internal/storage/postgres"
	"logvault/internal/storage/sqlite"
)

// Options configure a DB. Zero values fall back to config.Default.
type Options struct {
	// Type forces a backend. Empty selects automatically.
	Type    storage.Kind
	Config  *config.Config
	Codec   codec.Codec
	Logger  observability.Logger
	Metrics *observability.Metrics
	// Hooks receives the SQLite exit-time backup.
	Hooks *lifecycle.Registry
	// Fs backs migration state and the bootstrap marker.
	Fs afero.Fs

	// NewRelational replaces the PostgreSQL constructor. The returned store
	// must be ready to serve; DB does not call WaitReady on it.
	NewRelational func(ctx context.Context, name string) (storage.LogStore, error)
	// SQLiteDumper replaces the sqlite3 command used for backups.
	SQLiteDumper sqlite.Dumper
}

// DB is a lazily initialised handle on one logical log set.
type DB struct {
	name    string
	opts    Options
	cfg     config.Config
	logger  observability.Logger
	state   *migrate.State
	migrate bool

	mu     sync.Mutex
	store  storage.LogStore
	kind   storage.Kind
	closed bool
}

// New returns a handle for name. No I/O happens until first use.
func New(name string, opts Options) *DB {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if name == "" {
		name = cfg.Name
	}
	if opts.Type == "" {
		opts.Type = cfg.Kind()
	}
	if opts.Codec == nil {
		c, err := codec.ByName(cfg.Codec)
		if err != nil {
			c = codec.Default()
		}
		opts.Codec = c
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	cfg.Postgres.StateDir = cfg.StateDir

	return &DB{
		name:    name,
		opts:    opts,
		cfg:     cfg,
		logger:  observability.OrDefault(opts.Logger).WithComponent("logdb").With("name", name),
		state:   migrate.NewState(opts.Fs, cfg.StateDir),
		migrate: cfg.MigrateOnClose,
	}
}

// Name returns the logical log-set name.
func (d *DB) Name() string { return d.name }

// Kind returns the active backend kind, or "" before Initialize.
func (d *DB) Kind() storage.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kind
}

// SQLitePath is where this log set's SQLite file lives.
func (d *DB) SQLitePath() string {
	return sqlite.Path(d.cfg.CacheDir, d.name)
}

// State exposes the migration state store.
func (d *DB) State() *migrate.State { return d.state }

// Initialize selects and opens the backend. It runs once; concurrent callers
// wait for the first one.
func (d *DB) Initialize(ctx context.Context) error {
	_, err := d.active(ctx)
	return err
}

func (d *DB) active(ctx context.Context) (storage.LogStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, storage.ErrClosed
	}
	if d.store != nil {
		return d.store, nil
	}

	store, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.kind = store.Kind()
	d.logger.Info("log backend selected", "backend", string(d.kind))
	return store, nil
}

func (d *DB) open(ctx context.Context) (storage.LogStore, error) {
	switch d.opts.Type {
	case storage.KindSQLite:
		return d.openSQLite()
	case storage.KindMemory:
		return storage.NewMemoryStore(), nil
	case storage.KindPostgres:
		if d.opts.NewRelational != nil {
			return d.opts.NewRelational(ctx, d.name)
		}
		return postgres.New(d.name, d.cfg.Postgres, d.postgresOptions())
	case "":
		store, err := d.openRelational(ctx)
		if err == nil {
			return store, nil
		}
		d.logger.Warn("relational backend unavailable; falling back to sqlite", "error", err)
		d.opts.Metrics.RecordFallback()
		return d.openSQLite()
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", storage.ErrConfig, d.opts.Type)
	}
}

// openRelational builds the relational store and waits for it within the
// connect timeout.
func (d *DB) openRelational(ctx context.Context) (storage.LogStore, error) {
	if d.opts.NewRelational != nil {
		return d.opts.NewRelational(ctx, d.name)
	}
	s, err := postgres.New(d.name, d.cfg.Postgres, d.postgresOptions())
	if err != nil {
		return nil, err
	}
	timeout := d.cfg.Postgres.ConnectTimeout
	if timeout <= 0 {
		timeout = postgres.DefaultConnectTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.WaitReady(waitCtx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (d *DB) postgresOptions() postgres.Options {
	return postgres.Options{
		Codec:   d.opts.Codec,
		Logger:  d.opts.Logger,
		Metrics: d.opts.Metrics,
		Fs:      d.opts.Fs,
	}
}

func (d *DB) sqliteOptions(withHooks bool) sqlite.Options {
	o := sqlite.Options{
		CacheDir: d.cfg.CacheDir,
		Codec:    d.opts.Codec,
		Logger:   d.opts.Logger,
		Metrics:  d.opts.Metrics,
		Dumper:   d.opts.SQLiteDumper,
	}
	if withHooks {
		o.Hooks = d.opts.Hooks
		o.BackupPath = d.cfg.BackupPath(d.name)
	}
	return o
}

func (d *DB) openSQLite() (storage.LogStore, error) {
	return sqlite.New(d.name, d.sqliteOptions(true))
}

// AddLog stores entry in the active backend.
func (d *DB) AddLog(ctx context.Context, entry domain.LogEntry, opts ...storage.AddOption) error {
	s, err := d.active(ctx)
	if err != nil {
		return err
	}
	return s.AddLog(ctx, entry, opts...)
}

// RemoveLog deletes id and reports whether it existed.
func (d *DB) RemoveLog(ctx context.Context, id string) (bool, error) {
	s, err := d.active(ctx)
	if err != nil {
		return false, err
	}
	return s.RemoveLog(ctx, id)
}

// GetLogByID fetches a single entry.
func (d *DB) GetLogByID(ctx context.Context, id string) (domain.LogEntry, bool, error) {
	s, err := d.active(ctx)
	if err != nil {
		return domain.LogEntry{}, false, err
	}
	return s.GetLogByID(ctx, id)
}

// GetLogs lists entries in storage order.
func (d *DB) GetLogs(ctx context.Context, filter storage.Filter, opts storage.ListOptions) ([]domain.LogEntry, error) {
	s, err := d.active(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetLogs(ctx, filter, opts)
}

// WaitReady initialises the handle and waits for the backend.
func (d *DB) WaitReady(ctx context.Context) error {
	s, err := d.active(ctx)
	if err != nil {
		return err
	}
	return s.WaitReady(ctx)
}

// Migrate copies this log set's SQLite file into the relational backend now.
// The pending flag is updated the same way Close updates it.
func (d *DB) Migrate(ctx context.Context) (migrate.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return migrate.Result{}, storage.ErrClosed
	}
	return d.migrateAndRecord(ctx)
}

// migrateAndRecord runs one pass and records its outcome in the pending
// flag. Missing relational configuration is not a failure. Callers hold d.mu.
func (d *DB) migrateAndRecord(ctx context.Context) (migrate.Result, error) {
	var source storage.LogStore
	if d.kind == storage.KindSQLite {
		source = d.store
	}
	res, err := d.runMigration(ctx, source)
	switch {
	case errors.Is(err, storage.ErrConfig):
		d.logger.Debug("relational backend not configured; migration skipped")
	case err != nil:
		d.logger.Error("migration failed; will retry on next close", "error", err)
		sentry.CaptureException(fmt.Errorf("migrate %s: %w", d.name, err))
		if perr := d.state.MarkPending(d.name); perr != nil {
			d.logger.Error("could not record pending migration", "error", perr)
		}
	default:
		if cerr := d.state.ClearPending(d.name); cerr != nil {
			d.logger.Warn("could not clear pending migration flag", "error", cerr)
		}
		if !res.Skipped {
			d.logger.Info("sqlite content migrated", "copied", res.Copied, "existing", res.Existing)
		}
	}
	return res, err
}

// runMigration must be called with d.mu held.
func (d *DB) runMigration(ctx context.Context, source storage.LogStore) (migrate.Result, error) {
	if d.opts.NewRelational == nil {
		if err := d.cfg.Postgres.Validate(); err != nil {
			return migrate.Result{Skipped: true}, err
		}
	}
	if cp, ok := source.(interface{ Checkpoint(context.Context) error }); ok {
		if err := cp.Checkpoint(ctx); err != nil {
			d.logger.Warn("wal checkpoint failed", "error", err)
		}
	}

	engine := migrate.NewEngine(migrate.EngineConfig{
		Name:       d.name,
		SQLitePath: d.SQLitePath(),
		State:      d.state,
		Logger:     d.opts.Logger,
		Metrics:    d.opts.Metrics,
		OpenSource: func(ctx context.Context) (storage.LogStore, error) {
			return sqlite.New(d.name, d.sqliteOptions(false))
		},
		OpenTarget: func(ctx context.Context) (storage.LogStore, error) {
			return d.openRelational(ctx)
		},
	})
	return engine.Run(ctx, source)
}

// Close migrates SQLite content when required and then closes the backend.
// Migration failures are logged and flagged for the next run; they never
// fail Close. Repeated calls are no-ops.
func (d *DB) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.migrateOnClose(ctx)

	if d.store == nil {
		return nil
	}
	err := d.store.Close()
	d.store = nil
	return err
}

func (d *DB) migrateOnClose(ctx context.Context) {
	if !d.migrate {
		return
	}
	pending, err := d.state.NeedsMigration(d.name)
	if err != nil {
		d.logger.Warn("read pending migration flag", "error", err)
	}
	if d.kind != storage.KindSQLite && !pending {
		return
	}
	_, _ = d.migrateAndRecord(ctx)
}
