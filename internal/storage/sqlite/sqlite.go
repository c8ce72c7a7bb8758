// Package sqlite is the embedded file-backed log backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"logvault/internal/codec"
	"logvault/internal/domain"
	"logvault/internal/lifecycle"
	"logvault/internal/observability"
	"logvault/internal/storage"
)

// DefaultCacheDir holds one database file per logical log set.
const DefaultCacheDir = ".logvault/db"

const schema = `CREATE TABLE IF NOT EXISTS logs (
    id        TEXT PRIMARY KEY,
    data      TEXT,
    message   TEXT,
    timestamp TEXT
)`

// Options configure a Store. Zero values select defaults.
type Options struct {
	CacheDir string
	Codec    codec.Codec
	Logger   observability.Logger
	Metrics  *observability.Metrics
	Dumper   Dumper

	// Hooks and BackupPath together enable a dump backup at process exit.
	Hooks      *lifecycle.Registry
	BackupPath string
}

type Store struct {
	name    string
	path    string
	db      *sql.DB
	codec   codec.Codec
	logger  observability.Logger
	metrics *observability.Metrics
	dumper  Dumper
	closed  atomic.Bool
}

var _ storage.LogStore = (*Store)(nil)

// Path returns the database file used for name under cacheDir.
func Path(cacheDir, name string) string {
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	return filepath.Join(cacheDir, storage.SanitizeName(name)+".db")
}

// New opens (creating if needed) the database file for the logical log set name.
func New(name string, opts Options) (*Store, error) {
	path := Path(opts.CacheDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection keeps pragmas and WAL state consistent for this process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	s := &Store{
		name:    name,
		path:    path,
		db:      db,
		codec:   opts.Codec,
		logger:  observability.OrDefault(opts.Logger).WithComponent("sqlite").With("name", name),
		metrics: opts.Metrics,
		dumper:  opts.Dumper,
	}
	if s.codec == nil {
		s.codec = codec.Default()
	}
	if s.dumper == nil {
		s.dumper = CommandDumper{}
	}
	if opts.Hooks != nil && opts.BackupPath != "" {
		dest := opts.BackupPath
		opts.Hooks.Register("sqlite-backup:"+name, func(ctx context.Context) error {
			return s.Backup(ctx, dest)
		})
	}
	s.logger.Debug("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) Kind() storage.Kind { return storage.KindSQLite }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.ObserveStoreOp(string(storage.KindSQLite), op, start, err)
}

// AddLog upserts entry. The stored row is replaced wholesale; payloads are
// never merged on this backend.
func (s *Store) AddLog(ctx context.Context, entry domain.LogEntry, opts ...storage.AddOption) (err error) {
	defer func(start time.Time) { s.observe("add", start, err) }(time.Now())
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := storage.ValidateID(entry.ID); err != nil {
		return err
	}
	ctx, cancel := storage.ResolveAddOptions(opts...).Context(ctx)
	defer cancel()

	entry = entry.WithDefaults()
	data, err := s.codec.Encode(entry.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO logs (id, data, message, timestamp) VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET data=excluded.data, message=excluded.message, timestamp=excluded.timestamp`,
		entry.ID, data, entry.Message, entry.Timestamp)
	return err
}

func (s *Store) RemoveLog(ctx context.Context, id string) (removed bool, err error) {
	defer func(start time.Time) { s.observe("remove", start, err) }(time.Now())
	if s.closed.Load() {
		return false, storage.ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetLogByID(ctx context.Context, id string) (e domain.LogEntry, found bool, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	if s.closed.Load() {
		return domain.LogEntry{}, false, storage.ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, data, COALESCE(message, ''), COALESCE(timestamp, '') FROM logs WHERE id = ?`, id)
	e, err = s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LogEntry{}, false, nil
	}
	if err != nil {
		return domain.LogEntry{}, false, err
	}
	return e, true, nil
}

// GetLogs pages in insertion order, then applies filter to the page.
func (s *Store) GetLogs(ctx context.Context, filter storage.Filter, opts storage.ListOptions) (out []domain.LogEntry, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	offset := 0
	if opts.Offset > 0 {
		offset = opts.Offset
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, data, COALESCE(message, ''), COALESCE(timestamp, '')
        FROM logs ORDER BY rowid LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	page, err := s.collect(rows)
	if err != nil {
		return nil, err
	}
	// Rows are fully read before filtering so a filter may call back into the store.
	return filter.Apply(ctx, page)
}

func (s *Store) collect(rows *sql.Rows) ([]domain.LogEntry, error) {
	defer rows.Close()
	var out []domain.LogEntry
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(r scanner) (domain.LogEntry, error) {
	var e domain.LogEntry
	var data sql.NullString
	if err := r.Scan(&e.ID, &data, &e.Message, &e.Timestamp); err != nil {
		return domain.LogEntry{}, err
	}
	if data.Valid && data.String != "" {
		v, err := s.codec.Decode(data.String)
		if err != nil {
			return domain.LogEntry{}, fmt.Errorf("decode %s: %w", e.ID, err)
		}
		e.Data = v
	}
	return e, nil
}

// WaitReady is immediate: the file is opened synchronously by New.
func (s *Store) WaitReady(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// Checkpoint folds the WAL into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Close is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
