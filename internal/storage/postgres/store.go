package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/afero"

	"logvault/internal/codec"
	"logvault/internal/domain"
	"logvault/internal/observability"
	"logvault/internal/storage"
)

// Options configure a Store.
type Options struct {
	Codec   codec.Codec
	Logger  observability.Logger
	Metrics *observability.Metrics
	// Fs backs the bootstrap marker; defaults to the OS filesystem.
	Fs afero.Fs
	// Helper shares a pool between stores. When nil the Store owns one.
	Helper *Helper
}

// Store implements storage.LogStore on a PostgreSQL table.
type Store struct {
	name       string
	table      string
	ident      string
	helper     *Helper
	ownsHelper bool
	codec      codec.Codec
	logger     observability.Logger
	metrics    *observability.Metrics

	mu         sync.Mutex
	tableReady bool
	closed     atomic.Bool
}

var _ storage.LogStore = (*Store)(nil)

// New validates cfg and prepares a store. The first operation (or WaitReady)
// connects and creates the table.
func New(name string, cfg Config, opts Options) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := observability.OrDefault(opts.Logger)

	h := opts.Helper
	owns := false
	if h == nil {
		var err error
		h, err = NewHelper(cfg, WithLogger(logger), WithFs(opts.Fs))
		if err != nil {
			return nil, err
		}
		owns = true
	}

	table := cfg.Table
	if table == "" {
		table = storage.SanitizeName(name)
	}
	s := &Store{
		name:       name,
		table:      table,
		ident:      pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		helper:     h,
		ownsHelper: owns,
		codec:      opts.Codec,
		logger:     logger.WithComponent("postgres").With("name", name, "table", table),
		metrics:    opts.Metrics,
	}
	if s.codec == nil {
		s.codec = codec.Default()
	}
	return s, nil
}

func (s *Store) Kind() storage.Kind { return storage.KindPostgres }

// Table returns the table this store writes to.
func (s *Store) Table() string { return s.table }

// Helper exposes the underlying helper.
func (s *Store) Helper() *Helper { return s.helper }

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.ObserveStoreOp(string(storage.KindPostgres), op, start, err)
}

// WaitReady connects and ensures the table exists. Safe to call repeatedly.
func (s *Store) WaitReady(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := s.helper.Initialize(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tableReady {
		return nil
	}
	_, err := s.helper.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+s.ident+` (
        id          TEXT PRIMARY KEY,
        data        TEXT,
        message     TEXT,
        "timestamp" TEXT,
        seq         BIGSERIAL
    )`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	s.tableReady = true
	s.logger.Debug("table ready")
	return nil
}

// AddLog upserts entry. With Update (the default) an object payload is
// shallow-merged over the stored object payload.
func (s *Store) AddLog(ctx context.Context, entry domain.LogEntry, opts ...storage.AddOption) (err error) {
	defer func(start time.Time) { s.observe("add", start, err) }(time.Now())
	if err := storage.ValidateID(entry.ID); err != nil {
		return err
	}
	o := storage.ResolveAddOptions(opts...)
	ctx, cancel := o.Context(ctx)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	entry = entry.WithDefaults()

	upsert := `INSERT INTO ` + s.ident + ` (id, data, message, "timestamp") VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, message = EXCLUDED.message, "timestamp" = EXCLUDED."timestamp"`

	if !o.Update {
		data, err := s.codec.Encode(entry.Data)
		if err != nil {
			return err
		}
		_, err = s.helper.Execute(ctx, upsert, entry.ID, data, entry.Message, entry.Timestamp)
		return err
	}

	return s.helper.Transaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		payload := entry.Data
		var prev *string
		err := tx.QueryRow(ctx, `SELECT data FROM `+s.ident+` WHERE id = $1 FOR UPDATE`, entry.ID).Scan(&prev)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		case prev != nil && *prev != "":
			old, err := s.codec.Decode(*prev)
			if err != nil {
				return fmt.Errorf("decode %s: %w", entry.ID, err)
			}
			payload = domain.MergeData(old, payload)
		}
		data, err := s.codec.Encode(payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, upsert, entry.ID, data, entry.Message, entry.Timestamp)
		return err
	})
}

func (s *Store) RemoveLog(ctx context.Context, id string) (removed bool, err error) {
	defer func(start time.Time) { s.observe("remove", start, err) }(time.Now())
	if err := s.WaitReady(ctx); err != nil {
		return false, err
	}
	res, err := s.helper.Execute(ctx, `DELETE FROM `+s.ident+` WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetLogByID(ctx context.Context, id string) (e domain.LogEntry, found bool, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	if err := s.WaitReady(ctx); err != nil {
		return domain.LogEntry{}, false, err
	}
	rows, err := s.query(ctx, `SELECT id, data, message, "timestamp" FROM `+s.ident+` WHERE id = $1`, id)
	if err != nil || len(rows) == 0 {
		return domain.LogEntry{}, false, err
	}
	return rows[0], true, nil
}

// GetLogs pages in insertion order, then applies filter to the page.
func (s *Store) GetLogs(ctx context.Context, filter storage.Filter, opts storage.ListOptions) (out []domain.LogEntry, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	offset := 0
	if opts.Offset > 0 {
		offset = opts.Offset
	}
	page, err := s.query(ctx, `SELECT id, data, message, "timestamp" FROM `+s.ident+` ORDER BY seq LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return filter.Apply(ctx, page)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]domain.LogEntry, error) {
	var out []domain.LogEntry
	err := s.helper.Query(ctx, sql, args, func(rows pgx.Rows) error {
		var (
			e             domain.LogEntry
			data, msg, ts *string
		)
		if err := rows.Scan(&e.ID, &data, &msg, &ts); err != nil {
			return err
		}
		if msg != nil {
			e.Message = *msg
		}
		if ts != nil {
			e.Timestamp = *ts
		}
		if data != nil && *data != "" {
			v, err := s.codec.Decode(*data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", e.ID, err)
			}
			e.Data = v
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Close is idempotent. A shared helper is left open for its owner.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsHelper {
		s.helper.Close()
	}
	return nil
}
