package logdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logvault/internal/config"
	"logvault/internal/domain"
	"logvault/internal/lifecycle"
	"logvault/internal/observability"
	"logvault/internal/storage"
)

// relational stands in for PostgreSQL. It can be switched between failing
// and serving, and it keeps its rows across engine-driven Close calls.
type relational struct {
	mu    sync.Mutex
	fail  error
	store *storage.MemoryStore
	calls int
}

type sticky struct{ *storage.MemoryStore }

func (sticky) Kind() storage.Kind { return storage.KindPostgres }
func (sticky) Close() error       { return nil }

func newRelational() *relational {
	return &relational{store: storage.NewMemoryStore()}
}

func (r *relational) open(context.Context, string) (storage.LogStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return nil, r.fail
	}
	return sticky{r.store}, nil
}

func (r *relational) setFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.StateDir = "/state"
	cfg.BackupDir = ""
	return &cfg
}

func newDB(t *testing.T, cfg *config.Config, rel *relational, typ storage.Kind) *DB {
	t.Helper()
	opts := Options{
		Type:   typ,
		Config: cfg,
		Logger: observability.Discard(),
		Fs:     afero.NewMemMapFs(),
	}
	if rel != nil {
		opts.NewRelational = rel.open
	}
	return New("jobs", opts)
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestAutoSelectsRelational(t *testing.T) {
	ctx := context.Background()
	rel := newRelational()
	db := newDB(t, testConfig(t), rel, "")

	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1", Message: "hello"}))
	assert.Equal(t, storage.KindPostgres, db.Kind())
	assert.Equal(t, 1, rel.store.Len())
	require.NoError(t, db.Close(ctx))
}

func TestAutoFallsBackToSQLite(t *testing.T) {
	ctx := context.Background()
	rel := newRelational()
	rel.setFail(errors.New("dial tcp: connection refused"))

	metrics := observability.NewMetrics(observability.DefaultMetricsConfig())
	cfg := testConfig(t)
	db := New("jobs", Options{
		Config:        cfg,
		Logger:        observability.Discard(),
		Metrics:       metrics,
		Fs:            afero.NewMemMapFs(),
		NewRelational: rel.open,
	})

	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1", Message: "offline"}))
	assert.Equal(t, storage.KindSQLite, db.Kind())
	assert.FileExists(t, db.SQLitePath())
	assert.Equal(t, 1.0, counter(t, metrics.Registry(), "logvault_backend_fallbacks_total"))

	got, ok, err := db.GetLogByID(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "offline", got.Message)
	require.NoError(t, db.Close(ctx))
}

func TestUnreachablePostgresFallsBackToSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Postgres.Host = "127.0.0.1"
	cfg.Postgres.Port = 1
	cfg.Postgres.User = "logvault"
	cfg.Postgres.Password = "wrong"
	cfg.Postgres.Database = "logvault"
	cfg.Postgres.ConnectTimeout = 2 * time.Second
	db := newDB(t, cfg, nil, "")

	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1", Message: "offline"}))
	assert.Equal(t, storage.KindSQLite, db.Kind())

	got, ok, err := db.GetLogByID(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "offline", got.Message)

	require.NoError(t, db.Close(ctx))
	pending, err := db.State().NeedsMigration("jobs")
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestCloseMigratesSQLiteContent(t *testing.T) {
	ctx := context.Background()
	rel := newRelational()
	rel.setFail(errors.New("unreachable"))
	db := newDB(t, testConfig(t), rel, "")

	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "a", Data: map[string]any{"n": 1}, Message: "first"}))
	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "b", Message: "second"}))
	require.NoError(t, rel.store.AddLog(ctx, domain.LogEntry{ID: "b", Message: "relational wins"}))
	require.Equal(t, storage.KindSQLite, db.Kind())

	rel.setFail(nil)
	require.NoError(t, db.Close(ctx))

	assert.Equal(t, 2, rel.store.Len())
	got, _, err := rel.store.GetLogByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "relational wins", got.Message)
	got, _, err = rel.store.GetLogByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Message)

	lock, ok, err := db.State().Checksum("jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, lock.Rows)
	pending, err := db.State().NeedsMigration("jobs")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestFailedMigrationIsRetried(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()
	rel := newRelational()
	rel.setFail(errors.New("unreachable"))

	first := New("jobs", Options{Type: storage.KindSQLite, Config: cfg, Logger: observability.Discard(), Fs: fs, NewRelational: rel.open})
	require.NoError(t, first.AddLog(ctx, domain.LogEntry{ID: "1", Message: "queued"}))
	require.NoError(t, first.Close(ctx), "migration failure never fails Close")

	pending, err := first.State().NeedsMigration("jobs")
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, 0, rel.store.Len())

	// Next run connects to the relational backend directly; the pending flag
	// still triggers a pass on close.
	rel.setFail(nil)
	second := New("jobs", Options{Type: storage.KindPostgres, Config: cfg, Logger: observability.Discard(), Fs: fs, NewRelational: rel.open})
	require.NoError(t, second.Initialize(ctx))
	require.NoError(t, second.Close(ctx))

	assert.Equal(t, 1, rel.store.Len())
	pending, err = second.State().NeedsMigration("jobs")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMigrationSkippedWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()
	rel := newRelational()

	db := New("jobs", Options{Type: storage.KindSQLite, Config: cfg, Logger: observability.Discard(), Fs: fs, NewRelational: rel.open})
	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1"}))
	res, err := db.Migrate(ctx)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	calls := rel.calls

	res, err = db.Migrate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, calls, rel.calls, "unchanged file must not contact the relational backend")
	require.NoError(t, db.Close(ctx))
}

func TestCloseWithoutRelationalConfig(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, testConfig(t), nil, storage.KindSQLite)
	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1"}))
	require.NoError(t, db.Close(ctx))

	pending, err := db.State().NeedsMigration("jobs")
	require.NoError(t, err)
	assert.False(t, pending, "missing credentials are not a failure")
}

func TestMigrateOnCloseDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MigrateOnClose = false
	rel := newRelational()
	db := newDB(t, cfg, rel, storage.KindSQLite)
	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1"}))
	require.NoError(t, db.Close(ctx))
	assert.Equal(t, 0, rel.calls)
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, testConfig(t), nil, storage.KindMemory)
	require.NoError(t, db.AddLog(ctx, domain.LogEntry{ID: "1"}))
	require.NoError(t, db.Close(ctx))
	require.NoError(t, db.Close(ctx))

	err := db.AddLog(ctx, domain.LogEntry{ID: "2"})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, _, err = db.GetLogByID(ctx, "1")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = db.GetLogs(ctx, nil, storage.ListOptions{})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = db.RemoveLog(ctx, "1")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = db.Migrate(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestCloseBeforeUse(t *testing.T) {
	db := newDB(t, testConfig(t), nil, "")
	require.NoError(t, db.Close(context.Background()))
	assert.Equal(t, storage.Kind(""), db.Kind())
}

func TestUnknownType(t *testing.T) {
	db := newDB(t, testConfig(t), nil, storage.Kind("redis"))
	err := db.Initialize(context.Background())
	assert.ErrorIs(t, err, storage.ErrConfig)
}

func TestConcurrentInitialize(t *testing.T) {
	ctx := context.Background()
	rel := newRelational()
	db := newDB(t, testConfig(t), rel, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.Initialize(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rel.calls)
	require.NoError(t, db.Close(ctx))
}

func TestSQLiteBackupHookRegistered(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupDir = t.TempDir()
	hooks := lifecycle.NewRegistry(observability.Discard())
	db := New("jobs", Options{Type: storage.KindSQLite, Config: cfg, Logger: observability.Discard(), Fs: afero.NewMemMapFs(), Hooks: hooks})
	require.NoError(t, db.Initialize(context.Background()))
	assert.Equal(t, 1, hooks.Len())
	require.NoError(t, db.Close(context.Background()))
}
