package sqlite

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logvault/internal/codec"
	"logvault/internal/domain"
	"logvault/internal/lifecycle"
	"logvault/internal/observability"
	"logvault/internal/storage"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	s, err := New("audit", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("cache", "scraper_logs.db"), Path("cache", "Scraper Logs"))
	assert.Equal(t, filepath.Join(DefaultCacheDir, "audit.db"), Path("", "audit"))
}

func TestNewCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s := newTestStore(t, Options{CacheDir: dir})
	_, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, storage.KindSQLite, s.Kind())
	require.NoError(t, s.WaitReady(context.Background()))
}

func TestAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "1", Data: map[string]any{"a": float64(1)}, Message: "x"}))

	got, ok, err := s.GetLogByID(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": float64(1)}, got.Data)
	assert.Equal(t, "x", got.Message)
	assert.True(t, domain.ValidTimestamp(got.Timestamp), got.Timestamp)
}

func TestUpsertReplacesWholeRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "1", Data: map[string]any{"a": float64(1)}, Message: "x"}))
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "2", Message: "y"}))
	// WithUpdate(true) is the default; SQLite still replaces.
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "1", Data: map[string]any{"b": float64(2)}, Message: "y", Timestamp: "2024-01-01T00:00:00+07:00"}))

	got, ok, err := s.GetLogByID(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"b": float64(2)}, got.Data)
	assert.Equal(t, "y", got.Message)
	assert.Equal(t, "2024-01-01T00:00:00+07:00", got.Timestamp)

	all, err := s.GetLogs(ctx, nil, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all[0].ID, "upsert keeps the original position")
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "1"}))

	removed, err := s.RemoveLog(ctx, "1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveLog(ctx, "1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, err := s.GetLogByID(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetLogsPagingAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	for i := int64(1); i <= 10; i++ {
		msg := "even"
		if i%2 == 1 {
			msg = "odd"
		}
		require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: domain.IntID(i), Message: msg}))
	}

	page, err := s.GetLogs(ctx, nil, storage.ListOptions{Limit: 3, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"3", "4", "5"}, ids(page))

	odd, err := s.GetLogs(ctx, storage.Match(func(e domain.LogEntry) bool { return e.Message == "odd" }), storage.ListOptions{Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(odd))

	// A filter can call back into the store without deadlocking.
	nested, err := s.GetLogs(ctx, func(ctx context.Context, e domain.LogEntry) (bool, error) {
		_, ok, err := s.GetLogByID(ctx, e.ID)
		return ok, err
	}, storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, nested, 10)

	boom := errors.New("filter failed")
	_, err = s.GetLogs(ctx, func(context.Context, domain.LogEntry) (bool, error) { return false, boom }, storage.ListOptions{})
	assert.ErrorIs(t, err, boom)
}

func TestCircularPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{Codec: codec.Flatted()})

	payload := map[string]any{"name": "loop"}
	payload["self"] = payload
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "c", Data: payload}))

	got, ok, err := s.GetLogByID(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	m := got.Data.(map[string]any)
	assert.Equal(t, "loop", m["self"].(map[string]any)["name"])
}

func TestJSONCodecRejectsCycle(t *testing.T) {
	s := newTestStore(t, Options{Codec: codec.JSON()})
	payload := map[string]any{}
	payload["self"] = payload
	require.Error(t, s.AddLog(context.Background(), domain.LogEntry{ID: "c", Data: payload}))
}

func TestValidationAndTimeout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	assert.ErrorIs(t, s.AddLog(ctx, domain.LogEntry{}), storage.ErrValidation)
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "t"}, storage.WithTimeout(5*time.Second)))
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.AddLog(ctx, domain.LogEntry{ID: "1"}), storage.ErrClosed)
	_, err := s.RemoveLog(ctx, "1")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, _, err = s.GetLogByID(ctx, "1")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.GetLogs(ctx, nil, storage.ListOptions{})
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.WaitReady(ctx), storage.ErrClosed)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New("audit", Options{CacheDir: dir, Logger: observability.Discard()})
	require.NoError(t, err)
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "persist", Message: "m"}))
	require.NoError(t, s.Checkpoint(ctx))
	require.NoError(t, s.Close())

	s2 := newTestStore(t, Options{CacheDir: dir})
	got, ok, err := s2.GetLogByID(ctx, "persist")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m", got.Message)
}

type fakeDumper struct {
	out []byte
	err error
}

func (f fakeDumper) Dump(context.Context, string) ([]byte, error) { return f.out, f.err }

func TestMakeIdempotent(t *testing.T) {
	in := "PRAGMA foreign_keys=OFF;\nBEGIN TRANSACTION;\nCREATE TABLE logs (id TEXT PRIMARY KEY);\nCREATE TABLE IF NOT EXISTS other (x);\nINSERT INTO logs VALUES('CREATE TABLE x');\nCOMMIT;\n"
	out := string(MakeIdempotent([]byte(in)))
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS logs (")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS other (x)")
	assert.NotContains(t, out, "IF NOT EXISTS IF NOT EXISTS")
	assert.Contains(t, out, "VALUES('CREATE TABLE x')")
}

func TestBackupWritesDump(t *testing.T) {
	s := newTestStore(t, Options{Dumper: fakeDumper{out: []byte("CREATE TABLE logs (id TEXT);\n")}})
	dest := filepath.Join(t.TempDir(), "backups", "audit.sql")

	require.NoError(t, s.Backup(context.Background(), dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS logs (id TEXT);\n", string(b))
}

func TestBackupFailureLeavesNoFile(t *testing.T) {
	s := newTestStore(t, Options{Dumper: fakeDumper{err: errors.New("no tool")}})
	dest := filepath.Join(t.TempDir(), "audit.sql")
	require.Error(t, s.Backup(context.Background(), dest))
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestExitHookRegistered(t *testing.T) {
	hooks := lifecycle.NewRegistry(observability.Discard())
	dest := filepath.Join(t.TempDir(), "exit.sql")
	s := newTestStore(t, Options{
		Hooks:      hooks,
		BackupPath: dest,
		Dumper:     fakeDumper{out: []byte("CREATE TABLE logs (id TEXT);\n")},
	})
	require.Equal(t, 1, hooks.Len())
	require.NoError(t, s.Close())

	hooks.Run(context.Background(), time.Second)
	_, err := os.Stat(dest)
	require.NoError(t, err)
}

func TestCommandDumper(t *testing.T) {
	if _, err := exec.LookPath("sqlite3"); err != nil {
		t.Skip("sqlite3 not on PATH")
	}
	ctx := context.Background()
	s := newTestStore(t, Options{})
	require.NoError(t, s.AddLog(ctx, domain.LogEntry{ID: "1", Message: "dumped"}))
	require.NoError(t, s.Checkpoint(ctx))

	dest := filepath.Join(t.TempDir(), "audit.sql")
	require.NoError(t, s.Backup(ctx, dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "CREATE TABLE IF NOT EXISTS"), string(b))
	assert.Contains(t, string(b), "dumped")
}

func TestCommandDumperMissingBinary(t *testing.T) {
	_, err := CommandDumper{Binary: "definitely-not-sqlite3-xyz"}.Dump(context.Background(), "x.db")
	require.Error(t, err)
}

func ids(rows []domain.LogEntry) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
