package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logvault/internal/storage"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "logvault.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, storage.Kind(""), cfg.Kind())
	assert.True(t, cfg.MigrateOnClose)
	assert.Equal(t, 10*time.Second, cfg.Postgres.ConnectTimeout)
	assert.Equal(t, cfg.StateDir, cfg.Postgres.StateDir)
	assert.False(t, cfg.Postgres.Configured())
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, `
name: scraper
type: sqlite
codec: json
migrate_on_close: false
postgres:
  host: db
  user: u
  password: pw
  database: logs
  table: scraper_logs
  connect_timeout: 3s
server:
  addr: ":9000"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "scraper", cfg.Name)
	assert.Equal(t, storage.KindSQLite, cfg.Kind())
	assert.Equal(t, "json", cfg.Codec)
	assert.False(t, cfg.MigrateOnClose)
	assert.Equal(t, "scraper_logs", cfg.Postgres.Table)
	assert.Equal(t, 3*time.Second, cfg.Postgres.ConnectTimeout)
	assert.Equal(t, 5432, cfg.Postgres.Port, "defaults survive partial yaml")
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestEnvOverridesYAML(t *testing.T) {
	p := writeFile(t, "name: fromfile\npostgres:\n  host: filehost\n")
	t.Setenv("LOGVAULT_NAME", "fromenv")
	t.Setenv("LOGVAULT_DB_HOST", "envhost")
	t.Setenv("LOGVAULT_DB_PORT", "6000")
	t.Setenv("LOGVAULT_DB_CONNECT_TIMEOUT", "2500")
	t.Setenv("LOGVAULT_DB_CONNECTION_LIMIT", "4")
	t.Setenv("LOGVAULT_MIGRATE_ON_CLOSE", "false")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.Name)
	assert.Equal(t, "envhost", cfg.Postgres.Host)
	assert.Equal(t, 6000, cfg.Postgres.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.Postgres.ConnectTimeout)
	assert.Equal(t, int32(4), cfg.Postgres.ConnectionLimit)
	assert.False(t, cfg.MigrateOnClose)
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("LOGVAULT_DATABASE_URL", "postgres://u:pw@h:5433/app")
	t.Setenv("LOGVAULT_DB_NAME", "override")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "h", cfg.Postgres.Host)
	assert.Equal(t, 5433, cfg.Postgres.Port)
	assert.Equal(t, "override", cfg.Postgres.Database)
	require.NoError(t, cfg.Postgres.Validate())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{"bad type", map[string]string{"LOGVAULT_TYPE": "redis"}, ""},
		{"bad codec", map[string]string{"LOGVAULT_CODEC": "gob"}, ""},
		{"bad port", map[string]string{"LOGVAULT_DB_PORT": "abc"}, ""},
		{"bad timeout", map[string]string{"LOGVAULT_DB_CONNECT_TIMEOUT": "soon"}, ""},
		{"empty name", map[string]string{"LOGVAULT_NAME": " "}, ""},
		{"bad yaml", nil, "name: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := Load(path)
			require.Error(t, err)
		})
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBackupPath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join(".logvault/backups", "my_logs.sql"), cfg.BackupPath("My Logs"))
	cfg.BackupDir = ""
	assert.Equal(t, "", cfg.BackupPath("x"))
}
