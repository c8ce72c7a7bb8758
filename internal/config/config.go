// Package config loads logvault settings from an optional YAML file and
// LOGVAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"logvault/internal/codec"
	"logvault/internal/storage"
	"logvault/internal/storage/migrate"
	"logvault/internal/storage/postgres"
	"logvault/internal/storage/sqlite"
)

// Config holds every runtime setting.
type Config struct {
	// Name is the default logical log set.
	Name string `yaml:"name"`
	// Type forces a backend; empty selects automatically.
	Type           string `yaml:"type"`
	CacheDir       string `yaml:"cache_dir"`
	StateDir       string `yaml:"state_dir"`
	BackupDir      string `yaml:"backup_dir"`
	Codec          string `yaml:"codec"`
	MigrateOnClose bool   `yaml:"migrate_on_close"`

	Postgres postgres.Config `yaml:"postgres"`
	Server   ServerConfig    `yaml:"server"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustedProxies is a comma-separated CIDR list allowed to set X-Forwarded-For.
	TrustedProxies string `yaml:"trusted_proxies"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Name:           "default",
		CacheDir:       sqlite.DefaultCacheDir,
		StateDir:       migrate.DefaultStateDir,
		BackupDir:      ".logvault/backups",
		Codec:          "flatted",
		MigrateOnClose: true,
		Postgres: postgres.Config{
			Port:            postgres.DefaultPort,
			AdminDatabase:   postgres.DefaultAdminDatabase,
			ConnectionLimit: postgres.DefaultConnectionLimit,
			ConnectTimeout:  postgres.DefaultConnectTimeout,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitRPS:    100,
			RateLimitBurst:  200,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load applies the YAML file at path (if any) and then the environment over
// the defaults. Environment variables win.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Postgres.StateDir = cfg.StateDir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOGVAULT_DATABASE_URL"); v != "" {
		pc, err := postgres.ConfigFromURL(v)
		if err != nil {
			return err
		}
		c.Postgres.Host, c.Postgres.Port = pc.Host, pc.Port
		c.Postgres.User, c.Postgres.Password = pc.User, pc.Password
		c.Postgres.Database = pc.Database
	}

	str := map[string]*string{
		"LOGVAULT_NAME":              &c.Name,
		"LOGVAULT_TYPE":              &c.Type,
		"LOGVAULT_CACHE_DIR":         &c.CacheDir,
		"LOGVAULT_STATE_DIR":         &c.StateDir,
		"LOGVAULT_BACKUP_DIR":        &c.BackupDir,
		"LOGVAULT_CODEC":             &c.Codec,
		"LOGVAULT_DB_HOST":           &c.Postgres.Host,
		"LOGVAULT_DB_USER":           &c.Postgres.User,
		"LOGVAULT_DB_PASSWORD":       &c.Postgres.Password,
		"LOGVAULT_DB_NAME":           &c.Postgres.Database,
		"LOGVAULT_DB_TABLE":          &c.Postgres.Table,
		"LOGVAULT_DB_SSLMODE":        &c.Postgres.SSLMode,
		"LOGVAULT_DB_ADMIN_DATABASE": &c.Postgres.AdminDatabase,
		"LOGVAULT_ADDR":              &c.Server.Addr,
		"LOGVAULT_TRUSTED_PROXIES":   &c.Server.TrustedProxies,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v := os.Getenv("LOGVAULT_DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOGVAULT_DB_PORT: %w", err)
		}
		c.Postgres.Port = p
	}
	if v := os.Getenv("LOGVAULT_DB_CONNECTION_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("LOGVAULT_DB_CONNECTION_LIMIT: %w", err)
		}
		c.Postgres.ConnectionLimit = int32(n)
	}
	if v := os.Getenv("LOGVAULT_DB_CONNECT_TIMEOUT"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("LOGVAULT_DB_CONNECT_TIMEOUT: %w", err)
		}
		c.Postgres.ConnectTimeout = d
	}
	if v := os.Getenv("LOGVAULT_MIGRATE_ON_CLOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOGVAULT_MIGRATE_ON_CLOSE: %w", err)
		}
		c.MigrateOnClose = b
	}
	return nil
}

// parseTimeout accepts a Go duration or a bare number of milliseconds.
func parseTimeout(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks values that cannot be defaulted. Missing relational
// credentials are allowed; they only matter for the relational backend.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required (set LOGVAULT_NAME or yaml)"))
	}
	if _, err := storage.ParseKind(c.Type); err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if c.Postgres.Port < 0 || c.Postgres.Port > 65535 {
		errs = append(errs, fmt.Errorf("postgres.port %d out of range", c.Postgres.Port))
	}
	if c.Postgres.ConnectTimeout < 0 {
		errs = append(errs, errors.New("postgres.connect_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Kind returns the configured backend kind.
func (c *Config) Kind() storage.Kind {
	k, _ := storage.ParseKind(c.Type)
	return k
}

// BackupPath returns the exit-time dump destination for name, or "" when
// backups are disabled.
func (c *Config) BackupPath(name string) string {
	if c.BackupDir == "" {
		return ""
	}
	return filepath.Join(c.BackupDir, storage.SanitizeName(name)+".sql")
}
