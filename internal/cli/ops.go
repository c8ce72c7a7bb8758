package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"logvault/internal/codec"
	"logvault/internal/logdb"
	"logvault/internal/storage"
	"logvault/internal/storage/sqlite"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Copy the SQLite file into PostgreSQL now",
		Long: `Copy every SQLite row whose id is missing from PostgreSQL.

The pass is skipped when the SQLite file is unchanged since the last
successful migration. Existing PostgreSQL rows are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withDB(ctx, func(db *logdb.DB) error {
				res, err := db.Migrate(ctx)
				if errors.Is(err, storage.ErrConfig) {
					return WrapExitError(ExitCommandError, "relational backend not configured", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "migrate", err)
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				if res.Skipped {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing to migrate")
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, copied %d, already present %d\n",
					res.Scanned, res.Copied, res.Existing)
				return err
			})
		},
	}
}

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	Out string
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an idempotent SQL dump of the SQLite file",
		Long: `Write an idempotent SQL dump of the SQLite file using the sqlite3 binary.

CREATE TABLE statements are rewritten to CREATE TABLE IF NOT EXISTS so the
dump can be replayed over an existing database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "destination file (default <backup_dir>/<name>.sql)")
	return cmd
}

func runBackup(cmd *cobra.Command, opts *BackupOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dest := opts.Out
	if dest == "" {
		dest = cfg.BackupPath(cfg.Name)
	}
	if dest == "" {
		return NewExitError(ExitCommandError, "no destination: pass --out or set backup_dir")
	}
	path := sqlite.Path(cfg.CacheDir, cfg.Name)
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitFailure, "no sqlite file for "+cfg.Name, err)
	}

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return WrapExitError(ExitCommandError, "codec", err)
	}
	store, err := sqlite.New(cfg.Name, sqlite.Options{
		CacheDir: cfg.CacheDir,
		Codec:    c,
		Logger:   opts.env.Logger,
		Metrics:  opts.env.Metrics,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "open sqlite", err)
	}
	defer store.Close()

	if err := store.Backup(cmd.Context(), dest); err != nil {
		return WrapExitError(ExitFailure, "backup", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", dest)
	return err
}

// Status describes one log set.
type Status struct {
	Name        string    `json:"name"`
	Backend     string    `json:"backend"`
	SQLitePath  string    `json:"sqlite_path"`
	SQLiteBytes int64     `json:"sqlite_bytes"`
	Checksum    string    `json:"checksum,omitempty"`
	MigratedAt  time.Time `json:"migrated_at"`
	Rows        int       `json:"rows,omitempty"`
	Pending     bool      `json:"pending"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active backend and migration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withDB(ctx, func(db *logdb.DB) error {
				if err := db.Initialize(ctx); err != nil {
					return WrapExitError(ExitFailure, "open store", err)
				}
				st, err := collectStatus(db)
				if err != nil {
					return WrapExitError(ExitFailure, "read migration state", err)
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				return writeTable(cmd.OutOrStdout(), []string{"Key", "Value"}, st.rows())
			})
		},
	}
}

func collectStatus(db *logdb.DB) (Status, error) {
	st := Status{
		Name:        db.Name(),
		Backend:     string(db.Kind()),
		SQLitePath:  db.SQLitePath(),
		SQLiteBytes: -1,
	}
	if fi, err := os.Stat(st.SQLitePath); err == nil {
		st.SQLiteBytes = fi.Size()
	}
	lock, ok, err := db.State().Checksum(db.Name())
	if err != nil {
		return st, err
	}
	if ok {
		st.Checksum, st.MigratedAt, st.Rows = lock.Checksum, lock.MigratedAt, lock.Rows
	}
	st.Pending, err = db.State().NeedsMigration(db.Name())
	return st, err
}

func (s Status) rows() [][]string {
	size := "absent"
	if s.SQLiteBytes >= 0 {
		size = humanize.Bytes(uint64(s.SQLiteBytes))
	}
	migrated := "never"
	if !s.MigratedAt.IsZero() {
		migrated = fmt.Sprintf("%s (%s rows)", humanize.Time(s.MigratedAt), strconv.Itoa(s.Rows))
	}
	return [][]string{
		{"name", s.Name},
		{"backend", s.Backend},
		{"sqlite", s.SQLitePath},
		{"sqlite size", size},
		{"last migration", migrated},
		{"pending", strconv.FormatBool(s.Pending)},
	}
}
