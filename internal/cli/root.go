// Package cli implements the logvault command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"logvault/internal/config"
	"logvault/internal/lifecycle"
	"logvault/internal/logdb"
	"logvault/internal/observability"
	"logvault/internal/storage"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"table", "json"}

// Env carries process-wide dependencies built by main. Zero values are fine.
type Env struct {
	Logger  observability.Logger
	Metrics *observability.Metrics
	// Hooks receives exit-time work such as SQLite backups.
	Hooks *lifecycle.Registry
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Name       string
	Type       string
	Format     string

	env Env
}

// NewRootCommand creates the logvault command tree.
func NewRootCommand(env Env) *cobra.Command {
	opts := &RootOptions{env: env}

	cmd := &cobra.Command{
		Use:   "logvault",
		Short: "logvault - durable log storage with SQLite fallback",
		Long: `logvault stores structured log entries in PostgreSQL when it is reachable
and in a local SQLite file when it is not. SQLite content is copied into
PostgreSQL the next time the store is closed with the database available.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if _, err := storage.ParseKind(opts.Type); err != nil {
				return WrapExitError(ExitCommandError, "invalid --type", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVarP(&opts.Name, "name", "n", "", "logical log set (default from config)")
	cmd.PersistentFlags().StringVarP(&opts.Type, "type", "t", "", "force a backend: sqlite, postgres or memory")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "table", "output format (table|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// loadConfig reads the config file and environment, then applies flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.Name != "" {
		cfg.Name = o.Name
	}
	if o.Type != "" {
		cfg.Type = o.Type
	}
	return cfg, nil
}

func (o *RootOptions) openDB(cfg *config.Config) *logdb.DB {
	return logdb.New(cfg.Name, logdb.Options{
		Config:  cfg,
		Logger:  o.env.Logger,
		Metrics: o.env.Metrics,
		Hooks:   o.env.Hooks,
	})
}

func (o *RootOptions) logger() observability.Logger {
	return observability.OrDefault(o.env.Logger)
}
