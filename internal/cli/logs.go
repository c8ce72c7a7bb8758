package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"logvault/internal/domain"
	"logvault/internal/logdb"
	"logvault/internal/storage"
)

// withDB loads config, opens the facade, runs fn and closes the facade.
// Close may migrate SQLite content, so it runs even when fn fails.
func (o *RootOptions) withDB(ctx context.Context, fn func(db *logdb.DB) error) (err error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	db := o.openDB(cfg)
	defer func() {
		if cerr := db.Close(ctx); cerr != nil && err == nil {
			err = WrapExitError(ExitFailure, "close store", cerr)
		}
	}()
	return fn(db)
}

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Message   string
	Data      string
	Timestamp string
	NoMerge   bool
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Insert or update a log entry",
		Long: `Insert or update the log entry with the given id.

Examples:
  logvault add 42 --message "page fetched" --data '{"url":"https://example.com"}'
  logvault add 42 --data '{"status":200}' --no-merge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "log message")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVar(&opts.Timestamp, "timestamp", "", "timestamp ("+domain.TimestampLayout+"), default now")
	cmd.Flags().BoolVar(&opts.NoMerge, "no-merge", false, "replace the relational payload instead of merging")

	return cmd
}

func runAdd(cmd *cobra.Command, opts *AddOptions, id string) error {
	entry := domain.LogEntry{ID: id, Message: opts.Message, Timestamp: opts.Timestamp}
	if opts.Data != "" {
		if err := json.Unmarshal([]byte(opts.Data), &entry.Data); err != nil {
			return WrapExitError(ExitCommandError, "invalid --data", err)
		}
	}
	if entry.Timestamp != "" && !domain.ValidTimestamp(entry.Timestamp) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --timestamp %q", entry.Timestamp))
	}

	var addOpts []storage.AddOption
	if opts.NoMerge {
		addOpts = append(addOpts, storage.WithUpdate(false))
	}

	ctx := cmd.Context()
	return opts.withDB(ctx, func(db *logdb.DB) error {
		if err := db.AddLog(ctx, entry, addOpts...); err != nil {
			return WrapExitError(ExitFailure, "add log", err)
		}
		stored, _, err := db.GetLogByID(ctx, id)
		if err != nil {
			return WrapExitError(ExitFailure, "read back log", err)
		}
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), stored)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s\n", id, db.Kind())
		return err
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one log entry as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withDB(ctx, func(db *logdb.DB) error {
				entry, ok, err := db.GetLogByID(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "get log", err)
				}
				if !ok {
					return NewExitError(ExitFailure, fmt.Sprintf("log %s not found", args[0]))
				}
				return writeJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Limit  int
	Offset int
	Query  string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List log entries in storage order",
		Long: `List log entries in storage order.

Pagination is applied before --query, so a page may hold fewer than --limit rows.

Examples:
  logvault list --limit 20
  logvault list --query timeout --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "l", 0, "maximum rows (0 = all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVarP(&opts.Query, "query", "q", "", "case-insensitive substring of the message")

	return cmd
}

func runList(cmd *cobra.Command, opts *ListOptions) error {
	if opts.Limit < 0 || opts.Offset < 0 {
		return NewExitError(ExitCommandError, "--limit and --offset must not be negative")
	}
	var filter storage.Filter
	if q := strings.ToLower(opts.Query); q != "" {
		filter = storage.Match(func(e domain.LogEntry) bool {
			return strings.Contains(strings.ToLower(e.Message), q)
		})
	}

	ctx := cmd.Context()
	return opts.withDB(ctx, func(db *logdb.DB) error {
		rows, err := db.GetLogs(ctx, filter, storage.ListOptions{Limit: opts.Limit, Offset: opts.Offset})
		if err != nil {
			return WrapExitError(ExitFailure, "list logs", err)
		}
		if opts.Format == "json" {
			if rows == nil {
				rows = []domain.LogEntry{}
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		}
		table := make([][]string, 0, len(rows))
		for _, e := range rows {
			table = append(table, []string{e.ID, e.Timestamp, e.Message, compactData(e.Data)})
		}
		return writeTable(cmd.OutOrStdout(), []string{"ID", "Timestamp", "Message", "Data"}, table)
	})
}

func compactData(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	const maxLen = 60
	if len(b) > maxLen {
		return string(b[:maxLen-3]) + "..."
	}
	return string(b)
}

// NewRemoveCommand creates the rm command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Delete a log entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withDB(ctx, func(db *logdb.DB) error {
				removed, err := db.RemoveLog(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "remove log", err)
				}
				if !removed {
					return NewExitError(ExitFailure, fmt.Sprintf("log %s not found", args[0]))
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return err
			})
		},
	}
}
