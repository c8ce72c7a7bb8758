package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"logvault/internal/observability"
	"logvault/internal/storage"
)

// Opener lazily creates a backend for one migration pass.
type Opener func(ctx context.Context) (storage.LogStore, error)

// EngineConfig wires an Engine to one logical log set.
type EngineConfig struct {
	Name       string
	SQLitePath string
	State      *State
	// OpenSource is used when Run is not handed an already open source.
	OpenSource Opener
	OpenTarget Opener
	Logger     observability.Logger
	Metrics    *observability.Metrics
}

// Result summarises one pass.
type Result struct {
	Skipped  bool
	Checksum string
	Scanned  int
	Copied   int
	Existing int
}

// Engine runs checksum-gated, additive, one-way copies from SQLite into the
// relational backend.
type Engine struct {
	cfg    EngineConfig
	logger observability.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.State == nil {
		cfg.State = NewState(nil, "")
	}
	return &Engine{
		cfg:    cfg,
		logger: observability.OrDefault(cfg.Logger).WithComponent("migrate").With("name", cfg.Name),
	}
}

// Run migrates every row of the SQLite file whose id is absent from the
// target. source may be nil, in which case OpenSource is used. The checksum
// lock is written only after a complete pass; any error leaves it untouched.
func (e *Engine) Run(ctx context.Context, source storage.LogStore) (res Result, err error) {
	defer func() {
		switch {
		case err != nil:
			e.cfg.Metrics.RecordMigration("failed", 0)
		case res.Skipped:
			e.cfg.Metrics.RecordMigration("skipped", 0)
		default:
			e.cfg.Metrics.RecordMigration("copied", res.Copied)
		}
	}()

	sum, err := Checksum(e.cfg.SQLitePath)
	if errors.Is(err, ErrNoSource) {
		e.logger.Debug("no sqlite file; nothing to migrate", "path", e.cfg.SQLitePath)
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	res.Checksum = sum

	prev, ok, err := e.cfg.State.Checksum(e.cfg.Name)
	if err != nil {
		return res, err
	}
	if ok && prev.Checksum == sum {
		e.logger.Info("sqlite file unchanged since last migration; skipping",
			"checksum", short(sum), "migrated", humanize.Time(prev.MigratedAt))
		res.Skipped = true
		return res, nil
	}

	if source == nil {
		if e.cfg.OpenSource == nil {
			return res, errors.New("migrate: no source store")
		}
		source, err = e.cfg.OpenSource(ctx)
		if err != nil {
			return res, fmt.Errorf("open source: %w", err)
		}
		defer source.Close()
	}
	if e.cfg.OpenTarget == nil {
		return res, errors.New("migrate: no target store")
	}
	target, err := e.cfg.OpenTarget(ctx)
	if err != nil {
		return res, fmt.Errorf("open target: %w", err)
	}
	defer target.Close()
	if err := target.WaitReady(ctx); err != nil {
		return res, fmt.Errorf("target not ready: %w", err)
	}

	start := time.Now()
	rows, err := source.GetLogs(ctx, nil, storage.ListOptions{})
	if err != nil {
		return res, fmt.Errorf("read source: %w", err)
	}
	res.Scanned = len(rows)

	for _, row := range rows {
		_, exists, err := target.GetLogByID(ctx, row.ID)
		if err != nil {
			return res, fmt.Errorf("lookup %s: %w", row.ID, err)
		}
		if exists {
			res.Existing++
			continue
		}
		if err := target.AddLog(ctx, row, storage.WithUpdate(false)); err != nil {
			return res, fmt.Errorf("copy %s: %w", row.ID, err)
		}
		res.Copied++
	}

	if err := e.cfg.State.SaveChecksum(e.cfg.Name, Lock{Checksum: sum, MigratedAt: time.Now().UTC(), Rows: res.Scanned}); err != nil {
		return res, err
	}
	e.logger.Info("migration complete",
		"scanned", res.Scanned, "copied", res.Copied, "existing", res.Existing,
		"checksum", short(sum), "elapsed", time.Since(start).String())
	return res, nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
