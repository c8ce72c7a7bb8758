package sqlite

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Dumper produces a textual SQL dump of a database file.
type Dumper interface {
	Dump(ctx context.Context, dbPath string) ([]byte, error)
}

// CommandDumper shells out to the sqlite3 command-line tool.
type CommandDumper struct {
	// Binary defaults to "sqlite3" resolved on PATH.
	Binary string
}

func (d CommandDumper) Dump(ctx context.Context, dbPath string) ([]byte, error) {
	bin := d.Binary
	if bin == "" {
		bin = "sqlite3"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("sqlite dump tool unavailable: %w", err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, dbPath, ".dump")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s .dump: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

var createTable = regexp.MustCompile(`(?mi)^CREATE TABLE (IF NOT EXISTS )?`)

// MakeIdempotent rewrites every CREATE TABLE into CREATE TABLE IF NOT EXISTS
// so the dump can be replayed over an existing database.
func MakeIdempotent(dump []byte) []byte {
	return createTable.ReplaceAll(dump, []byte("CREATE TABLE IF NOT EXISTS "))
}

// Backup writes an idempotent SQL dump of the database to dest.
// The file is replaced atomically.
func (s *Store) Backup(ctx context.Context, dest string) (err error) {
	defer func() { s.metrics.RecordBackup(err) }()
	start := time.Now()

	dump, err := s.dumper.Dump(ctx, s.path)
	if err != nil {
		return err
	}
	dump = MakeIdempotent(dump)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("backup: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(dump); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("backup: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("backup: rename: %w", err)
	}
	s.logger.Info("sqlite backup written",
		"dest", dest,
		"size", humanize.Bytes(uint64(len(dump))),
		"elapsed", time.Since(start).String())
	return nil
}
