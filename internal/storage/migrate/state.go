// Package migrate copies SQLite log sets into the relational backend, gated
// by a content checksum so unchanged files are never rescanned.
package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"logvault/internal/storage"
)

// DefaultStateDir holds checksum locks and pending flags.
const DefaultStateDir = ".logvault/migrations"

// Lock records the checksum of the last fully migrated SQLite file.
type Lock struct {
	Checksum   string    `json:"checksum"`
	MigratedAt time.Time `json:"migrated_at"`
	Rows       int       `json:"rows"`
}

// State persists per-log-set migration state on a filesystem.
type State struct {
	fs  afero.Fs
	dir string
}

// NewState returns a State rooted at dir. A nil fs uses the OS filesystem.
func NewState(fsys afero.Fs, dir string) *State {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if dir == "" {
		dir = DefaultStateDir
	}
	return &State{fs: fsys, dir: dir}
}

// Dir returns the state directory.
func (s *State) Dir() string { return s.dir }

func (s *State) lockPath(name string) string {
	return filepath.Join(s.dir, storage.SanitizeName(name)+".lock.json")
}

func (s *State) pendingPath(name string) string {
	return filepath.Join(s.dir, storage.SanitizeName(name)+".pending")
}

// Checksum returns the stored lock for name, if any.
func (s *State) Checksum(name string) (Lock, bool, error) {
	b, err := afero.ReadFile(s.fs, s.lockPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("read checksum lock: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(b, &l); err != nil {
		return Lock{}, false, fmt.Errorf("parse checksum lock: %w", err)
	}
	return l, true, nil
}

// SaveChecksum replaces the lock for name.
func (s *State) SaveChecksum(name string, l Lock) error {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic(s.lockPath(name), b)
}

// NeedsMigration reports whether a previous pass for name failed.
func (s *State) NeedsMigration(name string) (bool, error) {
	return afero.Exists(s.fs, s.pendingPath(name))
}

// MarkPending records that name must be migrated on the next close.
func (s *State) MarkPending(name string) error {
	return s.writeAtomic(s.pendingPath(name), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"))
}

// ClearPending removes the pending flag. Missing flags are not an error.
func (s *State) ClearPending(name string) error {
	err := s.fs.Remove(s.pendingPath(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) && !os.IsNotExist(err) {
		return fmt.Errorf("clear pending flag: %w", err)
	}
	return nil
}

func (s *State) writeAtomic(path string, b []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
