package migrate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/blake2b"
)

// ErrNoSource is returned by Checksum when the SQLite file does not exist.
var ErrNoSource = errors.New("sqlite file not found")

// Checksum hashes the SQLite file and, when present, its write-ahead log with
// BLAKE2b-256. Any committed write changes the result.
func Checksum(path string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if err := hashInto(h, path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoSource, path)
		}
		return "", err
	}
	if err := hashInto(h, path+"-wal"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	return nil
}
