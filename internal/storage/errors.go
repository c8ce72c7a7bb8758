package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the storage layer.
// Callers use errors.Is to map these to exit codes or HTTP statuses.
var (
	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("store closed")

	// ErrConfig marks invalid or incomplete backend configuration.
	ErrConfig = errors.New("configuration error")

	// ErrValidation indicates the input failed validation
	// (e.g., an empty id).
	ErrValidation = errors.New("validation error")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// MissingConfig builds an ErrConfig listing the absent settings.
func MissingConfig(fields ...string) error {
	return configErrorf("missing %s", strings.Join(fields, ", "))
}

// ValidateID rejects empty identifiers.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id required: %w", ErrValidation)
	}
	return nil
}
