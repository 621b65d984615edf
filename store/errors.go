package store

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// StorageError wraps a failure of the underlying backend.
type StorageError struct {
	Op    string
	Table Table
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError is returned when a write is rejected before reaching the
// backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s: %s", e.Field, e.Reason)
}

// ErrClosed is wrapped by every operation issued after Close.
var ErrClosed = errors.New("store is closed")

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
