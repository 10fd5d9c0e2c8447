// Package errs holds the error taxonomy shared by the engine packages.
// Callers match kinds with errors.Is against the sentinels and extract
// details with errors.As against the typed errors.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceUnavailable reports a model file, context or native
	// resource that could not be created or opened.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrCapacityExceeded reports a caller buffer or batch that is too small.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrCacheSlotUnavailable reports that the KV cache has no room for the
	// requested cells. It is recoverable by evicting entries.
	ErrCacheSlotUnavailable = errors.New("no KV cache slot available")
	// ErrCorruptState reports a state blob that does not match the context.
	ErrCorruptState = errors.New("corrupt state")
	// ErrInvalidHandle reports use of a released or broken handle.
	ErrInvalidHandle = errors.New("invalid handle")
)

// BufferTooSmallError is returned by the two-call sizing APIs. Required is
// the length that would have succeeded.
type BufferTooSmallError struct {
	Required  int
	Available int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: need %d, have %d", e.Required, e.Available)
}

func (e *BufferTooSmallError) Unwrap() error { return ErrCapacityExceeded }

// Required extracts the required size from a BufferTooSmallError anywhere in
// err's chain.
func Required(err error) (int, bool) {
	var bt *BufferTooSmallError
	if errors.As(err, &bt) {
		return bt.Required, true
	}
	return 0, false
}

// BatchCapacityError is returned when an entry is added to a full batch.
type BatchCapacityError struct {
	Capacity int
}

func (e *BatchCapacityError) Error() string {
	return fmt.Sprintf("batch full: capacity %d", e.Capacity)
}

func (e *BatchCapacityError) Unwrap() error { return ErrCapacityExceeded }

// CorruptStateError names the first field of a state blob that failed
// validation.
type CorruptStateError struct {
	Field    string
	Expected any
	Actual   any
}

func (e *CorruptStateError) Error() string {
	if e.Expected == nil && e.Actual == nil {
		return fmt.Sprintf("corrupt state: %s", e.Field)
	}
	return fmt.Sprintf("corrupt state: %s: expected %v, got %v", e.Field, e.Expected, e.Actual)
}

func (e *CorruptStateError) Unwrap() error { return ErrCorruptState }

// Corrupt is shorthand for a CorruptStateError.
func Corrupt(field string, expected, actual any) error {
	return &CorruptStateError{Field: field, Expected: expected, Actual: actual}
}
