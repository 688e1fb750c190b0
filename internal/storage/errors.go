package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists in an append-only store.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIllegalTransition is returned when no claim is in a status that permits
	// the requested transition.
	ErrIllegalTransition = errors.New("illegal claim status transition")

	// ErrStorage wraps failures of the underlying database.
	ErrStorage = errors.New("storage failure")
)
