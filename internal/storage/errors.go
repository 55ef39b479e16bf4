package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose unique key exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict is returned by compare-and-swap updates when the stored
	// version (or state) no longer matches the expected one.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTerminal is returned when a mutation targets a record in a terminal
	// state that may not be left, e.g. a resolved dead letter.
	ErrTerminal = errors.New("record is in a terminal state")

	// ErrInvariant is returned when the store rejects a write that would break
	// a hard invariant (check constraint, trigger).
	ErrInvariant = errors.New("store invariant violated")
)
