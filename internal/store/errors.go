package store

import "errors"

var (
	// ErrNotFound means the record (or the requested version) does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDeleted means the record exists but its current version is a delete.
	ErrDeleted = errors.New("record deleted")
	// ErrConflict means an expected-version precondition failed.
	ErrConflict = errors.New("version conflict")
	// ErrUnknownType means the record type has no registered definition.
	ErrUnknownType = errors.New("unknown record type")
)
