package storage

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicate is returned when attempting to create a resource that
	// already exists (e.g. a secret-hash or permission-key collision).
	ErrDuplicate = errors.New("resource already exists")
)
