package storage

import "errors"

// Common client storage errors
var (
	// ErrAuthNotFound indicates that no authentication data exists
	ErrAuthNotFound = errors.New("authentication data not found")

	// ErrMutationNotFound indicates that the mutation is not in the queue
	ErrMutationNotFound = errors.New("mutation not found")

	// ErrEntityNotFound indicates that the entity is not in the local cache
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
