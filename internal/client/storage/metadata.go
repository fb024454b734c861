package storage

import (
	"context"
	"time"
)

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage defines interface for storing client metadata
type MetadataStorage interface {
	// DeviceID returns the persistent identifier of this device,
	// generating and storing one with newID on first use
	DeviceID(ctx context.Context, newID func() string) (string, error)

	// SaveLastSyncTime saves the time of the last fully drained queue
	SaveLastSyncTime(ctx context.Context, t time.Time) error

	// GetLastSyncTime retrieves the time of the last fully drained queue
	// Returns zero time if no sync has been performed yet
	GetLastSyncTime(ctx context.Context) (time.Time, error)
}
