package storage

import (
	"context"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
)

//go:generate moq -out mutationstorage_mock.go . MutationStorage

// AppendCheck validates a new mutation against the entity's current state.
// rec is nil when the entity is not cached; pending are its unacknowledged mutations.
type AppendCheck func(rec *models.EntityRecord, pending []*models.Mutation) error

// Applied describes one acknowledged mutation
type Applied struct {
	ServerTimestamp *time.Time
	ID              int64
}

// MutationStorage defines the durable mutation queue
type MutationStorage interface {
	// AppendMutation assigns the next id to m, stores it and applies it
	// optimistically to the entity cache in one transaction.
	// The error returned by check aborts the transaction as-is.
	AppendMutation(ctx context.Context, m *models.Mutation, check AppendCheck) (int64, error)

	// GetMutation returns ErrMutationNotFound if the id is not queued
	GetMutation(ctx context.Context, id int64) (*models.Mutation, error)

	// ListMutations returns all queued mutations in id order
	ListMutations(ctx context.Context) ([]*models.Mutation, error)

	// SetStatus updates the status of the given mutations
	SetStatus(ctx context.Context, ids []int64, status models.MutationStatus) error

	// MarkApplied removes acknowledged mutations from the queue and from
	// their entities' pending sets. Returns ids of entities whose pending set became empty.
	MarkApplied(ctx context.Context, applied []Applied) ([]string, error)

	// MarkFailed records a failed attempt. A non-retryable failure moves the mutation
	// to dead letter and out of the pending set; the entity id is returned
	// when its pending set became empty.
	MarkFailed(ctx context.Context, id int64, reason string, retryable bool) (string, error)

	// LastClientTimestamp returns the newest client timestamp ever queued
	LastClientTimestamp(ctx context.Context) (time.Time, error)
}
