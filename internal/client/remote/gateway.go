// Package remote defines the boundary to the shared remote document store.
package remote

import (
	"context"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
)

//go:generate moq -out gateway_mock.go . Gateway

// Scope selects the documents a watch subscribes to
type Scope struct {
	SurveyID string
}

// MutationAck is the server acknowledgement of one mutation
type MutationAck struct {
	ServerTimestamp time.Time
	MutationID      int64
	Duplicate       bool
}

// BatchAck acknowledges an atomically committed batch
type BatchAck struct {
	ServerTime time.Time
	BatchID    string
	Results    []MutationAck
}

// Gateway commits mutation batches and streams document changes.
type Gateway interface {
	// CommitBatch applies all mutations atomically: CREATE is a full set,
	// UPDATE a field merge, DELETE a tombstone.
	// Errors: ErrUnavailable, ErrPermissionDenied, ErrBatchTooLarge, *MalformedDocumentError.
	CommitBatch(ctx context.Context, mutations []*models.Mutation) (*BatchAck, error)

	// Watch subscribes to changes within scope until ctx is done.
	// Each (re)subscription first delivers the full current state as ADDED events.
	// The channel is closed when the watch ends.
	Watch(ctx context.Context, scope Scope) (<-chan models.RemoteChangeEvent, error)
}
