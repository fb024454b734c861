package storage

import (
	"context"

	"github.com/iudanet/fieldsync/internal/models"
)

//go:generate moq -out entitystorage_mock.go . EntityStorage

// ModifyFunc computes the next state of an entity record.
// rec is nil when the entity is not cached; pending are the mutations listed in
// rec.PendingMutationIDs. Returning a nil record deletes the entity.
type ModifyFunc func(rec *models.EntityRecord, pending []*models.Mutation) (*models.EntityRecord, error)

// ChangeListener is notified after a committed change of an entity
type ChangeListener func(surveyID, entityID string)

// EntityStorage defines the local entity cache
type EntityStorage interface {
	// GetEntity returns ErrEntityNotFound if the entity is not cached
	GetEntity(ctx context.Context, id string) (*models.EntityRecord, error)

	// ListEntities returns cached entities of a survey, all surveys if surveyID is empty
	ListEntities(ctx context.Context, surveyID string) ([]*models.EntityRecord, error)

	// ModifyEntity runs fn as an atomic read-modify-write of one entity
	ModifyEntity(ctx context.Context, id string, fn ModifyFunc) error

	// SetChangeListener installs the listener for committed entity changes
	SetChangeListener(l ChangeListener)
}
