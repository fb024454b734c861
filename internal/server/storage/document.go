package storage

import (
	"context"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
)

// WriteResult результат одной записи batch
type WriteResult struct {
	ServerTimestamp time.Time
	MutationID      int64
	Duplicate       bool // запись этого устройства уже была применена
}

// BatchResult результат зафиксированного batch
type BatchResult struct {
	Results []WriteResult
	Changes []models.DocumentChange // изменения для наблюдателей, по одному на документ
}

// DocumentStorage defines interface for survey documents
type DocumentStorage interface {
	// CommitBatch applies writes of one device atomically at server time at.
	// A write already applied for (deviceID, mutation id) is acknowledged again without effect.
	// Returns *MalformedError if any write cannot be applied; nothing is stored then.
	CommitBatch(ctx context.Context, deviceID string, writes []*models.Mutation, at time.Time) (*BatchResult, error)

	// ListDocuments returns live documents of a survey ordered by id
	ListDocuments(ctx context.Context, surveyID string) ([]*models.Document, error)

	// GetDocument returns a document including tombstones
	// Returns ErrDocumentNotFound if document doesn't exist
	GetDocument(ctx context.Context, id string) (*models.Document, error)
}
