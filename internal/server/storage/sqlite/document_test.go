package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func write(id int64, typ models.MutationType, entityID string, at time.Time, payload map[string]any) *models.Mutation {
	return &models.Mutation{
		ID:              id,
		Type:            typ,
		Collection:      models.CollectionLOI,
		EntityID:        entityID,
		SurveyID:        "survey-1",
		UserID:          "user-1",
		ClientTimestamp: at,
		Payload:         payload,
	}
}

func TestCommitBatch_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	serverAt := t0.Add(time.Hour)
	res, err := s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(1, models.MutationCreate, "loi-1", t0, map[string]any{"name": "well", "depth": 12}),
		write(2, models.MutationUpdate, "loi-1", t0.Add(time.Minute), map[string]any{"depth": 14, "name": nil}),
	}, serverAt)
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.False(t, r.Duplicate)
		assert.True(t, r.ServerTimestamp.Equal(serverAt))
	}

	// одно событие на документ, созданный в этом batch
	require.Len(t, res.Changes, 1)
	assert.Equal(t, models.ChangeAdded, res.Changes[0].Kind)
	assert.Equal(t, map[string]any{"depth": 14}, res.Changes[0].Document.Fields)

	doc, err := s.GetDocument(ctx, "loi-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"depth": float64(14)}, doc.Fields)
	assert.Equal(t, models.CollectionLOI, doc.Collection)
	assert.True(t, doc.Created.ClientTimestamp.Equal(t0))
	assert.True(t, doc.LastModified.ClientTimestamp.Equal(t0.Add(time.Minute)))
	require.NotNil(t, doc.LastModified.ServerTimestamp)
	assert.True(t, doc.LastModified.ServerTimestamp.Equal(serverAt))

	docs, err := s.ListDocuments(ctx, "survey-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	res, err = s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(3, models.MutationDelete, "loi-1", t0.Add(2*time.Minute), nil),
	}, serverAt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, models.ChangeRemoved, res.Changes[0].Kind)

	docs, err = s.ListDocuments(ctx, "survey-1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	doc, err = s.GetDocument(ctx, "loi-1")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)
}

func TestCommitBatch_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	batch := []*models.Mutation{
		write(1, models.MutationCreate, "loi-1", t0, map[string]any{"name": "well"}),
	}
	_, err := s.CommitBatch(ctx, "device-1", batch, t0.Add(time.Hour))
	require.NoError(t, err)

	res, err := s.CommitBatch(ctx, "device-1", batch, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Duplicate)
	assert.True(t, res.Results[0].ServerTimestamp.Equal(t0.Add(time.Hour)), "original server time")
	assert.Empty(t, res.Changes)

	// тот же mutation id с другого устройства является новой записью
	res, err = s.CommitBatch(ctx, "device-2", []*models.Mutation{
		write(1, models.MutationUpdate, "loi-1", t0.Add(time.Minute), map[string]any{"name": "dry well"}),
	}, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Results[0].Duplicate)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, models.ChangeModified, res.Changes[0].Kind)
}

func TestCommitBatch_FieldLWW(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(1, models.MutationCreate, "loi-1", t0, map[string]any{"name": "well", "depth": 1}),
		write(2, models.MutationUpdate, "loi-1", t0.Add(10*time.Minute), map[string]any{"name": "newest"}),
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	// более старая правка другого устройства приходит позже
	res, err := s.CommitBatch(ctx, "device-2", []*models.Mutation{
		write(1, models.MutationUpdate, "loi-1", t0.Add(5*time.Minute), map[string]any{"name": "stale", "depth": 2}),
	}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)

	doc, err := s.GetDocument(ctx, "loi-1")
	require.NoError(t, err)
	assert.Equal(t, "newest", doc.Fields["name"])
	assert.Equal(t, float64(2), doc.Fields["depth"])
	assert.True(t, doc.LastModified.ClientTimestamp.Equal(t0.Add(10*time.Minute)), "author of the newest edit is kept")
	assert.True(t, doc.LastModified.ServerTimestamp.Equal(t0.Add(2*time.Hour)))

	// правка, полностью проигравшая по полям, не меняет документ
	res, err = s.CommitBatch(ctx, "device-2", []*models.Mutation{
		write(2, models.MutationUpdate, "loi-1", t0.Add(time.Minute), map[string]any{"name": "older"}),
	}, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)
	assert.Empty(t, res.Changes)
}

func TestCommitBatch_Malformed(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(1, models.MutationCreate, "loi-1", t0, map[string]any{"name": "well"}),
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	other := write(4, models.MutationUpdate, "loi-1", t0, map[string]any{"x": 1})
	other.SurveyID = "survey-2"

	_, err = s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(2, models.MutationCreate, "loi-2", t0, map[string]any{"name": "second"}),
		write(3, models.MutationUpdate, "ghost", t0, map[string]any{"name": "x"}),
		other,
	}, t0.Add(2*time.Hour))

	var malformed *storage.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Len(t, malformed.Reasons, 2)
	assert.Contains(t, malformed.Reasons[3], "does not exist")
	assert.Contains(t, malformed.Reasons[4], "another collection or survey")

	// batch откатан целиком, в том числе отметки о применении
	_, err = s.GetDocument(ctx, "loi-2")
	assert.ErrorIs(t, err, storage.ErrDocumentNotFound)

	res, err := s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(2, models.MutationCreate, "loi-2", t0, map[string]any{"name": "second"}),
	}, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Results[0].Duplicate)
}

func TestCommitBatch_Tombstone(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(1, models.MutationCreate, "loi-1", t0, map[string]any{"name": "well"}),
		write(2, models.MutationDelete, "loi-1", t0.Add(time.Minute), nil),
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	res, err := s.CommitBatch(ctx, "device-2", []*models.Mutation{
		write(1, models.MutationUpdate, "loi-1", t0.Add(2*time.Minute), map[string]any{"name": "late"}),
		write(2, models.MutationDelete, "loi-1", t0.Add(3*time.Minute), nil),
		write(3, models.MutationDelete, "never-existed", t0, nil),
	}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, res.Results, 3)
	assert.Empty(t, res.Changes)

	doc, err := s.GetDocument(ctx, "loi-1")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)
	assert.Equal(t, "well", doc.Fields["name"])
}

func TestListDocuments_Survey(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	other := write(3, models.MutationCreate, "loi-3", t0, nil)
	other.SurveyID = "survey-2"
	sub := write(4, models.MutationCreate, "sub-1", t0, map[string]any{"answer": "dry"})
	sub.Collection = models.CollectionSubmission
	sub.LOIID = "loi-1"

	_, err := s.CommitBatch(ctx, "device-1", []*models.Mutation{
		write(2, models.MutationCreate, "loi-2", t0, nil),
		write(1, models.MutationCreate, "loi-1", t0, nil),
		other,
		sub,
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	docs, err := s.ListDocuments(ctx, "survey-1")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "loi-1", docs[0].ID)
	assert.Equal(t, "loi-2", docs[1].ID)
	assert.Equal(t, "sub-1", docs[2].ID)
	assert.Equal(t, "loi-1", docs[2].LOIID)
	assert.NotNil(t, docs[0].Fields)
}
