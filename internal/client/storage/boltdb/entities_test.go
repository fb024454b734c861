package boltdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

func TestStorage_ModifyEntity(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	var notified []string
	store.SetChangeListener(func(surveyID, entityID string) {
		notified = append(notified, surveyID+"/"+entityID)
	})

	// создание записи, которой не было
	err := store.ModifyEntity(ctx, "e1", func(rec *models.EntityRecord, pending []*models.Mutation) (*models.EntityRecord, error) {
		assert.Nil(t, rec)
		assert.Empty(t, pending)
		return &models.EntityRecord{SurveyID: "s1", Fields: map[string]any{"k": "v"}}, nil
	})
	require.NoError(t, err)

	rec, err := store.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", rec.ID)
	assert.Equal(t, "v", rec.Fields["k"])

	// ошибка fn откатывает транзакцию
	errBoom := errors.New("boom")
	err = store.ModifyEntity(ctx, "e1", func(rec *models.EntityRecord, _ []*models.Mutation) (*models.EntityRecord, error) {
		rec.Fields["k"] = "changed"
		return nil, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	rec, err = store.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "v", rec.Fields["k"])

	// nil удаляет запись
	err = store.ModifyEntity(ctx, "e1", func(*models.EntityRecord, []*models.Mutation) (*models.EntityRecord, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = store.GetEntity(ctx, "e1")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)

	// удаление отсутствующей записи не уведомляет
	err = store.ModifyEntity(ctx, "missing", func(*models.EntityRecord, []*models.Mutation) (*models.EntityRecord, error) {
		return nil, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1/e1", "s1/e1"}, notified)
}

func TestStorage_ModifyEntity_SeesPendingMutations(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	id, err := store.AppendMutation(ctx, newMutation("e1", models.MutationCreate, 0, nil), nil)
	require.NoError(t, err)

	err = store.ModifyEntity(ctx, "e1", func(rec *models.EntityRecord, pending []*models.Mutation) (*models.EntityRecord, error) {
		require.Len(t, pending, 1)
		assert.Equal(t, id, pending[0].ID)
		return rec, nil
	})
	require.NoError(t, err)
}

func TestStorage_ListEntities(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	for _, e := range []struct{ id, survey string }{{"a", "s1"}, {"b", "s2"}, {"c", "s1"}} {
		err := store.ModifyEntity(ctx, e.id, func(*models.EntityRecord, []*models.Mutation) (*models.EntityRecord, error) {
			return &models.EntityRecord{SurveyID: e.survey}, nil
		})
		require.NoError(t, err)
	}

	all, err := store.ListEntities(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	s1, err := store.ListEntities(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, "a", s1[0].ID)
	assert.Equal(t, "c", s1[1].ID)
}
