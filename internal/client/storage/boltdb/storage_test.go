package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/models"
)

// createTestStorage создает временное хранилище для тестов
func createTestStorage(t *testing.T) *Storage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

var testTime = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

// newMutation создает тестовую мутацию точки интереса
func newMutation(entityID string, typ models.MutationType, offset int, payload map[string]any) *models.Mutation {
	return &models.Mutation{
		EntityID:        entityID,
		Collection:      models.CollectionLOI,
		SurveyID:        "survey-1",
		UserID:          "user-1",
		DeviceID:        "device-1",
		Type:            typ,
		ClientTimestamp: testTime.Add(time.Duration(offset) * time.Second),
		Payload:         payload,
	}
}

func TestNew_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb.db")

	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer func() {
		require.NoError(t, store.Close())
	}()

	// Проверяем что файл БД действительно создан
	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	// Проверяем, что бакеты существуют
	err = store.db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketAuth, bucketMetadata, bucketMutations, bucketEntities} {
			if tx.Bucket(b) == nil {
				return os.ErrNotExist
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNew_InvalidPath(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "db"))
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestClose(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "testdb.db"))
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.Nil(t, store.db)

	// Второй вызов Close не должен падать
	assert.NoError(t, store.Close())

	_, err = store.ListMutations(context.Background())
	assert.Error(t, err)
}

func TestStorage_ReopenKeepsQueue(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	store, err := New(ctx, dbPath)
	require.NoError(t, err)
	id, err := store.AppendMutation(ctx, newMutation("e1", models.MutationCreate, 0, map[string]any{"a": "b"}), nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// имитация перезапуска процесса
	store, err = New(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	m, err := store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "e1", m.EntityID)

	next, err := store.AppendMutation(ctx, newMutation("e1", models.MutationUpdate, 1, map[string]any{"a": "c"}), nil)
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestStorage_ClearUserData(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	var notified []string
	store.SetChangeListener(func(surveyID, entityID string) {
		notified = append(notified, entityID)
	})

	first, err := store.AppendMutation(ctx, newMutation("e1", models.MutationCreate, 0, nil), nil)
	require.NoError(t, err)
	notified = nil

	require.NoError(t, store.ClearUserData(ctx))
	assert.Equal(t, []string{"e1"}, notified)

	mutations, err := store.ListMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, mutations)
	entities, err := store.ListEntities(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entities)

	// последовательность id не сбрасывается
	next, err := store.AppendMutation(ctx, newMutation("e2", models.MutationCreate, 1, nil), nil)
	require.NoError(t, err)
	assert.Greater(t, next, first)
}
