package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/client/storage/boltdb"
	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *boltdb.Storage) {
	t.Helper()
	ctx := context.Background()

	store, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q, err := New(ctx, store, crdt.NewClockWithNodeID("device-1"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return q, store
}

func loi(entityID string, typ models.MutationType, payload map[string]any) *models.Mutation {
	return &models.Mutation{
		EntityID:   entityID,
		Collection: models.CollectionLOI,
		SurveyID:   "survey-1",
		UserID:     "user-1",
		Type:       typ,
		Payload:    payload,
	}
}

func TestQueue_Enqueue_Validation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, loi("e1", models.MutationCreate, map[string]any{"name": "a"}))
	require.NoError(t, err)

	submission := loi("s1", models.MutationCreate, nil)
	submission.Collection = models.CollectionSubmission

	otherSurvey := loi("e1", models.MutationUpdate, nil)
	otherSurvey.SurveyID = "survey-2"

	tests := []struct {
		name string
		m    *models.Mutation
	}{
		{"second create", loi("e1", models.MutationCreate, nil)},
		{"update without create", loi("e2", models.MutationUpdate, map[string]any{"x": 1})},
		{"delete without create", loi("e3", models.MutationDelete, nil)},
		{"missing entity id", loi("", models.MutationCreate, nil)},
		{"unknown type", loi("e4", "UPSERT", nil)},
		{"submission without loi", submission},
		{"survey mismatch", otherSurvey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.m)
			var vErr *ValidationError
			assert.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err)
		})
	}

	queued, err := q.List(ctx)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestQueue_Enqueue_AfterDelete(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, loi("e1", models.MutationCreate, nil))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, loi("e1", models.MutationDelete, nil))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, loi("e1", models.MutationUpdate, map[string]any{"a": 1}))
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestQueue_Enqueue_UpdateOfServerKnownEntity(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	// сущность известна только по состоянию с сервера
	err := store.ModifyEntity(ctx, "srv-1", func(*models.EntityRecord, []*models.Mutation) (*models.EntityRecord, error) {
		return &models.EntityRecord{ID: "srv-1", Collection: models.CollectionLOI, SurveyID: "survey-1"}, nil
	})
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, loi("srv-1", models.MutationUpdate, map[string]any{"status": "done"}))
	require.NoError(t, err)

	rec, err := store.GetEntity(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, rec.PendingMutationIDs)
	assert.Equal(t, "done", rec.Fields["status"])
}

func TestQueue_Enqueue_StampsClockAndDevice(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	m1 := loi("e1", models.MutationCreate, nil)
	m2 := loi("e1", models.MutationUpdate, map[string]any{"a": 1})
	_, err := q.Enqueue(ctx, m1)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, m2)
	require.NoError(t, err)

	assert.Equal(t, "device-1", m1.DeviceID)
	assert.False(t, m1.ClientTimestamp.IsZero())
	assert.True(t, m2.ClientTimestamp.After(m1.ClientTimestamp))
}

func TestQueue_ClockRestoredAfterRestart(t *testing.T) {
	ctx := context.Background()
	store, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer store.Close()

	future := time.Now().Add(time.Hour).UTC()
	m := loi("e1", models.MutationCreate, nil)
	m.ClientTimestamp = future
	_, err = store.AppendMutation(ctx, m, nil)
	require.NoError(t, err)

	q, err := New(ctx, store, crdt.NewClockWithNodeID("device-1"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	next := loi("e1", models.MutationUpdate, map[string]any{"a": 1})
	_, err = q.Enqueue(ctx, next)
	require.NoError(t, err)
	assert.True(t, next.ClientTimestamp.After(future))
}

// Параллельные Enqueue получают уникальные возрастающие id, порядок по сущности сохраняется.
func TestQueue_Enqueue_Concurrent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entities := []string{"e1", "e2", "e3", "e4"}
	for _, id := range entities {
		_, err := q.Enqueue(ctx, loi(id, models.MutationCreate, map[string]any{"n": 0}))
		require.NoError(t, err)
	}

	const writers = 40
	var (
		mu  sync.Mutex
		ids []int64
	)
	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			id, err := q.Enqueue(ctx, loi(entities[i%len(entities)], models.MutationUpdate, map[string]any{"n": i}))
			if err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, ids, writers)
	slices.Sort(ids)
	assert.Len(t, slices.Compact(slices.Clone(ids)), writers, "ids must be unique")

	queued, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, writers+len(entities))
	for i := 1; i < len(queued); i++ {
		assert.Greater(t, queued[i].ID, queued[i-1].ID)
		assert.True(t, queued[i].ClientTimestamp.After(queued[i-1].ClientTimestamp),
			"client time follows id order at %d", queued[i].ID)
	}

	batch, err := q.PeekBatch(ctx, len(queued))
	require.NoError(t, err)
	require.Len(t, batch, len(queued))

	// мутации одной сущности идут подряд, CREATE первой, id возрастают
	done := make(map[string]bool)
	for i, m := range batch {
		if i == 0 || batch[i-1].EntityID != m.EntityID {
			assert.False(t, done[m.EntityID], "entity %s is split", m.EntityID)
			done[m.EntityID] = true
			assert.Equal(t, models.MutationCreate, m.Type)
			continue
		}
		assert.Greater(t, m.ID, batch[i-1].ID)
	}
	assert.Len(t, done, len(entities))
}

// Очередь переживает перезапуск: те же мутации, следующий id больше прежних.
func TestQueue_DurableAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := boltdb.New(ctx, path)
	require.NoError(t, err)
	q, err := New(ctx, store, crdt.NewClockWithNodeID("device-1"), logger)
	require.NoError(t, err)

	var want []int64
	for _, m := range []*models.Mutation{
		loi("e1", models.MutationCreate, map[string]any{"name": "well"}),
		loi("e2", models.MutationCreate, nil),
		loi("e1", models.MutationUpdate, map[string]any{"name": "dry well"}),
	} {
		id, err := q.Enqueue(ctx, m)
		require.NoError(t, err)
		want = append(want, id)
	}
	before, err := q.List(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = boltdb.New(ctx, path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	q, err = New(ctx, store, crdt.NewClockWithNodeID("device-1"), logger)
	require.NoError(t, err)

	after, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(want))
	for i, m := range after {
		assert.Equal(t, want[i], m.ID)
		assert.Equal(t, before[i].EntityID, m.EntityID)
		assert.Equal(t, before[i].Type, m.Type)
		assert.Equal(t, before[i].Payload, m.Payload)
		assert.True(t, before[i].ClientTimestamp.Equal(m.ClientTimestamp))
	}

	// порядок CREATE сохранился: повторный CREATE отклоняется
	_, err = q.Enqueue(ctx, loi("e1", models.MutationCreate, nil))
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	next, err := q.Enqueue(ctx, loi("e2", models.MutationUpdate, map[string]any{"a": 1}))
	require.NoError(t, err)
	assert.Greater(t, next, want[len(want)-1])
}

// Оффлайн: CREATE и два UPDATE одной сущности уходят одним batch в порядке id.
func TestQueue_OfflineCreateThenUpdates(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	var want []int64
	for _, m := range []*models.Mutation{
		loi("e1", models.MutationCreate, map[string]any{"name": "well"}),
		loi("e1", models.MutationUpdate, map[string]any{"depth": 3.0}),
		loi("e1", models.MutationUpdate, map[string]any{"depth": 4.0}),
	} {
		id, err := q.Enqueue(ctx, m)
		require.NoError(t, err)
		want = append(want, id)
	}

	batch, err := q.PeekBatch(ctx, 50)
	require.NoError(t, err)
	got := make([]int64, 0, len(batch))
	for _, m := range batch {
		got = append(got, m.ID)
	}
	assert.Equal(t, want, got)

	// peek ничего не удаляет
	again, err := q.PeekBatch(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	require.NoError(t, q.MarkInProgress(ctx, got))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.InProgress)

	applied := make([]storage.Applied, 0, len(got))
	for _, id := range got {
		applied = append(applied, storage.Applied{ID: id})
	}
	cleared, err := q.MarkApplied(ctx, applied)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, cleared)

	rec, err := store.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, rec.HasPending())
	assert.Equal(t, map[string]any{"name": "well", "depth": 4.0}, rec.Fields)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestQueue_MarkFailed_DeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, loi("e1", models.MutationCreate, nil))
	require.NoError(t, err)

	cleared, err := q.MarkFailed(ctx, id, errors.New("temporary"), true)
	require.NoError(t, err)
	assert.Empty(t, cleared)

	cleared, err = q.MarkFailed(ctx, id, errors.New("permission denied"), false)
	require.NoError(t, err)
	assert.Equal(t, "e1", cleared)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "permission denied", dead[0].LastError)
	assert.Equal(t, 2, dead[0].RetryCount)

	batch, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
