package data

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/queue"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/client/storage/boltdb"
	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
)

var collector = User{ID: "user-1"}

func newTestService(t *testing.T) (Service, *queue.Queue) {
	t.Helper()
	ctx := context.Background()

	store, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q, err := queue.New(ctx, store, crdt.NewClockWithNodeID("device-1"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return NewService(q, store), q
}

func TestService_LOILifecycle(t *testing.T) {
	ctx := context.Background()
	s, q := newTestService(t)

	id, err := s.AddLOI(ctx, collector, "survey-1", "job-1", map[string]any{"name": "well", "skip": nil})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "well"}, rec.Fields)
	assert.Equal(t, "job-1", rec.JobID)
	assert.True(t, rec.HasPending())

	require.NoError(t, s.UpdateLOI(ctx, collector, id, map[string]any{"name": nil, "depth": 4.0}))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"depth": 4.0}, rec.Fields)

	require.NoError(t, s.DeleteLOI(ctx, collector, id))
	list, err := s.List(ctx, "survey-1", "")
	require.NoError(t, err)
	assert.Empty(t, list, "locally deleted entities are hidden")

	queued, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, []models.MutationType{models.MutationCreate, models.MutationUpdate, models.MutationDelete},
		[]models.MutationType{queued[0].Type, queued[1].Type, queued[2].Type})
	for _, m := range queued {
		assert.Equal(t, "user-1", m.UserID)
		assert.Equal(t, "device-1", m.DeviceID)
	}

	err = s.UpdateLOI(ctx, collector, id, map[string]any{"depth": 5.0})
	assert.ErrorContains(t, err, "deleted")
}

func TestService_Submission(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	loiID, err := s.AddLOI(ctx, collector, "survey-1", "job-1", map[string]any{"name": "well"})
	require.NoError(t, err)

	subID, err := s.AddSubmission(ctx, collector, loiID, map[string]any{"answer": "dry"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, models.CollectionSubmission, rec.Collection)
	assert.Equal(t, loiID, rec.LOIID)
	assert.Equal(t, "survey-1", rec.SurveyID)
	assert.Equal(t, "job-1", rec.JobID)

	require.NoError(t, s.UpdateSubmission(ctx, collector, subID, map[string]any{"answer": "wet"}))

	subs, err := s.List(ctx, "survey-1", models.CollectionSubmission)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "wet", subs[0].Fields["answer"])

	all, err := s.List(ctx, "survey-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, loiID, all[0].ID, "ordered by creation time")

	require.NoError(t, s.DeleteSubmission(ctx, collector, subID))
}

func TestService_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	loiID, err := s.AddLOI(ctx, collector, "survey-1", "", nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
	}{
		{"bad survey id", func() error {
			_, err := s.AddLOI(ctx, collector, "survey 1", "", nil)
			return err
		}},
		{"bad field name", func() error {
			_, err := s.AddLOI(ctx, collector, "survey-1", "", map[string]any{"a.b": 1})
			return err
		}},
		{"missing user", func() error {
			_, err := s.AddLOI(ctx, User{}, "survey-1", "", nil)
			return err
		}},
		{"submission for unknown loi", func() error {
			_, err := s.AddSubmission(ctx, collector, "missing", nil)
			return err
		}},
		{"submission on a submission", func() error {
			return s.UpdateSubmission(ctx, collector, loiID, map[string]any{"a": 1})
		}},
		{"empty update", func() error {
			return s.UpdateLOI(ctx, collector, loiID, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.run())
		})
	}

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}
