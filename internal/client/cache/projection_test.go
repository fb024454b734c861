package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for projection")
	}
	var zero T
	return zero
}

func TestProjections_BySurvey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	p := NewProjections(store, discardLogger())
	r := newTestReconciler(store)

	updates := p.BySurvey(ctx, "s1")
	assert.Empty(t, receive(t, updates), "initial state is empty")

	_, err := r.Apply(ctx, confirmed(models.ChangeAdded, serverDoc("a", t0, nil)))
	require.NoError(t, err)

	// значение может прийти не сразу, ждем последнее состояние
	require.Eventually(t, func() bool {
		select {
		case recs := <-updates:
			return len(recs) == 1 && recs[0].ID == "a"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// локально удаленная запись скрыта
	enqueue(t, store, "a", models.MutationDelete, t0.Add(time.Hour), nil)
	require.Eventually(t, func() bool {
		select {
		case recs := <-updates:
			return len(recs) == 0
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProjections_ByEntity_LatestWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	p := NewProjections(store, discardLogger())
	r := newTestReconciler(store)

	updates := p.ByEntity(ctx, "a")
	assert.Nil(t, receive(t, updates))

	for i := range 5 {
		_, err := r.Apply(ctx, confirmed(models.ChangeModified, serverDoc("a", t0.Add(time.Duration(i)*time.Second), map[string]any{"v": float64(i)})))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		select {
		case rec := <-updates:
			return rec != nil && rec.Fields["v"] == 4.0
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublish_ReplacesUnread(t *testing.T) {
	out := make(chan int, 1)
	publish(out, 1)
	publish(out, 2)
	assert.Equal(t, 2, <-out)
}
