package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
)

// Stats counts queued mutations by status
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// Total returns the number of mutations still in the queue
func (s Stats) Total() int {
	return s.Pending + s.InProgress + s.Failed + s.DeadLetter
}

// Queue is the durable, ordered mutation queue.
// Every call is a synchronous write to the underlying store.
type Queue struct {
	store  storage.MutationStorage
	clock  *crdt.Clock
	logger *slog.Logger
	mu     sync.Mutex // один писатель для выдачи id
}

// New creates a queue over store. The clock is advanced past the newest persisted
// client timestamp so timestamps stay monotonic across restarts.
func New(ctx context.Context, store storage.MutationStorage, clock *crdt.Clock, logger *slog.Logger) (*Queue, error) {
	last, err := store.LastClientTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}
	clock.Observe(last)

	return &Queue{
		store:  store,
		clock:  clock,
		logger: logger,
	}, nil
}

// Enqueue validates and durably appends m, returning its queue id.
// The edit is applied optimistically to the entity cache in the same transaction.
func (q *Queue) Enqueue(ctx context.Context, m *models.Mutation) (int64, error) {
	if err := validateShape(m); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if m.ClientTimestamp.IsZero() {
		m.ClientTimestamp = q.clock.Now()
	}
	if m.DeviceID == "" {
		m.DeviceID = q.clock.NodeID()
	}

	id, err := q.store.AppendMutation(ctx, m, checkOrder(m))
	if err != nil {
		return 0, err
	}

	q.logger.Debug("Mutation enqueued",
		"mutation_id", id,
		"entity_id", m.EntityID,
		"type", m.Type,
		"collection", m.Collection)
	return id, nil
}

// PeekBatch returns up to maxSize mutations to commit next without removing them
func (q *Queue) PeekBatch(ctx context.Context, maxSize int) ([]*models.Mutation, error) {
	queued, err := q.store.ListMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return planBatch(queued, maxSize), nil
}

// MarkInProgress flags mutations as part of a batch being committed
func (q *Queue) MarkInProgress(ctx context.Context, ids []int64) error {
	return q.store.SetStatus(ctx, ids, models.StatusInProgress)
}

// MarkApplied removes acknowledged mutations. It returns ids of entities
// that no longer have pending mutations.
func (q *Queue) MarkApplied(ctx context.Context, applied []storage.Applied) ([]string, error) {
	cleared, err := q.store.MarkApplied(ctx, applied)
	if err != nil {
		return nil, err
	}
	q.logger.Debug("Mutations applied", "count", len(applied), "cleared_entities", len(cleared))
	return cleared, nil
}

// MarkFailed records a failed attempt. Retryable failures stay queued,
// others are dead-lettered. Returns the entity id if its pending set became empty.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error, retryable bool) (string, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	cleared, err := q.store.MarkFailed(ctx, id, reason, retryable)
	if err != nil {
		return "", err
	}
	if !retryable {
		q.logger.Warn("Mutation moved to dead letter", "mutation_id", id, "error", reason)
	}
	return cleared, nil
}

// List returns all queued mutations in id order
func (q *Queue) List(ctx context.Context) ([]*models.Mutation, error) {
	return q.store.ListMutations(ctx)
}

// DeadLetters returns permanently failed mutations kept for inspection
func (q *Queue) DeadLetters(ctx context.Context) ([]*models.Mutation, error) {
	queued, err := q.store.ListMutations(ctx)
	if err != nil {
		return nil, err
	}
	var dead []*models.Mutation
	for _, m := range queued {
		if m.Status == models.StatusDeadLetter {
			dead = append(dead, m)
		}
	}
	return dead, nil
}

// Stats counts queued mutations by status
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	queued, err := q.store.ListMutations(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, m := range queued {
		switch m.Status {
		case models.StatusInProgress:
			s.InProgress++
		case models.StatusFailed:
			s.Failed++
		case models.StatusDeadLetter:
			s.DeadLetter++
		default:
			s.Pending++
		}
	}
	return s, nil
}
