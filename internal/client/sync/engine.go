// Package sync drains the mutation queue to the remote store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/iudanet/fieldsync/internal/client/errclass"
	"github.com/iudanet/fieldsync/internal/client/queue"
	"github.com/iudanet/fieldsync/internal/client/remote"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/pkg/api"
)

//go:generate moq -out queue_mock.go . Queue

// Queue is the part of the mutation queue the engine drains
type Queue interface {
	PeekBatch(ctx context.Context, maxSize int) ([]*models.Mutation, error)
	MarkInProgress(ctx context.Context, ids []int64) error
	MarkApplied(ctx context.Context, applied []storage.Applied) ([]string, error)
	MarkFailed(ctx context.Context, id int64, cause error, retryable bool) (string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Releaser re-evaluates buffered server state of entities whose pending set emptied
type Releaser interface {
	Release(ctx context.Context, entityIDs []string) error
}

// State состояние цикла синхронизации
type State string

const (
	StateIdle       State = "idle"
	StateDraining   State = "draining"
	StateCommitting State = "committing"
	StateBackoff    State = "backoff"
)

var states = []State{StateIdle, StateDraining, StateCommitting, StateBackoff}

// errStale означает, что результат commit получен после Stop и отброшен
var errStale = errors.New("commit result discarded")

// Config holds engine tuning
type Config struct {
	BatchSize   int           // максимум мутаций в одном batch
	MaxRetries  int           // попыток для неизвестной ошибки до эскалации
	BackoffBase time.Duration // первая пауза после временной ошибки
	BackoffMax  time.Duration // верхняя граница паузы
	Interval    time.Duration // период фонового drain
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
		Interval:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	// сервер отклоняет batch больше этого лимита
	c.BatchSize = min(c.BatchSize, api.MaxBatchWrites)
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Notice is a user-facing report of mutations that will not be retried
// or of a prolonged outage while they keep being retried
type Notice struct {
	At          time.Time
	Err         error
	MessageKey  string
	MutationIDs []int64
	Class       errclass.Class
}

// Status is a snapshot of the engine for status views
type Status struct {
	LastSync  time.Time
	LastError string
	State     State
}

// Engine drains the queue: one batch at a time, in queue order.
type Engine struct {
	queue    Queue
	gateway  remote.Gateway
	releaser Releaser
	meta     storage.MetadataStorage
	logger   *slog.Logger
	metrics  *metrics
	notices  chan Notice
	trigger  chan struct{}
	// wait блокирует на время backoff; подменяется в тестах
	wait       func(ctx context.Context, d time.Duration) error
	status     Status
	cfg        Config
	generation atomic.Uint64
	drainMu    gosync.Mutex // один drain одновременно
	mu         gosync.Mutex // защищает status
}

// NewEngine creates an engine. releaser and meta may be nil; reg may be nil
// to skip metric registration.
func NewEngine(q Queue, gw remote.Gateway, releaser Releaser, meta storage.MetadataStorage, cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Engine {
	return &Engine{
		queue:    q,
		gateway:  gw,
		releaser: releaser,
		meta:     meta,
		logger:   logger,
		metrics:  newMetrics(reg),
		notices:  make(chan Notice, 16),
		trigger:  make(chan struct{}, 1),
		wait:     sleep,
		status:   Status{State: StateIdle},
		cfg:      cfg.withDefaults(),
	}
}

// Notices delivers dead-letter reports. Reports are dropped when nobody reads them.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Status returns the current engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Trigger requests a drain, e.g. when the network becomes available
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every trigger and on the periodic ticker until ctx is done
// or bookkeeping fails.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := e.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.trigger:
		case <-ticker.C:
		}
	}
}

// Flush drains the queue until no eligible mutations are left.
// Errors local to a batch are recorded in the queue and do not stop the drain.
func (e *Engine) Flush(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	e.setState(StateDraining)
	defer e.setState(StateIdle)
	defer e.updateDepth(ctx)

	notified := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.queue.PeekBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := e.commitBatch(ctx, batch, notified); err != nil {
			return err
		}
	}
}

// commitBatch commits one fixed batch, retrying transient failures with backoff.
// A returned error stops the drain.
func (e *Engine) commitBatch(ctx context.Context, batch []*models.Mutation, notified map[string]struct{}) error {
	ids := mutationIDs(batch)
	if err := e.queue.MarkInProgress(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark batch in progress: %w", err)
	}

	backoff := e.newBackoff()
	unknown, outage := 0, 0
	for {
		e.setState(StateCommitting)
		e.metrics.batchSize.Observe(float64(len(batch)))

		ack, err := e.commit(ctx, batch)
		if errors.Is(err, errStale) {
			return context.Canceled
		}
		// результат commit применяется даже после отмены ctx
		bookCtx := context.WithoutCancel(ctx)
		if err == nil {
			return e.applied(bookCtx, batch, ack)
		}

		res := errclass.Classify(err)
		if res.Class == errclass.Retryable && !res.Known {
			unknown++
			if unknown >= e.cfg.MaxRetries {
				e.logger.Error("Retries exhausted", "attempts", unknown, "error", err)
				res = errclass.Escalate()
			}
		}
		if res.Known && res.MessageKey == errclass.KeyUnavailable {
			outage++
		} else {
			outage = 0
		}
		e.metrics.failures.WithLabelValues(res.Class.String()).Inc()
		e.setLastError(err)

		switch res.Class {
		case errclass.Retryable:
			for _, id := range ids {
				if _, ferr := e.queue.MarkFailed(bookCtx, id, err, true); ferr != nil {
					return fmt.Errorf("failed to record retry of %d: %w", id, ferr)
				}
			}
			delay, _ := backoff.Next()
			e.logger.Warn("Commit failed, retrying",
				"batch_size", len(batch),
				"delay", delay,
				"error", err)
			if outage == e.cfg.MaxRetries {
				// мутации остаются в очереди, повторы продолжаются
				e.logger.Error("Remote store unavailable", "attempts", outage, "error", err)
				e.notifyOnce(notified, Notice{
					At:          time.Now().UTC(),
					Err:         err,
					MessageKey:  res.MessageKey,
					MutationIDs: ids,
					Class:       res.Class,
				})
			}
			e.setState(StateBackoff)
			if werr := e.wait(ctx, delay); werr != nil {
				return werr
			}
			continue

		case errclass.Permanent:
			failed := ids
			var malformed *remote.MalformedDocumentError
			if errors.As(err, &malformed) {
				if listed := inBatch(malformed.MutationIDs, ids); len(listed) > 0 {
					failed = listed
				}
			}
			// остальные мутации batch уйдут в следующей итерации drain
			return e.deadLetter(bookCtx, failed, err, res, notified)

		default:
			return e.deadLetter(bookCtx, ids, err, res, notified)
		}
	}
}

// commit detaches the request from cancellation and discards the result
// if the session was stopped meanwhile
func (e *Engine) commit(ctx context.Context, batch []*models.Mutation) (*remote.BatchAck, error) {
	gen := e.generation.Load()
	ack, err := e.gateway.CommitBatch(context.WithoutCancel(ctx), batch)
	if e.generation.Load() != gen {
		e.logger.Info("Discarding commit result of a stopped session", "batch_size", len(batch))
		return nil, errStale
	}
	return ack, err
}

// invalidate bumps the generation so in-flight commit results are discarded
func (e *Engine) invalidate() {
	e.generation.Add(1)
}

func (e *Engine) applied(ctx context.Context, batch []*models.Mutation, ack *remote.BatchAck) error {
	stamps := make(map[int64]time.Time, len(ack.Results))
	for _, r := range ack.Results {
		stamps[r.MutationID] = r.ServerTimestamp
	}

	applied := make([]storage.Applied, 0, len(batch))
	for _, m := range batch {
		a := storage.Applied{ID: m.ID}
		if ts, ok := stamps[m.ID]; ok && !ts.IsZero() {
			a.ServerTimestamp = &ts
		}
		applied = append(applied, a)
	}

	cleared, err := e.queue.MarkApplied(ctx, applied)
	if err != nil {
		return fmt.Errorf("failed to mark batch applied: %w", err)
	}
	if err := e.release(ctx, cleared); err != nil {
		return err
	}

	e.metrics.commits.Inc()
	e.logger.Info("Batch committed",
		"batch_id", ack.BatchID,
		"mutations", len(batch),
		"cleared_entities", len(cleared))

	now := ack.ServerTime
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.mu.Lock()
	e.status.LastSync = now
	e.status.LastError = ""
	e.mu.Unlock()
	if e.meta != nil {
		if err := e.meta.SaveLastSyncTime(ctx, now); err != nil {
			// не прерываем drain из-за метки времени
			e.logger.Warn("Failed to save last sync time", "error", err)
		}
	}
	return nil
}

func (e *Engine) deadLetter(ctx context.Context, ids []int64, cause error, res errclass.Result, notified map[string]struct{}) error {
	var cleared []string
	for _, id := range ids {
		entityID, err := e.queue.MarkFailed(ctx, id, cause, false)
		if errors.Is(err, storage.ErrMutationNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to dead-letter %d: %w", id, err)
		}
		if entityID != "" {
			cleared = append(cleared, entityID)
		}
	}
	if err := e.release(ctx, cleared); err != nil {
		return err
	}

	e.logger.Warn("Mutations will not be retried",
		"count", len(ids),
		"class", res.Class,
		"message_key", res.MessageKey,
		"error", cause)

	e.notifyOnce(notified, Notice{
		At:          time.Now().UTC(),
		Err:         cause,
		MessageKey:  res.MessageKey,
		MutationIDs: ids,
		Class:       res.Class,
	})
	return nil
}

// notifyOnce sends at most one notice per message key within a drain
func (e *Engine) notifyOnce(notified map[string]struct{}, n Notice) {
	if _, ok := notified[n.MessageKey]; ok {
		return
	}
	notified[n.MessageKey] = struct{}{}
	e.notify(n)
}

func (e *Engine) release(ctx context.Context, entityIDs []string) error {
	if e.releaser == nil || len(entityIDs) == 0 {
		return nil
	}
	if err := e.releaser.Release(ctx, entityIDs); err != nil {
		return fmt.Errorf("failed to release entities: %w", err)
	}
	return nil
}

func (e *Engine) notify(n Notice) {
	select {
	case e.notices <- n:
	default:
		e.logger.Debug("Notice dropped, no reader", "message_key", n.MessageKey)
	}
}

func (e *Engine) newBackoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.BackoffBase)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(e.cfg.BackoffMax, b)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.status.State = s
	e.mu.Unlock()
	e.metrics.setState(s)
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.status.LastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) updateDepth(ctx context.Context) {
	stats, err := e.queue.Stats(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Debug("Failed to read queue stats", "error", err)
		return
	}
	e.metrics.setDepth(stats)
}

func mutationIDs(batch []*models.Mutation) []int64 {
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return ids
}

// inBatch оставляет только id, входящие в batch
func inBatch(listed, batch []int64) []int64 {
	var out []int64
	for _, id := range listed {
		if slices.Contains(batch, id) {
			out = append(out, id)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
