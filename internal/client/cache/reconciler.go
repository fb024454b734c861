// Package cache merges remote change events into the local entity cache
// and publishes read-only projections of it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// Decision is the outcome of reconciling one event
type Decision string

const (
	DecisionApplied  Decision = "applied"
	DecisionDeleted  Decision = "deleted"
	DecisionDeferred Decision = "deferred"
	DecisionDropped  Decision = "dropped"
	DecisionIgnored  Decision = "ignored"
)

// Reconciler applies remote change events to the entity cache without
// overwriting unacknowledged local edits.
type Reconciler struct {
	store  storage.EntityStorage
	logger *slog.Logger
	events *prometheus.CounterVec
}

// NewReconciler creates a reconciler. reg may be nil to skip metric registration.
func NewReconciler(store storage.EntityStorage, logger *slog.Logger, reg prometheus.Registerer) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger,
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_reconciler_events_total",
			Help: "Remote change events by kind, origin and decision",
		}, []string{"kind", "origin", "decision"}),
	}
}

// Run consumes events in arrival order until the channel is closed or ctx is done.
// Only storage failures stop it.
func (r *Reconciler) Run(ctx context.Context, events <-chan models.RemoteChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := r.Apply(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Apply reconciles one event as a single compare-and-apply on its entity
func (r *Reconciler) Apply(ctx context.Context, ev models.RemoteChangeEvent) (Decision, error) {
	if ev.Kind == models.ChangeInvalid || ev.EntityID == "" {
		r.logger.Warn("Dropping invalid remote document",
			"entity_id", ev.EntityID,
			"survey_id", ev.SurveyID,
			"error", ev.Err)
		r.count(ev, DecisionDropped)
		return DecisionDropped, nil
	}

	var decision Decision
	err := r.store.ModifyEntity(ctx, ev.EntityID, func(rec *models.EntityRecord, pending []*models.Mutation) (*models.EntityRecord, error) {
		next, d := decide(rec, pending, ev)
		decision = d
		return next, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to reconcile %s: %w", ev.EntityID, err)
	}

	if decision == DecisionDeferred {
		r.logger.Info("Reconciliation conflict, keeping local edits",
			"entity_id", ev.EntityID,
			"kind", ev.Kind,
			"origin", ev.Origin)
	}
	r.count(ev, decision)
	return decision, nil
}

// Release re-evaluates buffered server state of entities whose pending set emptied:
// a deferred removal deletes the record, a deferred document is applied unless
// the acknowledged local write is at least as new.
func (r *Reconciler) Release(ctx context.Context, entityIDs []string) error {
	for _, id := range entityIDs {
		err := r.store.ModifyEntity(ctx, id, func(rec *models.EntityRecord, _ []*models.Mutation) (*models.EntityRecord, error) {
			switch {
			case rec == nil || rec.HasPending():
				return rec, nil
			case rec.PendingRemoval:
				r.logger.Debug("Applying deferred removal", "entity_id", id)
				return nil, nil
			case rec.Deferred == nil:
				return rec, nil
			}

			if acked := rec.LastModified.ServerTimestamp; acked != nil && !rec.Deferred.ServerTime().After(*acked) {
				r.logger.Debug("Dropping deferred server state older than acknowledged write",
					"entity_id", id,
					"deferred_at", rec.Deferred.ServerTime(),
					"acked_at", *acked)
				rec.Deferred = nil
				return rec, nil
			}
			r.logger.Debug("Applying deferred server state", "entity_id", id)
			rec.ApplyDocument(rec.Deferred)
			return rec, nil
		})
		if err != nil {
			return fmt.Errorf("failed to release %s: %w", id, err)
		}
	}
	return nil
}

// ConfirmedIDs returns ids of cached entities of a survey that the server has
// acknowledged at least once. Local-only creations are not included.
func (r *Reconciler) ConfirmedIDs(ctx context.Context, surveyID string) ([]string, error) {
	recs, err := r.store.ListEntities(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	var ids []string
	for _, rec := range recs {
		if rec.Created.Confirmed() || rec.LastModified.Confirmed() {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (r *Reconciler) count(ev models.RemoteChangeEvent, d Decision) {
	r.events.WithLabelValues(string(ev.Kind), string(ev.Origin), string(d)).Inc()
}

// decide is the pure reconciliation rule for one entity
func decide(rec *models.EntityRecord, pending []*models.Mutation, ev models.RemoteChangeEvent) (*models.EntityRecord, Decision) {
	if ev.Kind == models.ChangeRemoved {
		switch {
		case rec == nil:
			return nil, DecisionIgnored
		case rec.HasPending():
			rec.PendingRemoval = true
			rec.Deferred = nil
			return rec, DecisionDeferred
		}
		return nil, DecisionDeleted
	}

	if ev.Document == nil {
		return rec, DecisionDropped
	}
	if rec == nil {
		rec = &models.EntityRecord{}
	}

	if ev.Origin == models.OriginPendingLocal {
		rec.ApplyDocument(rebase(ev.Document, pending, ev.Document.LastModified.ClientTimestamp))
		return rec, DecisionApplied
	}

	if !rec.HasPending() || len(pending) == 0 {
		rec.ApplyDocument(ev.Document)
		return rec, DecisionApplied
	}
	if ev.Document.ServerTime().After(newestClientTime(pending)) {
		rec.ApplyDocument(rebase(ev.Document, pending, time.Time{}))
		return rec, DecisionApplied
	}

	// более позднее подтвержденное состояние вытесняет ранее отложенное
	rec.Deferred = ev.Document.Clone()
	rec.PendingRemoval = false
	return rec, DecisionDeferred
}

func newestClientTime(pending []*models.Mutation) time.Time {
	var newest time.Time
	for _, m := range pending {
		if m.ClientTimestamp.After(newest) {
			newest = m.ClientTimestamp
		}
	}
	return newest
}

// rebase накладывает неподтвержденные мутации новее cutoff поверх doc.
// CREATE поверх существующего документа применяется как merge.
func rebase(doc *models.Document, pending []*models.Mutation, cutoff time.Time) *models.Document {
	out := doc.Clone()
	for _, m := range pending {
		if !m.ClientTimestamp.After(cutoff) {
			continue
		}
		if m.Type == models.MutationCreate {
			m = m.Clone()
			m.Type = models.MutationUpdate
		}
		out = out.Apply(m)
	}
	return out
}
