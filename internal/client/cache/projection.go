package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// Projections publishes read-only views of the entity cache.
// A subscriber always sees the latest state; intermediate states may be skipped.
type Projections struct {
	store  storage.EntityStorage
	logger *slog.Logger
	subs   map[*subscription]struct{}
	mu     sync.Mutex
}

type subscription struct {
	dirty    chan struct{}
	surveyID string
	entityID string
}

func (s *subscription) matches(surveyID, entityID string) bool {
	if s.entityID != "" {
		return s.entityID == entityID
	}
	return s.surveyID == surveyID
}

// NewProjections creates projections over store and installs itself as its change listener
func NewProjections(store storage.EntityStorage, logger *slog.Logger) *Projections {
	p := &Projections{
		store:  store,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
	store.SetChangeListener(p.onChange)
	return p
}

// onChange вызывается хранилищем после commit; только помечает подписки
func (p *Projections) onChange(surveyID, entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs {
		if s.matches(surveyID, entityID) {
			select {
			case s.dirty <- struct{}{}:
			default:
			}
		}
	}
}

func (p *Projections) subscribe(s *subscription) {
	s.dirty = make(chan struct{}, 1)
	s.dirty <- struct{}{} // начальное состояние

	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()
}

func (p *Projections) unsubscribe(s *subscription) {
	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()
}

// BySurvey streams the visible entities of a survey until ctx is done.
// Locally deleted entities are hidden.
func (p *Projections) BySurvey(ctx context.Context, surveyID string) <-chan []*models.EntityRecord {
	out := make(chan []*models.EntityRecord, 1)
	s := &subscription{surveyID: surveyID}
	p.subscribe(s)

	go func() {
		defer close(out)
		defer p.unsubscribe(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.dirty:
			}
			records, err := p.store.ListEntities(ctx, surveyID)
			if err != nil {
				p.logger.Error("Failed to read survey projection", "survey_id", surveyID, "error", err)
				continue
			}
			visible := records[:0]
			for _, r := range records {
				if !r.Deleted {
					visible = append(visible, r)
				}
			}
			publish(out, visible)
		}
	}()
	return out
}

// ByEntity streams one entity until ctx is done. nil is published when
// the entity is missing or deleted locally.
func (p *Projections) ByEntity(ctx context.Context, entityID string) <-chan *models.EntityRecord {
	out := make(chan *models.EntityRecord, 1)
	s := &subscription{entityID: entityID}
	p.subscribe(s)

	go func() {
		defer close(out)
		defer p.unsubscribe(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.dirty:
			}
			rec, err := p.store.GetEntity(ctx, entityID)
			if err != nil {
				if !errors.Is(err, storage.ErrEntityNotFound) {
					p.logger.Error("Failed to read entity projection", "entity_id", entityID, "error", err)
					continue
				}
				rec = nil
			}
			if rec != nil && rec.Deleted {
				rec = nil
			}
			publish(out, rec)
		}
	}()
	return out
}

// publish заменяет непрочитанное значение новым (latest wins)
func publish[T any](out chan T, v T) {
	for {
		select {
		case out <- v:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
