package api

import (
	"context"
	"sync"

	"github.com/iudanet/fieldsync/internal/models"
)

// overlay реализует latency compensation: пока batch в пути, наблюдатели
// получают PENDING_LOCAL эхо документов с наложенными записями.
type overlay struct {
	confirmed map[string]*models.Document // последнее подтвержденное состояние из потока
	local     map[string]*models.Document // состояние с наложенными неподтвержденными записями
	watchers  map[*watcher]struct{}
	mu        sync.Mutex
}

func newOverlay() *overlay {
	return &overlay{
		confirmed: make(map[string]*models.Document),
		local:     make(map[string]*models.Document),
		watchers:  make(map[*watcher]struct{}),
	}
}

// watcher один подписчик Watch
type watcher struct {
	ctx      context.Context
	out      chan models.RemoteChangeEvent
	surveyID string
	mu       sync.Mutex
	closed   bool
}

// send блокируется, пока подписчик не примет событие или не отменит контекст
func (w *watcher) send(ev models.RemoteChangeEvent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.out <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.out)
	}
}

func (o *overlay) register(w *watcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchers[w] = struct{}{}
}

func (o *overlay) unregister(w *watcher) {
	o.mu.Lock()
	delete(o.watchers, w)
	o.mu.Unlock()
	w.close()
}

// observe запоминает подтвержденное сервером состояние
func (o *overlay) observe(ev models.RemoteChangeEvent) {
	if ev.Origin != models.OriginServerConfirmed {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Kind {
	case models.ChangeAdded, models.ChangeModified:
		o.confirmed[ev.EntityID] = ev.Document.Clone()
	case models.ChangeRemoved:
		delete(o.confirmed, ev.EntityID)
	}
}

// known returns ids of confirmed documents of a survey
func (o *overlay) known(surveyID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []string
	for id, doc := range o.confirmed {
		if doc.SurveyID == surveyID {
			ids = append(ids, id)
		}
	}
	return ids
}

// pendingWrites накладывает записи batch и рассылает PENDING_LOCAL события.
// UPDATE и DELETE документа без известного состояния не порождают эхо.
func (o *overlay) pendingWrites(mutations []*models.Mutation) {
	o.mu.Lock()
	var events []models.RemoteChangeEvent
	for _, m := range mutations {
		base := o.local[m.EntityID]
		if base == nil {
			base = o.confirmed[m.EntityID]
		}
		if base == nil && m.Type != models.MutationCreate {
			continue
		}

		next := base.Apply(m)
		o.local[m.EntityID] = next

		kind := models.ChangeModified
		switch {
		case m.Type == models.MutationDelete:
			kind = models.ChangeRemoved
		case base == nil || base.Deleted:
			kind = models.ChangeAdded
		}
		events = append(events, models.RemoteChangeEvent{
			EntityID:   m.EntityID,
			Collection: m.Collection,
			SurveyID:   m.SurveyID,
			Kind:       kind,
			Origin:     models.OriginPendingLocal,
			Document:   next.Clone(),
		})
	}
	o.mu.Unlock()

	o.broadcast(events)
}

// settle снимает наложенные записи после ответа сервера.
// revert=true (постоянная ошибка) возвращает наблюдателям подтвержденное состояние.
func (o *overlay) settle(mutations []*models.Mutation, revert bool) {
	o.mu.Lock()
	var events []models.RemoteChangeEvent
	seen := make(map[string]struct{})
	for _, m := range mutations {
		if _, ok := seen[m.EntityID]; ok {
			continue
		}
		seen[m.EntityID] = struct{}{}

		_, hadEcho := o.local[m.EntityID]
		delete(o.local, m.EntityID)
		if !revert || !hadEcho {
			continue
		}

		ev := models.RemoteChangeEvent{
			EntityID:   m.EntityID,
			Collection: m.Collection,
			SurveyID:   m.SurveyID,
			Origin:     models.OriginServerConfirmed,
		}
		if doc, ok := o.confirmed[m.EntityID]; ok {
			ev.Kind = models.ChangeModified
			ev.Document = doc.Clone()
		} else {
			ev.Kind = models.ChangeRemoved
		}
		events = append(events, ev)
	}
	o.mu.Unlock()

	o.broadcast(events)
}

func (o *overlay) broadcast(events []models.RemoteChangeEvent) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	targets := make([]*watcher, 0, len(o.watchers))
	for w := range o.watchers {
		targets = append(targets, w)
	}
	o.mu.Unlock()

	for _, ev := range events {
		for _, w := range targets {
			if w.surveyID == ev.SurveyID {
				w.send(ev)
			}
		}
	}
}
