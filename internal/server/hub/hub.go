// Package hub fans committed document changes out to watch streams of a survey.
package hub

import (
	"log/slog"
	"sync"

	"github.com/iudanet/fieldsync/internal/models"
)

// DefaultBuffer размер очереди изменений одного подписчика
const DefaultBuffer = 256

// Hub рассылает изменения подписчикам survey.
// Подписчик, не успевающий читать, отключается: клиент переподключится и получит свежий снимок.
type Hub struct {
	logger *slog.Logger
	subs   map[string]map[*Subscription]struct{}
	buffer int
	mu     sync.Mutex
}

// Subscription поток изменений одного survey
type Subscription struct {
	hub      *Hub
	ch       chan models.DocumentChange
	surveyID string
}

// New создает hub. buffer <= 0 означает DefaultBuffer.
func New(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe starts delivering changes of surveyID. Subscribe before reading the
// snapshot so that nothing committed in between is missed.
func (h *Hub) Subscribe(surveyID string) *Subscription {
	sub := &Subscription{
		hub:      h,
		ch:       make(chan models.DocumentChange, h.buffer),
		surveyID: surveyID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[surveyID] == nil {
		h.subs[surveyID] = make(map[*Subscription]struct{})
	}
	h.subs[surveyID][sub] = struct{}{}
	return sub
}

// Publish delivers changes to the subscribers of their surveys
func (h *Hub) Publish(changes []models.DocumentChange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, change := range changes {
		for sub := range h.subs[change.Document.SurveyID] {
			select {
			case sub.ch <- change:
			default:
				h.logger.Warn("Dropping lagging watcher", slog.String("survey_id", sub.surveyID))
				h.remove(sub)
			}
		}
	}
}

// Subscribers returns the number of subscribers of a survey
func (h *Hub) Subscribers(surveyID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[surveyID])
}

// remove вызывается под h.mu
func (h *Hub) remove(sub *Subscription) {
	set, ok := h.subs[sub.surveyID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.surveyID)
	}
	close(sub.ch)
}

// Changes returns the change stream. It is closed after Close or when the
// subscriber falls behind.
func (s *Subscription) Changes() <-chan models.DocumentChange {
	return s.ch
}

// Close отписывает подписчика. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}
