package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/iudanet/fieldsync/internal/client/remote"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/pkg/api"
)

const (
	// сервер шлет ping чаще, чем истекает этот таймаут
	watchReadTimeout = 90 * time.Second
	watchWriteWait   = 10 * time.Second
	watchBufferSize  = 64
)

// Watch subscribes to all documents of a survey.
// The connection is re-established with capped exponential backoff until ctx is done;
// every connection starts with a full snapshot of ADDED events.
func (c *Client) Watch(ctx context.Context, scope remote.Scope) (<-chan models.RemoteChangeEvent, error) {
	if scope.SurveyID == "" {
		return nil, errors.New("watch scope requires a survey id")
	}

	w := &watcher{
		ctx:      ctx,
		out:      make(chan models.RemoteChangeEvent, watchBufferSize),
		surveyID: scope.SurveyID,
	}
	c.overlay.register(w)

	go c.watchLoop(ctx, w)
	return w.out, nil
}

func (c *Client) newReconnectBackoff() retry.Backoff {
	b := retry.NewExponential(c.reconnect.Base)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(c.reconnect.Max, b)
}

func (c *Client) watchLoop(ctx context.Context, w *watcher) {
	defer c.overlay.unregister(w)

	backoff := c.newReconnectBackoff()
	for {
		synced, err := c.watchOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if synced {
			// соединение было рабочим: начинаем backoff заново
			backoff = c.newReconnectBackoff()
		}

		delay, _ := backoff.Next()
		level := c.logger.Warn
		if errors.Is(err, remote.ErrPermissionDenied) {
			level = c.logger.Error
		}
		level("Watch stream interrupted, reconnecting",
			"survey_id", w.surveyID,
			"error", err,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// watchOnce держит одно соединение. synced=true, если снимок был получен полностью.
func (c *Client) watchOnce(ctx context.Context, w *watcher) (bool, error) {
	token, err := c.token(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", remote.ErrPermissionDenied, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.watchURL(w.surveyID), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: watch handshake status %d", remote.ErrPermissionDenied, resp.StatusCode)
		}
		return false, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer conn.Close()

	// закрываем соединение при отмене, чтобы разблокировать чтение
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(watchWriteWait))
	})

	var (
		inSnapshot = true
		seen       = make(map[string]struct{})
	)
	for {
		var msg api.WatchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return !inSnapshot, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))

		switch msg.Type {
		case api.WatchSnapshotEnd:
			// документы, пропавшие пока соединения не было
			for _, id := range c.missing(ctx, w.surveyID, seen) {
				ev := models.RemoteChangeEvent{
					EntityID: id,
					SurveyID: w.surveyID,
					Kind:     models.ChangeRemoved,
					Origin:   models.OriginServerConfirmed,
				}
				c.overlay.observe(ev)
				if !w.send(ev) {
					return true, ctx.Err()
				}
			}
			inSnapshot = false

		case api.WatchChange:
			ev := decodeChange(w.surveyID, msg)
			if inSnapshot {
				seen[ev.EntityID] = struct{}{}
			}
			c.overlay.observe(ev)
			if !w.send(ev) {
				return !inSnapshot, ctx.Err()
			}

		default:
			c.logger.Debug("Ignoring unknown watch message", "type", msg.Type)
		}
	}
}

// missing returns sorted ids of documents known to this client or to the local
// cache that the snapshot did not contain
func (c *Client) missing(ctx context.Context, surveyID string, seen map[string]struct{}) []string {
	candidates := c.overlay.known(surveyID)
	if c.known != nil {
		cached, err := c.known(ctx, surveyID)
		if err != nil {
			c.logger.Warn("Failed to list cached documents", "survey_id", surveyID, "error", err)
		}
		candidates = append(candidates, cached...)
	}

	var ids []string
	gone := make(map[string]struct{})
	for _, id := range candidates {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, ok := gone[id]; ok {
			continue
		}
		gone[id] = struct{}{}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Client) watchURL(surveyID string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v1/surveys/" + url.PathEscape(surveyID) + "/watch"
}

// decodeChange разбирает сообщение потока. Неразборчивый документ становится INVALID событием.
func decodeChange(surveyID string, msg api.WatchMessage) models.RemoteChangeEvent {
	ev := models.RemoteChangeEvent{
		EntityID:   msg.DocumentID,
		Collection: models.Collection(msg.Collection),
		SurveyID:   surveyID,
		Kind:       models.ChangeKind(msg.Kind),
		Origin:     models.OriginServerConfirmed,
	}

	switch ev.Kind {
	case models.ChangeAdded, models.ChangeModified, models.ChangeRemoved:
	default:
		ev.Kind = models.ChangeInvalid
		ev.Err = fmt.Errorf("unknown change kind %q", msg.Kind)
		return ev
	}

	if len(msg.Document) == 0 {
		if ev.Kind != models.ChangeRemoved {
			ev.Kind = models.ChangeInvalid
			ev.Err = errors.New("document body is missing")
		}
		return ev
	}

	var doc api.Document
	if err := json.Unmarshal(msg.Document, &doc); err != nil {
		ev.Kind = models.ChangeInvalid
		ev.Err = fmt.Errorf("failed to decode document: %w", err)
		return ev
	}
	if doc.ID == "" || doc.ID != msg.DocumentID {
		ev.Kind = models.ChangeInvalid
		ev.Err = fmt.Errorf("document id %q does not match %q", doc.ID, msg.DocumentID)
		return ev
	}
	if !models.Collection(doc.Collection).Valid() {
		ev.Kind = models.ChangeInvalid
		ev.Err = fmt.Errorf("unknown collection %q", doc.Collection)
		return ev
	}

	ev.Document = fromAPIDocument(doc)
	ev.Collection = ev.Document.Collection
	return ev
}

func fromAPIDocument(d api.Document) *models.Document {
	fields := d.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return &models.Document{
		ID:           d.ID,
		Collection:   models.Collection(d.Collection),
		SurveyID:     d.SurveyID,
		JobID:        d.JobID,
		LOIID:        d.LOIID,
		Fields:       fields,
		Created:      fromAPIAudit(d.Created),
		LastModified: fromAPIAudit(d.LastModified),
	}
}

func fromAPIAudit(a api.Audit) models.AuditInfo {
	return models.AuditInfo{
		UserID:          a.UserID,
		ClientTimestamp: a.ClientTimestamp,
		ServerTimestamp: a.ServerTimestamp,
	}
}
