package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/hub"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/internal/validation"
	"github.com/iudanet/fieldsync/pkg/api"
)

const (
	watchWriteWait = 10 * time.Second
	watchReadLimit = 4096
	// DefaultPingInterval период ping, если не задан в настройках
	DefaultPingInterval = 30 * time.Second
)

// WatchObserver учитывает открытые потоки наблюдения
type WatchObserver interface {
	WatcherOpened()
	WatcherClosed()
}

// WatchHandler отдает снимок документов survey и поток их изменений по WebSocket
type WatchHandler struct {
	ctx          context.Context
	logger       *slog.Logger
	documents    storage.DocumentStorage
	members      storage.MemberStorage
	hub          *hub.Hub
	observer     WatchObserver
	cancel       context.CancelFunc
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewWatchHandler создает handler наблюдения
func NewWatchHandler(logger *slog.Logger, documents storage.DocumentStorage, members storage.MemberStorage, changes *hub.Hub, observer WatchObserver, pingInterval time.Duration) *WatchHandler {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchHandler{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		documents:    documents,
		members:      members,
		hub:          changes,
		observer:     observer,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Shutdown закрывает все открытые потоки. http.Server не отслеживает
// соединения после Upgrade, поэтому вызывается из RegisterOnShutdown.
func (h *WatchHandler) Shutdown() {
	h.cancel()
}

// Watch обрабатывает GET /api/v1/surveys/{survey_id}/watch
func (h *WatchHandler) Watch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}
	surveyID := r.PathValue("survey_id")
	if err := validation.ValidateID("survey", surveyID); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}

	// наблюдать может любой участник survey
	if _, err := h.members.GetMember(ctx, surveyID, userID); err != nil {
		if errors.Is(err, storage.ErrNotMember) {
			h.logger.WarnContext(ctx, "watch denied", slog.String("user_id", userID), slog.String("survey_id", surveyID))
			sendError(h.logger, w, fmt.Sprintf("no access to survey %s", surveyID), http.StatusForbidden)
			return
		}
		h.logger.ErrorContext(ctx, "failed to get membership", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	// подписка до чтения снимка: изменения между ними придут повторно, но не потеряются
	sub := h.hub.Subscribe(surveyID)
	defer sub.Close()

	docs, err := h.documents.ListDocuments(ctx, surveyID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list documents", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	h.observer.WatcherOpened()
	defer h.observer.WatcherClosed()

	logger := h.logger.With(slog.String("user_id", userID), slog.String("survey_id", surveyID))
	logger.InfoContext(ctx, "watch stream opened", slog.Int("snapshot", len(docs)))

	closed := h.readPump(conn)

	for _, doc := range docs {
		if err := h.send(conn, changeMessage(models.DocumentChange{Kind: models.ChangeAdded, Document: doc})); err != nil {
			logger.WarnContext(ctx, "failed to send snapshot", slog.Any("error", err))
			return
		}
	}
	if err := h.send(conn, api.WatchMessage{Type: api.WatchSnapshotEnd}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.InfoContext(ctx, "watch stream closed by client")
			return

		case <-h.ctx.Done():
			h.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
			return

		case change, ok := <-sub.Changes():
			if !ok {
				// подписчик отстал; клиент переподключится и получит свежий снимок
				logger.WarnContext(ctx, "watch stream lagged behind, closing")
				h.closeConn(conn, websocket.CloseTryAgainLater, "lagging behind")
				return
			}
			if err := h.send(conn, changeMessage(change)); err != nil {
				logger.WarnContext(ctx, "failed to send change", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				logger.WarnContext(ctx, "ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// readPump читает управляющие кадры клиента. Канал закрывается, когда соединение разорвано.
func (h *WatchHandler) readPump(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	pongWait := 2*h.pingInterval + watchWriteWait

	conn.SetReadLimit(watchReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return closed
}

func (h *WatchHandler) send(conn *websocket.Conn, msg api.WatchMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(msg)
}

func (h *WatchHandler) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
}

// changeMessage кодирует изменение для потока. REMOVED передается без тела документа.
func changeMessage(change models.DocumentChange) api.WatchMessage {
	doc := change.Document
	msg := api.WatchMessage{
		Type:       api.WatchChange,
		Kind:       string(change.Kind),
		Collection: string(doc.Collection),
		DocumentID: doc.ID,
	}
	if change.Kind == models.ChangeRemoved {
		return msg
	}
	// поля документа пришли из JSON и кодируются обратно без ошибок
	msg.Document, _ = json.Marshal(toAPIDocument(doc))
	return msg
}

func toAPIDocument(d *models.Document) api.Document {
	return api.Document{
		ID:           d.ID,
		Collection:   string(d.Collection),
		SurveyID:     d.SurveyID,
		JobID:        d.JobID,
		LOIID:        d.LOIID,
		Fields:       d.Fields,
		Created:      toAPIAudit(d.Created),
		LastModified: toAPIAudit(d.LastModified),
	}
}

func toAPIAudit(a models.AuditInfo) api.Audit {
	return api.Audit{
		UserID:          a.UserID,
		ClientTimestamp: a.ClientTimestamp,
		ServerTimestamp: a.ServerTimestamp,
	}
}
