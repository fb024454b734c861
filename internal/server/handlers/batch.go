package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/metrics"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/internal/validation"
	"github.com/iudanet/fieldsync/pkg/api"
)

// maxBatchBytes ограничение размера тела запроса
const maxBatchBytes = 8 << 20

// Publisher рассылает зафиксированные изменения наблюдателям
type Publisher interface {
	Publish(changes []models.DocumentChange)
}

// BatchObserver учитывает результаты batch в метриках
type BatchObserver interface {
	ObserveBatch(outcome string, applied, duplicate int)
}

// BatchHandler принимает атомарные пачки записей от устройств
type BatchHandler struct {
	logger    *slog.Logger
	documents storage.DocumentStorage
	members   storage.MemberStorage
	publisher Publisher
	observer  BatchObserver
	now       func() time.Time
}

// NewBatchHandler создает handler записи документов
func NewBatchHandler(logger *slog.Logger, documents storage.DocumentStorage, members storage.MemberStorage, publisher Publisher, observer BatchObserver) *BatchHandler {
	return &BatchHandler{
		logger:    logger,
		documents: documents,
		members:   members,
		publisher: publisher,
		observer:  observer,
		now:       time.Now,
	}
}

// Commit обрабатывает POST /api/v1/batch.
// Batch применяется целиком или не применяется вовсе.
func (h *BatchHandler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		h.logger.ErrorContext(ctx, "user id not found in context")
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBytes)
	var req api.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode batch request", slog.Any("error", err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(h.logger, w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateID("device", req.DeviceID); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Writes) == 0 {
		sendError(h.logger, w, "batch must contain at least one write", http.StatusBadRequest)
		return
	}
	if len(req.Writes) > api.MaxBatchWrites {
		sendError(h.logger, w, fmt.Sprintf("batch must not exceed %d writes", api.MaxBatchWrites), http.StatusRequestEntityTooLarge)
		return
	}

	mutations := make([]*models.Mutation, 0, len(req.Writes))
	reasons := make(map[int64]string)
	surveys := make(map[string]struct{})
	for _, wr := range req.Writes {
		if wr.UserID != userID {
			h.logger.WarnContext(ctx, "write authored by another user",
				slog.String("user_id", userID),
				slog.Int64("mutation_id", wr.MutationID))
			h.observer.ObserveBatch(metrics.BatchForbidden, 0, 0)
			sendError(h.logger, w, "writes must be authored by the authenticated user", http.StatusForbidden)
			return
		}
		m, err := fromWrite(wr, req.DeviceID)
		if err != nil {
			reasons[wr.MutationID] = err.Error()
			continue
		}
		surveys[m.SurveyID] = struct{}{}
		mutations = append(mutations, m)
	}
	if len(reasons) > 0 {
		h.sendMalformed(w, r, reasons)
		return
	}

	for _, surveyID := range slices.Sorted(maps.Keys(surveys)) {
		member, err := h.members.GetMember(ctx, surveyID, userID)
		if err != nil && !errors.Is(err, storage.ErrNotMember) {
			h.logger.ErrorContext(ctx, "failed to get membership", slog.Any("error", err))
			h.observer.ObserveBatch(metrics.BatchFailed, 0, 0)
			sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
			return
		}
		if member == nil || !member.CanWrite() {
			h.logger.WarnContext(ctx, "write to survey denied",
				slog.String("user_id", userID),
				slog.String("survey_id", surveyID))
			h.observer.ObserveBatch(metrics.BatchForbidden, 0, 0)
			sendError(h.logger, w, fmt.Sprintf("no write access to survey %s", surveyID), http.StatusForbidden)
			return
		}
	}

	at := h.now().UTC()
	result, err := h.documents.CommitBatch(ctx, req.DeviceID, mutations, at)
	if err != nil {
		var malformed *storage.MalformedError
		if errors.As(err, &malformed) {
			h.sendMalformed(w, r, malformed.Reasons)
			return
		}
		h.logger.ErrorContext(ctx, "failed to commit batch", slog.Any("error", err))
		h.observer.ObserveBatch(metrics.BatchFailed, 0, 0)
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.publisher.Publish(result.Changes)

	resp := api.BatchResponse{
		BatchID:    ulid.Make().String(),
		Results:    make([]api.WriteResult, 0, len(result.Results)),
		ServerTime: at,
	}
	duplicates := 0
	for _, res := range result.Results {
		if res.Duplicate {
			duplicates++
		}
		resp.Results = append(resp.Results, api.WriteResult{
			MutationID:      res.MutationID,
			ServerTimestamp: res.ServerTimestamp,
			Duplicate:       res.Duplicate,
		})
	}
	h.observer.ObserveBatch(metrics.BatchCommitted, len(result.Results)-duplicates, duplicates)

	h.logger.InfoContext(ctx, "batch committed",
		slog.String("batch_id", resp.BatchID),
		slog.String("device_id", req.DeviceID),
		slog.Int("writes", len(resp.Results)),
		slog.Int("duplicates", duplicates),
		slog.Int("changes", len(result.Changes)))

	sendJSON(h.logger, w, resp, http.StatusOK)
}

func (h *BatchHandler) sendMalformed(w http.ResponseWriter, r *http.Request, reasons map[int64]string) {
	resp := api.MalformedResponse{
		Error:     "malformed document",
		Malformed: make([]api.MalformedWrite, 0, len(reasons)),
	}
	for _, id := range slices.Sorted(maps.Keys(reasons)) {
		resp.Malformed = append(resp.Malformed, api.MalformedWrite{MutationID: id, Reason: reasons[id]})
	}

	h.logger.WarnContext(r.Context(), "batch rejected as malformed", slog.Int("writes", len(reasons)))
	h.observer.ObserveBatch(metrics.BatchMalformed, 0, 0)
	sendJSON(h.logger, w, resp, http.StatusUnprocessableEntity)
}

// fromWrite проверяет запись batch и переводит ее в мутацию
func fromWrite(wr api.Write, deviceID string) (*models.Mutation, error) {
	m := &models.Mutation{
		ID:              wr.MutationID,
		Collection:      models.Collection(wr.Collection),
		EntityID:        wr.DocumentID,
		SurveyID:        wr.SurveyID,
		JobID:           wr.JobID,
		LOIID:           wr.LOIID,
		UserID:          wr.UserID,
		DeviceID:        deviceID,
		ClientTimestamp: wr.ClientTimestamp.UTC(),
		Payload:         wr.Fields,
	}

	switch wr.Op {
	case api.OpSet:
		m.Type = models.MutationCreate
	case api.OpMerge:
		m.Type = models.MutationUpdate
	case api.OpDelete:
		m.Type = models.MutationDelete
		m.Payload = nil
	default:
		return nil, fmt.Errorf("unknown op %q", wr.Op)
	}

	switch {
	case wr.MutationID <= 0:
		return nil, errors.New("mutation id must be positive")
	case wr.ClientTimestamp.IsZero():
		return nil, errors.New("client timestamp is required")
	case !m.Collection.Valid():
		return nil, fmt.Errorf("unknown collection %q", wr.Collection)
	}
	if err := validation.ValidateID("document", wr.DocumentID); err != nil {
		return nil, err
	}
	if err := validation.ValidateID("survey", wr.SurveyID); err != nil {
		return nil, err
	}
	if wr.JobID != "" {
		if err := validation.ValidateID("job", wr.JobID); err != nil {
			return nil, err
		}
	}
	if m.Collection == models.CollectionSubmission && m.Type == models.MutationCreate {
		if err := validation.ValidateID("loi", wr.LOIID); err != nil {
			return nil, fmt.Errorf("submission requires a loi: %w", err)
		}
	}
	if err := validation.ValidateFields(m.Payload); err != nil {
		return nil, err
	}
	return m, nil
}
