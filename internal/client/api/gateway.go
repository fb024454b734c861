package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/iudanet/fieldsync/internal/client/remote"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/validation"
	"github.com/iudanet/fieldsync/pkg/api"
)

var _ remote.Gateway = (*Client)(nil)

// CommitBatch sends mutations as one atomic batch.
// Watchers receive PENDING_LOCAL echoes before the request is sent.
func (c *Client) CommitBatch(ctx context.Context, mutations []*models.Mutation) (*remote.BatchAck, error) {
	if len(mutations) == 0 {
		return &remote.BatchAck{}, nil
	}
	if len(mutations) > api.MaxBatchWrites {
		return nil, fmt.Errorf("%w: %d writes, limit %d", remote.ErrBatchTooLarge, len(mutations), api.MaxBatchWrites)
	}

	writes, err := toWrites(mutations)
	if err != nil {
		return nil, err
	}

	token, err := c.token(ctx)
	if err != nil {
		// без токена откладываем отправку до повторного входа
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}

	c.overlay.pendingWrites(mutations)

	req := api.BatchRequest{DeviceID: c.deviceID, Writes: writes}
	var resp api.BatchResponse
	err = c.doRequest(ctx, http.MethodPost, "/api/v1/batch", token, req, &resp)
	if err != nil {
		mapped := mapCommitError(ctx, err)
		// постоянная ошибка: откатываем оптимистичное эхо к подтвержденному состоянию
		permanent := errors.Is(mapped, remote.ErrPermissionDenied) || errors.Is(mapped, remote.ErrBatchTooLarge)
		var malformed *remote.MalformedDocumentError
		if errors.As(mapped, &malformed) {
			permanent = true
		}
		c.overlay.settle(mutations, permanent)
		return nil, mapped
	}
	c.overlay.settle(mutations, false)

	ack := &remote.BatchAck{
		BatchID:    resp.BatchID,
		ServerTime: resp.ServerTime,
		Results:    make([]remote.MutationAck, 0, len(resp.Results)),
	}
	for _, r := range resp.Results {
		ack.Results = append(ack.Results, remote.MutationAck{
			MutationID:      r.MutationID,
			ServerTimestamp: r.ServerTimestamp,
			Duplicate:       r.Duplicate,
		})
	}

	c.logger.Debug("Batch committed", "batch_id", ack.BatchID, "writes", len(writes))
	return ack, nil
}

// toWrites конвертирует мутации в записи batch.
// Мутации, которые нельзя записать как документ, возвращаются как MalformedDocumentError.
func toWrites(mutations []*models.Mutation) ([]api.Write, error) {
	writes := make([]api.Write, 0, len(mutations))
	reasons := make(map[int64]string)

	for _, m := range mutations {
		w, err := toWrite(m)
		if err != nil {
			reasons[m.ID] = err.Error()
			continue
		}
		writes = append(writes, w)
	}
	if len(reasons) > 0 {
		return nil, remote.NewMalformedDocumentError(reasons)
	}
	return writes, nil
}

func toWrite(m *models.Mutation) (api.Write, error) {
	w := api.Write{
		MutationID:      m.ID,
		Collection:      string(m.Collection),
		SurveyID:        m.SurveyID,
		DocumentID:      m.EntityID,
		JobID:           m.JobID,
		LOIID:           m.LOIID,
		UserID:          m.UserID,
		ClientTimestamp: m.ClientTimestamp,
	}
	if err := validation.ValidateID("document", m.EntityID); err != nil {
		return w, err
	}
	if err := validation.ValidateID("survey", m.SurveyID); err != nil {
		return w, err
	}

	switch m.Type {
	case models.MutationCreate:
		w.Op = api.OpSet
		// полная запись: удаленные поля просто не передаются
		w.Fields = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			if v != nil {
				w.Fields[k] = v
			}
		}
	case models.MutationUpdate:
		w.Op = api.OpMerge
		w.Fields = m.Payload
	case models.MutationDelete:
		w.Op = api.OpDelete
	default:
		return w, fmt.Errorf("unknown mutation type %q", m.Type)
	}

	if err := validation.ValidateFields(w.Fields); err != nil {
		return w, err
	}
	return w, nil
}

// mapCommitError переводит ошибку транспорта в ошибки remote
func mapCommitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		// сетевая ошибка
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}

	switch code := httpErr.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", remote.ErrPermissionDenied, httpErr.Message)
	case code == http.StatusUnprocessableEntity:
		return decodeMalformed(httpErr)
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", remote.ErrBatchTooLarge, httpErr.Message)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %s", remote.ErrUnavailable, httpErr.Error())
	}
	return httpErr
}

func decodeMalformed(httpErr *HTTPError) error {
	var body api.MalformedResponse
	if err := json.Unmarshal(httpErr.Body, &body); err != nil || len(body.Malformed) == 0 {
		return fmt.Errorf("unexpected 422 response: %w", httpErr)
	}
	reasons := make(map[int64]string, len(body.Malformed))
	for _, m := range body.Malformed {
		reasons[m.MutationID] = m.Reason
	}
	return remote.NewMalformedDocumentError(reasons)
}
