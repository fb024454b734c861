package api

import "encoding/json"

// Типы сообщений потока наблюдения
const (
	WatchChange      = "change"       // изменение документа
	WatchSnapshotEnd = "snapshot_end" // полный снимок отправлен, дальше только изменения
)

// Виды изменений документа
const (
	ChangeAdded    = "ADDED"
	ChangeModified = "MODIFIED"
	ChangeRemoved  = "REMOVED"
)

// Document документ в удаленном хранилище
type Document struct {
	Created      Audit          `json:"created"`
	LastModified Audit          `json:"last_modified"`
	Fields       map[string]any `json:"fields"`
	ID           string         `json:"id"`
	Collection   string         `json:"collection"`
	SurveyID     string         `json:"survey_id"`
	JobID        string         `json:"job_id,omitempty"`
	LOIID        string         `json:"loi_id,omitempty"`
}

// WatchMessage сообщение сервера в WebSocket потоке.
// Document передается как есть, чтобы клиент мог сообщить о неразборчивом документе.
type WatchMessage struct {
	Document   json.RawMessage `json:"document,omitempty"`
	Type       string          `json:"type"`
	Kind       string          `json:"kind,omitempty"`
	Collection string          `json:"collection,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
}
