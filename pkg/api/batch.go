package api

import "time"

// MaxBatchWrites максимальное число записей в одном batch
const MaxBatchWrites = 500

// Операции записи документа
const (
	OpSet    = "set"    // полная запись документа (CREATE)
	OpMerge  = "merge"  // частичное обновление полей (UPDATE)
	OpDelete = "delete" // tombstone (DELETE)
)

// Audit кто и когда изменил документ
type Audit struct {
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	UserID          string     `json:"user_id"`
}

// Write одна запись в составе batch
type Write struct {
	ClientTimestamp time.Time      `json:"client_timestamp"`
	Fields          map[string]any `json:"fields,omitempty"`
	Op              string         `json:"op"`
	Collection      string         `json:"collection"`
	SurveyID        string         `json:"survey_id"`
	DocumentID      string         `json:"document_id"`
	JobID           string         `json:"job_id,omitempty"`
	LOIID           string         `json:"loi_id,omitempty"`
	UserID          string         `json:"user_id"`
	MutationID      int64          `json:"mutation_id"`
}

// BatchRequest атомарная пачка записей от одного устройства
type BatchRequest struct {
	DeviceID string  `json:"device_id"`
	Writes   []Write `json:"writes"`
}

// WriteResult результат одной записи
type WriteResult struct {
	ServerTimestamp time.Time `json:"server_timestamp"`
	MutationID      int64     `json:"mutation_id"`
	Duplicate       bool      `json:"duplicate,omitempty"` // запись уже была применена ранее
}

// BatchResponse ответ на успешно зафиксированный batch
type BatchResponse struct {
	ServerTime time.Time     `json:"server_time"`
	BatchID    string        `json:"batch_id"`
	Results    []WriteResult `json:"results"`
}

// MalformedWrite запись, отклоненная сервером
type MalformedWrite struct {
	Reason     string `json:"reason"`
	MutationID int64  `json:"mutation_id"`
}

// MalformedResponse ответ 422: batch не применен, перечислены отклоненные записи
type MalformedResponse struct {
	Error     string           `json:"error"`
	Malformed []MalformedWrite `json:"malformed"`
}
