package models

import (
	"maps"
	"time"
)

// MutationType тип изменения сущности
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// Valid reports whether t is one of the known mutation types.
func (t MutationType) Valid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// Collection имя удаленной коллекции, в которую пишется сущность
type Collection string

const (
	CollectionLOI        Collection = "lois"        // точки интереса (location of interest)
	CollectionSubmission Collection = "submissions" // заполненные формы по точке интереса
)

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	return c == CollectionLOI || c == CollectionSubmission
}

// MutationStatus статус мутации в локальной очереди
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"     // ожидает отправки
	StatusInProgress MutationStatus = "in_progress" // входит в отправляемый batch
	StatusFailed     MutationStatus = "failed"      // временная ошибка, будет повторена
	StatusDeadLetter MutationStatus = "dead_letter" // постоянная ошибка, больше не отправляется
)

// Mutation представляет одно локальное изменение, ожидающее отправки на сервер.
// Collection играет роль дискриминатора: для CollectionSubmission обязателен LOIID.
type Mutation struct {
	ClientTimestamp time.Time      `json:"client_timestamp"`     // ClientTimestamp время изменения на устройстве
	Payload         map[string]any `json:"payload,omitempty"`    // Payload изменённые поля; nil значение удаляет поле
	EntityID        string         `json:"entity_id"`            // EntityID идентификатор сущности (UUID)
	Collection      Collection     `json:"collection"`           // Collection коллекция сущности
	SurveyID        string         `json:"survey_id"`            // SurveyID родительский survey
	JobID           string         `json:"job_id,omitempty"`     // JobID задание внутри survey
	LOIID           string         `json:"loi_id,omitempty"`     // LOIID точка интереса, к которой относится submission
	UserID          string         `json:"user_id"`              // UserID автор изменения
	DeviceID        string         `json:"device_id"`            // DeviceID устройство, создавшее мутацию
	Type            MutationType   `json:"type"`                 // Type CREATE, UPDATE или DELETE
	Status          MutationStatus `json:"status"`               // Status состояние в очереди
	LastError       string         `json:"last_error,omitempty"` // LastError текст последней ошибки отправки
	ID              int64          `json:"id"`                   // ID порядковый номер в очереди
	RetryCount      int            `json:"retry_count"`          // RetryCount число неудачных попыток
}

// Eligible reports whether the mutation may be included in a new batch.
// in_progress mutations are left over from an interrupted drain and are sent again.
func (m *Mutation) Eligible() bool {
	switch m.Status {
	case StatusPending, StatusFailed, StatusInProgress, "":
		return true
	}
	return false
}

// Audit returns the audit info describing this mutation's author.
func (m *Mutation) Audit() AuditInfo {
	return AuditInfo{UserID: m.UserID, ClientTimestamp: m.ClientTimestamp}
}

// Clone создает глубокую копию мутации
func (m *Mutation) Clone() *Mutation {
	c := *m
	c.Payload = maps.Clone(m.Payload)
	return &c
}
