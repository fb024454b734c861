package models

// ChangeKind вид изменения документа в потоке наблюдения
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "ADDED"
	ChangeModified ChangeKind = "MODIFIED"
	ChangeRemoved  ChangeKind = "REMOVED"
	ChangeInvalid  ChangeKind = "INVALID" // документ не удалось разобрать
)

// Origin источник события
type Origin string

const (
	OriginPendingLocal    Origin = "PENDING_LOCAL"    // эхо собственной неподтвержденной записи
	OriginServerConfirmed Origin = "SERVER_CONFIRMED" // состояние, зафиксированное сервером
)

// RemoteChangeEvent одно изменение документа, полученное из удаленного хранилища
type RemoteChangeEvent struct {
	Document   *Document  `json:"document,omitempty"`
	Err        error      `json:"-"`
	EntityID   string     `json:"entity_id"`
	Collection Collection `json:"collection"`
	SurveyID   string     `json:"survey_id"`
	Kind       ChangeKind `json:"kind"`
	Origin     Origin     `json:"origin"`
}

// DocumentChange изменение документа на сервере для рассылки наблюдателям
type DocumentChange struct {
	Document *Document
	Kind     ChangeKind
}
