package models

import (
	"maps"
	"slices"
	"time"
)

// AuditInfo описывает автора и время изменения.
// ServerTimestamp заполняется только после подтверждения сервером.
type AuditInfo struct {
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"` // ServerTimestamp время фиксации на сервере
	ClientTimestamp time.Time  `json:"client_timestamp"`           // ClientTimestamp время изменения на устройстве
	UserID          string     `json:"user_id"`                    // UserID автор изменения
}

// Confirmed reports whether the server has acknowledged the change.
func (a AuditInfo) Confirmed() bool {
	return a.ServerTimestamp != nil
}

// Document is the remote representation of an entity.
type Document struct {
	Created      AuditInfo      `json:"created"`
	LastModified AuditInfo      `json:"last_modified"`
	Fields       map[string]any `json:"fields"`
	ID           string         `json:"id"`
	Collection   Collection     `json:"collection"`
	SurveyID     string         `json:"survey_id"`
	JobID        string         `json:"job_id,omitempty"`
	LOIID        string         `json:"loi_id,omitempty"`
	Deleted      bool           `json:"deleted,omitempty"`
}

// ServerTime returns the server timestamp of the last modification or the zero time.
func (d *Document) ServerTime() time.Time {
	if d.LastModified.ServerTimestamp == nil {
		return time.Time{}
	}
	return *d.LastModified.ServerTimestamp
}

// Clone создает копию документа
func (d *Document) Clone() *Document {
	c := *d
	c.Fields = maps.Clone(d.Fields)
	return &c
}

// Apply returns the document that results from applying m on top of d.
// d may be nil for CREATE.
func (d *Document) Apply(m *Mutation) *Document {
	var next *Document
	if d == nil || m.Type == MutationCreate {
		next = &Document{
			ID:         m.EntityID,
			Collection: m.Collection,
			SurveyID:   m.SurveyID,
			JobID:      m.JobID,
			LOIID:      m.LOIID,
			Created:    m.Audit(),
			Fields:     map[string]any{},
		}
	} else {
		next = d.Clone()
		if next.Fields == nil {
			next.Fields = map[string]any{}
		}
	}
	next.LastModified = m.Audit()

	switch m.Type {
	case MutationDelete:
		next.Deleted = true
	default:
		next.Deleted = false
		MergeFields(next.Fields, m.Payload)
	}
	return next
}

// MergeFields applies a field-level delta to dst. A nil value removes the field.
func MergeFields(dst, delta map[string]any) {
	for k, v := range delta {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

// EntityRecord запись локального кэша сущностей
type EntityRecord struct {
	Created            AuditInfo      `json:"created"`
	LastModified       AuditInfo      `json:"last_modified"`
	Fields             map[string]any `json:"fields"`
	Deferred           *Document      `json:"deferred,omitempty"` // Deferred отложенное подтвержденное сервером состояние
	ID                 string         `json:"id"`
	Collection         Collection     `json:"collection"`
	SurveyID           string         `json:"survey_id"`
	JobID              string         `json:"job_id,omitempty"`
	LOIID              string         `json:"loi_id,omitempty"`
	PendingMutationIDs []int64        `json:"pending_mutation_ids,omitempty"` // PendingMutationIDs неподтвержденные мутации
	Deleted            bool           `json:"deleted,omitempty"`              // Deleted локальное удаление ждет подтверждения
	PendingRemoval     bool           `json:"pending_removal,omitempty"`      // PendingRemoval удаление на сервере отложено
}

// HasPending reports whether any local mutation for the entity is unacknowledged.
func (r *EntityRecord) HasPending() bool {
	return len(r.PendingMutationIDs) > 0
}

// AddPending records a queued mutation id.
func (r *EntityRecord) AddPending(id int64) {
	if !slices.Contains(r.PendingMutationIDs, id) {
		r.PendingMutationIDs = append(r.PendingMutationIDs, id)
	}
}

// RemovePending drops id from the pending set and reports whether it was present.
func (r *EntityRecord) RemovePending(id int64) bool {
	i := slices.Index(r.PendingMutationIDs, id)
	if i < 0 {
		return false
	}
	r.PendingMutationIDs = slices.Delete(r.PendingMutationIDs, i, i+1)
	if len(r.PendingMutationIDs) == 0 {
		r.PendingMutationIDs = nil
	}
	return true
}

// ApplyMutation applies a queued mutation optimistically and records it as pending.
func (r *EntityRecord) ApplyMutation(m *Mutation) {
	r.setDocument(r.Document().Apply(m))
	r.AddPending(m.ID)
}

// ApplyDocument replaces the record's content with doc, keeping pending ids.
// Any buffered server state is superseded.
func (r *EntityRecord) ApplyDocument(doc *Document) {
	r.setDocument(doc)
	r.Deferred = nil
	r.PendingRemoval = false
}

func (r *EntityRecord) setDocument(doc *Document) {
	r.ID = doc.ID
	r.Collection = doc.Collection
	r.SurveyID = doc.SurveyID
	r.JobID = doc.JobID
	r.LOIID = doc.LOIID
	r.Created = doc.Created
	r.LastModified = doc.LastModified
	r.Fields = maps.Clone(doc.Fields)
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Deleted = doc.Deleted
}

// Document returns the record content as a remote document, or nil for an empty record.
func (r *EntityRecord) Document() *Document {
	if r == nil || r.ID == "" {
		return nil
	}
	return &Document{
		ID:           r.ID,
		Collection:   r.Collection,
		SurveyID:     r.SurveyID,
		JobID:        r.JobID,
		LOIID:        r.LOIID,
		Created:      r.Created,
		LastModified: r.LastModified,
		Fields:       maps.Clone(r.Fields),
		Deleted:      r.Deleted,
	}
}

// Clone создает глубокую копию записи
func (r *EntityRecord) Clone() *EntityRecord {
	c := *r
	c.Fields = maps.Clone(r.Fields)
	c.PendingMutationIDs = slices.Clone(r.PendingMutationIDs)
	if r.Deferred != nil {
		c.Deferred = r.Deferred.Clone()
	}
	return &c
}
