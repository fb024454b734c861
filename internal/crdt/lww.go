package crdt

import (
	"maps"
	"time"
)

// Stamp версия отдельного поля: время клиента и устройство-автор.
type Stamp struct {
	Time   time.Time `json:"t"`
	NodeID string    `json:"n"`
}

// After сравнивает две версии по правилу LWW (Last-Write-Wins):
// 1. Сначала сравнивается Time (большее выигрывает)
// 2. При равном Time сравнивается NodeID (лексикографически)
func (s Stamp) After(other Stamp) bool {
	if s.Time.After(other.Time) {
		return true
	}
	if s.Time.Before(other.Time) {
		return false
	}
	return s.NodeID > other.NodeID
}

// FieldSet набор LWW-регистров, по одному на поле документа.
// Удаленные поля остаются в Stamps, чтобы более старая запись их не воскресила.
type FieldSet struct {
	Values map[string]any   `json:"values"`
	Stamps map[string]Stamp `json:"stamps"`
}

// NewFieldSet создает пустой набор полей.
func NewFieldSet() *FieldSet {
	return &FieldSet{
		Values: make(map[string]any),
		Stamps: make(map[string]Stamp),
	}
}

// Reset заменяет содержимое целиком (полная запись документа).
func (s *FieldSet) Reset(fields map[string]any, stamp Stamp) {
	s.Values = make(map[string]any, len(fields))
	s.Stamps = make(map[string]Stamp, len(fields))
	s.Merge(fields, stamp)
}

// Merge применяет частичное изменение полей.
// Поле перезаписывается, только если stamp не старше сохраненной версии поля.
// Повторное применение того же изменения ничего не меняет.
// Возвращает список полей, которые остались за более новой версией.
func (s *FieldSet) Merge(delta map[string]any, stamp Stamp) []string {
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	if s.Stamps == nil {
		s.Stamps = make(map[string]Stamp)
	}

	var lost []string
	for k, v := range delta {
		if existing, ok := s.Stamps[k]; ok && existing.After(stamp) {
			lost = append(lost, k)
			continue
		}
		s.Stamps[k] = stamp
		if v == nil {
			delete(s.Values, k)
			continue
		}
		s.Values[k] = v
	}
	return lost
}

// Snapshot возвращает копию текущих значений.
func (s *FieldSet) Snapshot() map[string]any {
	out := maps.Clone(s.Values)
	if out == nil {
		out = map[string]any{}
	}
	return out
}
