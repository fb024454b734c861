package crdt

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func stamp(offset time.Duration, node string) Stamp {
	return Stamp{Time: t0.Add(offset), NodeID: node}
}

func TestStamp_After(t *testing.T) {
	tests := []struct {
		name     string
		self     Stamp
		other    Stamp
		expected bool
	}{
		{"self time greater", stamp(time.Second, "a"), stamp(0, "a"), true},
		{"self time smaller", stamp(0, "a"), stamp(time.Second, "a"), false},
		{"equal time, node greater", stamp(0, "b"), stamp(0, "a"), true},
		{"equal time, node smaller", stamp(0, "a"), stamp(0, "b"), false},
		{"identical", stamp(0, "a"), stamp(0, "a"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.self.After(tt.other))
		})
	}
}

func TestFieldSet_Merge_NewerWins(t *testing.T) {
	s := NewFieldSet()
	s.Reset(map[string]any{"name": "well", "depth": 10.0}, stamp(0, "a"))

	lost := s.Merge(map[string]any{"depth": 12.0}, stamp(2*time.Second, "b"))
	assert.Empty(t, lost)

	// более старое изменение от другого устройства проигрывает по depth, но name применяется
	lost = s.Merge(map[string]any{"depth": 5.0, "name": "spring"}, stamp(time.Second, "c"))
	assert.Equal(t, []string{"depth"}, lost)
	assert.Equal(t, map[string]any{"name": "spring", "depth": 12.0}, s.Snapshot())
}

func TestFieldSet_Merge_DeleteIsSticky(t *testing.T) {
	s := NewFieldSet()
	s.Reset(map[string]any{"note": "x"}, stamp(0, "a"))

	s.Merge(map[string]any{"note": nil}, stamp(2*time.Second, "a"))
	assert.NotContains(t, s.Snapshot(), "note")

	lost := s.Merge(map[string]any{"note": "old"}, stamp(time.Second, "b"))
	assert.Equal(t, []string{"note"}, lost)
	assert.NotContains(t, s.Snapshot(), "note")
}

func TestFieldSet_Merge_Idempotent(t *testing.T) {
	s := NewFieldSet()
	delta := map[string]any{"a": 1.0, "b": "two", "c": nil}
	st := stamp(time.Minute, "dev")

	s.Merge(delta, st)
	first := s.Snapshot()
	lost := s.Merge(delta, st)

	assert.Empty(t, lost)
	assert.Equal(t, first, s.Snapshot())
}

func TestFieldSet_Merge_Commutative(t *testing.T) {
	d1 := map[string]any{"a": 1.0, "b": 1.0}
	d2 := map[string]any{"b": 2.0, "c": 2.0}
	s1, s2 := stamp(time.Second, "x"), stamp(time.Second, "y")

	left := NewFieldSet()
	left.Merge(d1, s1)
	left.Merge(d2, s2)

	right := NewFieldSet()
	lost := right.Merge(d2, s2)
	assert.Empty(t, lost)
	lost = right.Merge(d1, s1)
	sort.Strings(lost)
	assert.Equal(t, []string{"b"}, lost)

	assert.Equal(t, left.Snapshot(), right.Snapshot())
}

func TestFieldSet_ZeroValueMerge(t *testing.T) {
	var s FieldSet
	s.Merge(map[string]any{"k": "v"}, stamp(0, "a"))
	assert.Equal(t, map[string]any{"k": "v"}, s.Snapshot())
}
