package validation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("survey", "survey-01_A"))
	assert.Error(t, ValidateID("survey", ""))
	assert.Error(t, ValidateID("loi", "a/b"))
}

func TestValidateFields(t *testing.T) {
	nested := map[string]any{}
	cur := nested
	for range MaxNestingDepth + 1 {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}

	tests := []struct {
		fields  map[string]any
		name    string
		wantErr bool
	}{
		{name: "plain values", fields: map[string]any{"name": "well", "depth": 3.5, "tags": []any{"a", "b"}}},
		{name: "nil removes field", fields: map[string]any{"note": nil}},
		{name: "empty name", fields: map[string]any{"": 1}, wantErr: true},
		{name: "reserved name", fields: map[string]any{"__name__": 1}, wantErr: true},
		{name: "dotted path", fields: map[string]any{"a.b": 1}, wantErr: true},
		{name: "NaN", fields: map[string]any{"x": math.NaN()}, wantErr: true},
		{name: "function value", fields: map[string]any{"f": func() {}}, wantErr: true},
		{name: "too deep", fields: map[string]any{"deep": nested}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFields(tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
