package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		errMsg   string
		wantErr  bool
	}{
		{name: "valid lowercase", username: "alice"},
		{name: "valid with dot and underscore", username: "field.team_2"},
		{name: "empty", username: "", wantErr: true, errMsg: "cannot be empty"},
		{name: "too short", username: "ab", wantErr: true, errMsg: "at least 3"},
		{name: "too long", username: "abcdefghijklmnopqrstuvwxyz0123456", wantErr: true, errMsg: "must not exceed 32"},
		{name: "space", username: "alice smith", wantErr: true, errMsg: "can only contain"},
		{name: "cyrillic", username: "сборщик", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	assert.Error(t, ValidatePassword(""))
	assert.Error(t, ValidatePassword("short"))
	assert.NoError(t, ValidatePassword("long-enough"))
}
