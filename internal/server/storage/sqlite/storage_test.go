package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestStorage создает in-memory SQLite storage с примененными миграциями
func setupTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)

	return s, func() {
		_ = s.Close()
	}
}

func TestNew_Migrations(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	require.NoError(t, s.Ping(context.Background()))

	for _, table := range []string{"users", "survey_members", "documents", "applied_mutations"} {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
