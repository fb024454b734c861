package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/jwt"
	"github.com/iudanet/fieldsync/pkg/api"
)

const testSecret = "test-secret-key-at-least-32-bytes-long"

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// testHandler is a simple handler that checks context values
func testHandler(t *testing.T, expectedUserID, expectedUsername string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := handlers.GetUserID(r.Context())
		require.True(t, ok, "user_id should be in context")
		assert.Equal(t, expectedUserID, userID)

		username, ok := handlers.GetUsername(r.Context())
		require.True(t, ok, "username should be in context")
		assert.Equal(t, expectedUsername, username)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func TestAuthMiddleware_Success(t *testing.T) {
	service := jwt.NewService(testSecret, 15*time.Minute)

	token, _, err := service.GenerateAccessToken("user123", "testuser")
	require.NoError(t, err)

	wrappedHandler := AuthMiddleware(setupTestLogger(), service)(testHandler(t, "user123", "testuser"))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	wrappedHandler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestAuthMiddleware_Rejected(t *testing.T) {
	service := jwt.NewService(testSecret, 15*time.Minute)
	foreign, _, err := jwt.NewService("another-secret-key-at-least-32-bytes", time.Minute).GenerateAccessToken("user123", "testuser")
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{name: "missing header", header: "", message: "missing token"},
		{name: "no bearer prefix", header: "Token abc", message: "invalid token format"},
		{name: "empty token", header: "Bearer ", message: "invalid token format"},
		{name: "garbage token", header: "Bearer not-a-jwt", message: "invalid or expired token"},
		{name: "foreign signature", header: "Bearer " + foreign, message: "invalid or expired token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
			handler := AuthMiddleware(setupTestLogger(), service)(next)

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.False(t, called, "next handler must not run")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp api.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestAuthMiddleware_CaseInsensitiveScheme(t *testing.T) {
	service := jwt.NewService(testSecret, 15*time.Minute)
	token, _, err := service.GenerateAccessToken("user123", "testuser")
	require.NoError(t, err)

	handler := AuthMiddleware(setupTestLogger(), service)(testHandler(t, "user123", "testuser"))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
