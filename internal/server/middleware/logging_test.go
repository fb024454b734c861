package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		handler        http.HandlerFunc
		name           string
		method         string
		path           string
		expectedLevel  string
		expectedStatus int
	}{
		{
			name:   "GET request with 200 OK",
			method: http.MethodGet,
			path:   "/api/v1/health",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("success"))
			},
			expectedStatus: http.StatusOK,
			expectedLevel:  "INFO",
		},
		{
			name:   "POST request with 201 Created",
			method: http.MethodPost,
			path:   "/api/v1/auth/register",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
			},
			expectedStatus: http.StatusCreated,
			expectedLevel:  "INFO",
		},
		{
			name:   "Request with 422",
			method: http.MethodPost,
			path:   "/api/v1/batch",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedLevel:  "WARN",
		},
		{
			name:   "Request with 500 Internal Server Error",
			method: http.MethodPost,
			path:   "/api/v1/batch",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			expectedStatus: http.StatusInternalServerError,
			expectedLevel:  "ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf strings.Builder
			logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

			handler := LoggingMiddleware(logger)(tt.handler)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.RemoteAddr = "192.168.1.1:12345"
			req.Header.Set("User-Agent", "TestAgent/1.0")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			logOutput := logBuf.String()
			assert.Contains(t, logOutput, "HTTP request")
			assert.Contains(t, logOutput, tt.method)
			assert.Contains(t, logOutput, tt.path)
			assert.Contains(t, logOutput, "192.168.1.1:12345")
			assert.Contains(t, logOutput, "TestAgent/1.0")
			assert.Contains(t, logOutput, "level="+tt.expectedLevel)
		})
	}
}

func TestLoggingMiddleware_CapturesResponseMetrics(t *testing.T) {
	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Hello, World!")) // 13 bytes
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "bytes_written=13")
	assert.Contains(t, logOutput, "status=200")
	assert.NotContains(t, logOutput, "duration_ms=0 ")
}

func TestLoggingMiddleware_DoesNotLogSecrets(t *testing.T) {
	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"password":"secret123"}`))
	req.Header.Set("Authorization", "Bearer token-abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, logBuf.String(), "secret123")
	assert.NotContains(t, logBuf.String(), "token-abc")
}

func TestLoggingWithSkip(t *testing.T) {
	var logBuf strings.Builder
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := LoggingWithSkip(logger, []string{"/api/v1/health", "/metrics"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, path := range []string{"/api/v1/health", "/metrics"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Empty(t, logBuf.String())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/batch", nil))
	assert.Contains(t, logBuf.String(), "/api/v1/batch")
}

// hijackRecorder httptest.ResponseRecorder с поддержкой Hijack
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter_Hijack(t *testing.T) {
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := wrap(rec)

	_, _, err := http.NewResponseController(rw).Hijack()
	require.NoError(t, err)
	assert.True(t, rec.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.statusCode)

	_, _, err = wrap(httptest.NewRecorder()).Hijack()
	assert.Error(t, err)

	// вложенная обертка не создается повторно
	assert.Same(t, rw, wrap(rw))
}
