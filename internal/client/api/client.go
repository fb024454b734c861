package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/fieldsync/pkg/api"
)

// TokenSource returns the access token for authenticated requests
type TokenSource func(ctx context.Context) (string, error)

// KnownDocuments returns ids of server-confirmed documents of a survey held
// in the local cache. After a snapshot they are checked for removal.
type KnownDocuments func(ctx context.Context, surveyID string) ([]string, error)

// HTTPError is a non-2xx response from the server
type HTTPError struct {
	Message    string
	Body       []byte
	StatusCode int
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Client представляет HTTP клиент для взаимодействия с сервером.
// Он же реализует remote.Gateway поверх batch API и WebSocket потока.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	tokens     TokenSource
	known      KnownDocuments
	logger     *slog.Logger
	overlay    *overlay
	baseURL    string
	deviceID   string
	reconnect  ReconnectPolicy
}

// ReconnectPolicy задает backoff переподключения потока наблюдения
type ReconnectPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Option настраивает Client
type Option func(*Client)

// WithTokenSource задает источник access token
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithKnownDocuments задает источник документов, уже сохраненных на устройстве
func WithKnownDocuments(k KnownDocuments) Option {
	return func(c *Client) { c.known = k }
}

// WithDeviceID задает идентификатор устройства для идемпотентности batch
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithLogger задает logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout задает таймаут HTTP запросов
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithReconnect задает backoff переподключения watch
func WithReconnect(p ReconnectPolicy) Option {
	return func(c *Client) { c.reconnect = p }
}

// NewClient создает новый API клиент
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Настройка обработки редиректов
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		overlay:   newOverlay(),
		reconnect: ReconnectPolicy{Base: time.Second, Max: time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register регистрирует нового пользователя
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/register", "", req, &resp); err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	return &resp, nil
}

// Login выполняет аутентификацию пользователя
func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.TokenResponse, error) {
	var resp api.TokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", "", req, &resp); err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	return &resp, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", errors.New("no token source configured")
	}
	return c.tokens(ctx)
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path, token string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil {
			httpErr.Message = errResp.Message
			if httpErr.Message == "" {
				httpErr.Message = errResp.Error
			}
		}
		return httpErr
	}

	// Декодируем успешный ответ
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
