package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/validation"
	pkgapi "github.com/iudanet/fieldsync/pkg/api"
)

// ErrNotAuthenticated означает отсутствие действующего входа
var ErrNotAuthenticated = errors.New("not authenticated, run login first")

// API is the part of the HTTP client used for authentication
type API interface {
	Register(ctx context.Context, req pkgapi.RegisterRequest) (*pkgapi.RegisterResponse, error)
	Login(ctx context.Context, req pkgapi.LoginRequest) (*pkgapi.TokenResponse, error)
}

// DataCleaner removes locally stored user data
type DataCleaner interface {
	ClearUserData(ctx context.Context) error
}

// service предоставляет функции авторизации
type service struct {
	api     API
	store   storage.AuthStorage
	cleaner DataCleaner
	logger  *slog.Logger
	now     func() time.Time
}

// NewService создает новый сервис авторизации
func NewService(api API, store storage.AuthStorage, cleaner DataCleaner, logger *slog.Logger) Service {
	return &service{
		api:     api,
		store:   store,
		cleaner: cleaner,
		logger:  logger,
		now:     time.Now,
	}
}

// Register регистрирует нового пользователя и возвращает его id
func (s *service) Register(ctx context.Context, username, password string) (string, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return "", fmt.Errorf("invalid username: %w", err)
	}
	if err := validation.ValidatePassword(password); err != nil {
		return "", fmt.Errorf("invalid password: %w", err)
	}

	resp, err := s.api.Register(ctx, pkgapi.RegisterRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("registration failed: %w", err)
	}
	s.logger.Info("User registered", "username", username, "user_id", resp.UserID)
	return resp.UserID, nil
}

// Login выполняет аутентификацию пользователя
func (s *service) Login(ctx context.Context, username, password string) (*storage.AuthData, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("invalid username: %w", err)
	}
	if password == "" {
		return nil, errors.New("password is required")
	}

	resp, err := s.api.Login(ctx, pkgapi.LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	// другой пользователь на том же устройстве не должен видеть чужую очередь
	prev, err := s.store.GetAuth(ctx)
	switch {
	case errors.Is(err, storage.ErrAuthNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read previous session: %w", err)
	case prev.UserID != resp.UserID:
		s.logger.Info("Switching user, clearing local data", "previous_user_id", prev.UserID)
		if err := s.cleaner.ClearUserData(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear previous user data: %w", err)
		}
	}

	auth := &storage.AuthData{
		Username:    username,
		UserID:      resp.UserID,
		AccessToken: resp.AccessToken,
		ExpiresAt:   s.now().Add(time.Duration(resp.ExpiresIn) * time.Second).Unix(),
	}
	if err := s.store.SaveAuth(ctx, auth); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Info("Logged in", "username", username, "user_id", auth.UserID)
	return auth, nil
}

// Logout удаляет локальные данные даже если токен уже истек
func (s *service) Logout(ctx context.Context) error {
	if err := s.store.DeleteAuth(ctx); err != nil {
		return fmt.Errorf("failed to delete local auth data: %w", err)
	}
	if err := s.cleaner.ClearUserData(ctx); err != nil {
		return fmt.Errorf("failed to clear local data: %w", err)
	}
	s.logger.Info("Logged out")
	return nil
}

// Current возвращает данные текущей сессии
func (s *service) Current(ctx context.Context) (*storage.AuthData, error) {
	auth, err := s.store.GetAuth(ctx)
	if errors.Is(err, storage.ErrAuthNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(time.Unix(auth.ExpiresAt, 0)) {
		return nil, ErrNotAuthenticated
	}
	return auth, nil
}

// Identity returns the signed-in user even when the token has expired
func (s *service) Identity(ctx context.Context) (*storage.AuthData, error) {
	auth, err := s.store.GetAuth(ctx)
	if errors.Is(err, storage.ErrAuthNotFound) {
		return nil, ErrNotAuthenticated
	}
	return auth, err
}

// Token returns the access token; it can be passed to api.WithTokenSource
func (s *service) Token(ctx context.Context) (string, error) {
	auth, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	return auth.AccessToken, nil
}
