package auth

import (
	"context"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

//go:generate moq -out service_mock.go . Service

// Service defines the device authentication operations
type Service interface {
	// Register создает учетную запись на сервере, вход не выполняется
	Register(ctx context.Context, username, password string) (string, error)

	// Login выполняет вход и сохраняет токен на устройстве.
	// Если ранее входил другой пользователь, его локальные данные удаляются.
	Login(ctx context.Context, username, password string) (*storage.AuthData, error)

	// Logout удаляет токен, очередь и локальный кэш
	Logout(ctx context.Context) error

	// Current возвращает данные вошедшего пользователя.
	// ErrNotAuthenticated, если входа не было или токен истек.
	Current(ctx context.Context) (*storage.AuthData, error)

	// Identity возвращает последнего вошедшего пользователя без проверки срока токена.
	// Используется для правок без сети.
	Identity(ctx context.Context) (*storage.AuthData, error)

	// Token возвращает действующий access token
	Token(ctx context.Context) (string, error)
}
