// Package jwt issues and validates access tokens of the document server.
package jwt

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const issuer = "fieldsync"

// ErrInvalidToken indicates a malformed, forged or expired token
var ErrInvalidToken = errors.New("invalid token")

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	gojwt.RegisteredClaims
}

// Service provides JWT token generation and validation
type Service struct {
	now            func() time.Time
	secret         []byte
	accessTokenTTL time.Duration
}

// NewService creates a new JWT service
// secret should be a cryptographically secure random string
func NewService(secret string, accessTokenTTL time.Duration) *Service {
	return &Service{
		secret:         []byte(secret),
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

// GenerateAccessToken создает новый JWT access token.
// Возвращает токен и время жизни в секундах.
func (s *Service) GenerateAccessToken(userID, username string) (string, int64, error) {
	now := s.now()

	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: gojwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  gojwt.NewNumericDate(now),
			NotBefore: gojwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, int64(s.accessTokenTTL.Seconds()), nil
}

// ValidateAccessToken валидирует и парсит JWT access token
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := gojwt.ParseWithClaims(tokenString, &Claims{}, func(token *gojwt.Token) (any, error) {
		return s.secret, nil
	},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
		gojwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
