package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

// CreateUser creates a new user in the storage
func (s *Storage) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.CreatedAt,
	)

	if err != nil {
		// Проверяем на duplicate username
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
			return storage.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return nil
}

// GetUserByUsername retrieves user by username
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

// GetUserByID retrieves user by ID
func (s *Storage) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, userID))
}

func (s *Storage) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// SaveMember grants a role in a survey
func (s *Storage) SaveMember(ctx context.Context, member *models.SurveyMember) error {
	query := `
		INSERT INTO survey_members (survey_id, user_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT (survey_id, user_id) DO UPDATE SET role = excluded.role
	`

	if _, err := s.db.ExecContext(ctx, query, member.SurveyID, member.UserID, member.Role); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return storage.ErrUserNotFound
		}
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// GetMember returns the membership of a user in a survey
func (s *Storage) GetMember(ctx context.Context, surveyID, userID string) (*models.SurveyMember, error) {
	query := `
		SELECT survey_id, user_id, role
		FROM survey_members
		WHERE survey_id = ? AND user_id = ?
	`

	member := &models.SurveyMember{}
	err := s.db.QueryRowContext(ctx, query, surveyID, userID).Scan(
		&member.SurveyID,
		&member.UserID,
		&member.Role,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotMember
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}
