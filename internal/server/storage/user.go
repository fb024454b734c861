package storage

import (
	"context"

	"github.com/iudanet/fieldsync/internal/models"
)

// UserStorage defines interface for user data persistence
type UserStorage interface {
	// CreateUser creates a new user in the storage
	// Returns ErrUserAlreadyExists if username already exists
	CreateUser(ctx context.Context, user *models.User) error

	// GetUserByUsername retrieves user by username
	// Returns ErrUserNotFound if user doesn't exist
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// GetUserByID retrieves user by ID
	// Returns ErrUserNotFound if user doesn't exist
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// MemberStorage defines interface for survey membership
type MemberStorage interface {
	// SaveMember grants a role in a survey, replacing the previous role
	SaveMember(ctx context.Context, member *models.SurveyMember) error

	// GetMember returns the membership of a user in a survey
	// Returns ErrNotMember if the user has no role
	GetMember(ctx context.Context, surveyID, userID string) (*models.SurveyMember, error)
}
