package models

import "time"

// User представляет пользователя в системе
type User struct {
	CreatedAt    time.Time `json:"created_at"`    // время создания
	ID           string    `json:"id"`            // UUID пользователя
	Username     string    `json:"username"`      // уникальный username
	PasswordHash string    `json:"password_hash"` // bcrypt хеш пароля
}

// Роли участника survey
const (
	RoleCollector = "collector" // может добавлять и менять данные
	RoleViewer    = "viewer"    // только наблюдение
)

// SurveyMember связывает пользователя с survey
type SurveyMember struct {
	SurveyID string `json:"survey_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
}

// CanWrite reports whether the member may commit mutations into the survey.
func (m *SurveyMember) CanWrite() bool {
	return m.Role == RoleCollector
}
