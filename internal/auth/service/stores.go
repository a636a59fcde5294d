package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

// The store interfaces below are satisfied by *database.DB.

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserLogin(ctx context.Context, user *models.User) error
	RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (bool, error)
	UpdateUserPassword(ctx context.Context, user *models.User) error
	SetEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	ListUsers(ctx context.Context) ([]*models.User, error)
	AddPasswordToHistory(ctx context.Context, userID uuid.UUID, passwordHash string, at time.Time) error
	GetPasswordHistory(ctx context.Context, userID uuid.UUID, limit int) ([]string, error)
	CleanupOldPasswords(ctx context.Context, userID uuid.UUID, keep int) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID, token string) (*models.Session, error)
	GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error
	RotateSessionToken(ctx context.Context, id uuid.UUID, oldToken, newToken string, expiresAt, now time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteUserSessions(ctx context.Context, userID uuid.UUID) (int64, error)
	ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]*models.Session, error)
}

type OneTimeTokenStore interface {
	CreateOneTimeToken(ctx context.Context, t *models.OneTimeToken) error
	GetOneTimeToken(ctx context.Context, token string, purpose models.TokenPurpose) (*models.OneTimeToken, error)
	MarkOneTimeTokenUsed(ctx context.Context, token string, purpose models.TokenPurpose, now time.Time) (bool, error)
	DeleteOneTimeToken(ctx context.Context, token string, purpose models.TokenPurpose, now time.Time) (bool, error)
	InvalidateUserTokens(ctx context.Context, userID uuid.UUID, purpose models.TokenPurpose) (int64, error)
}

type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, keyHash string, at time.Time) error
	DeleteAPIKey(ctx context.Context, keyHash string) (bool, error)
	DeleteUserAPIKey(ctx context.Context, userID uuid.UUID, prefix string) (bool, error)
	ListAPIKeys(ctx context.Context, userID uuid.UUID, includeExpired bool, now time.Time) ([]*models.APIKey, error)
}
