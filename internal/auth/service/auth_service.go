package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/validation"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/mail"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordReused is returned when a new password matches a recent one.
var ErrPasswordReused = fmt.Errorf("%w: password has been used recently", apierr.ErrInvalidInput)

// AuthConfig holds the account settings of the authentication service.
type AuthConfig struct {
	BcryptCost           int                       `yaml:"bcrypt_cost"`            // Cost factor for password hashes.
	MaxLoginAttempts     int                       `yaml:"max_login_attempts"`     // Failed logins before the account is locked.
	LockDuration         time.Duration             `yaml:"lock_duration"`          // How long a locked account stays locked.
	PasswordHistoryLimit int                       `yaml:"password_history_limit"` // Previous passwords that may not be reused.
	ResetTokenTTL        time.Duration             `yaml:"reset_token_ttl"`        // Lifetime of password reset tokens.
	VerificationTokenTTL time.Duration             `yaml:"verification_token_ttl"` // Lifetime of email verification tokens.
	Password             validation.PasswordPolicy `yaml:"password"`               // Password strength rules.
}

// DefaultAuthConfig returns the settings used for fields the config leaves unset.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		BcryptCost:           bcrypt.DefaultCost,
		MaxLoginAttempts:     5,
		LockDuration:         15 * time.Minute,
		PasswordHistoryLimit: 5,
		ResetTokenTTL:        time.Hour,
		VerificationTokenTTL: 48 * time.Hour,
		Password:             validation.DefaultPasswordPolicy(),
	}
}

// ApplyDefaults fills zero fields from DefaultAuthConfig.
func (c *AuthConfig) ApplyDefaults() {
	d := DefaultAuthConfig()
	if c.BcryptCost == 0 {
		c.BcryptCost = d.BcryptCost
	}
	if c.MaxLoginAttempts == 0 {
		c.MaxLoginAttempts = d.MaxLoginAttempts
	}
	if c.LockDuration == 0 {
		c.LockDuration = d.LockDuration
	}
	if c.PasswordHistoryLimit == 0 {
		c.PasswordHistoryLimit = d.PasswordHistoryLimit
	}
	if c.ResetTokenTTL == 0 {
		c.ResetTokenTTL = d.ResetTokenTTL
	}
	if c.VerificationTokenTTL == 0 {
		c.VerificationTokenTTL = d.VerificationTokenTTL
	}
	if c.Password == (validation.PasswordPolicy{}) {
		c.Password = d.Password
	}
}

// AuthDeps are the collaborators of AuthService. Mailer and Composer are
// required; Clock, Audit and Logger fall back to defaults when nil.
type AuthDeps struct {
	Users    UserStore
	Sessions *SessionService
	Tokens   *OneTimeTokenService
	Mailer   mail.Mailer
	Composer *mail.Composer
	Clock    clock.Clock
	Audit    audit.Sink
	Logger   *zap.Logger
}

// AuthService manages accounts: registration, login, password changes and
// the email driven reset and verification flows.
type AuthService struct {
	users     UserStore
	sessions  *SessionService
	tokens    *OneTimeTokenService
	mailer    mail.Mailer
	composer  *mail.Composer
	config    AuthConfig
	validator *validation.PasswordValidator
	clock     clock.Clock
	audit     audit.Sink
	logger    *zap.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

func NewAuthService(config AuthConfig, deps AuthDeps) *AuthService {
	config.ApplyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:     deps.Users,
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		mailer:    deps.Mailer,
		composer:  deps.Composer,
		config:    config,
		validator: validation.NewPasswordValidator(config.Password),
		clock:     clock.OrSystem(deps.Clock),
		audit:     audit.OrNop(deps.Audit),
		logger:    logger.Named("auth"),
	}
}

func (s *AuthService) GetConfig() AuthConfig {
	return s.config
}

// LoginResult is what a successful login hands back to the caller.
type LoginResult struct {
	User    *models.User
	Session *models.Session
	Token   string
}

// CreateUser registers a new account after checking the username, email,
// role and password policy.
func (s *AuthService) CreateUser(ctx context.Context, username, email, password string, role models.Role) (*models.User, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if err := validation.ValidateEmail(email); err != nil {
		return nil, err
	}
	if role == "" {
		role = models.RoleWriter
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", apierr.ErrInvalidInput, role)
	}
	if err := s.validator.ValidatePassword(password, username); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	user := &models.User{
		ID:                uuid.New(),
		Username:          username,
		Email:             email,
		Password:          string(hash),
		Role:              role,
		CreatedAt:         now,
		UpdatedAt:         now,
		PasswordChangedAt: now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login checks credentials and starts a session. Unknown users and wrong
// passwords both yield ErrInvalidCredentials; repeated failures lock the
// account for LockDuration.
func (s *AuthService) Login(ctx context.Context, username, password string, meta models.ClientMeta) (*LoginResult, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apierr.ErrUserNotFound) {
			// Spend the same bcrypt time as a real check.
			_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
			s.recordLogin(ctx, "", meta, "unknown_user")
			return nil, apierr.ErrInvalidCredentials
		}
		return nil, err
	}

	now := s.clock.Now().UTC()
	if user.IsLocked(now) {
		s.recordLogin(ctx, user.ID.String(), meta, "locked")
		return nil, apierr.ErrUserLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		lockUntil := now.Add(s.config.LockDuration)
		locked, err := s.users.RecordFailedLogin(ctx, user.ID, max(s.config.MaxLoginAttempts, 1), lockUntil, now)
		switch {
		case err != nil:
			s.logger.Error("failed to record failed login", zap.Error(err))
		case locked:
			s.logger.Warn("account locked after failed logins",
				zap.String("user_id", user.ID.String()),
				zap.Time("locked_until", lockUntil))
		}
		s.recordLogin(ctx, user.ID.String(), meta, "bad_password")
		return nil, apierr.ErrInvalidCredentials
	}

	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = meta.IP
	user.UpdatedAt = now
	if err := s.users.UpdateUserLogin(ctx, user); err != nil {
		return nil, fmt.Errorf("recording login: %w", err)
	}

	session, token, err := s.sessions.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, user.ID.String(), meta, "success")
	return &LoginResult{User: user, Session: session, Token: token}, nil
}

func (s *AuthService) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("inkwell-login-timing"), s.config.BcryptCost)
	})
	return s.dummyHash
}

func (s *AuthService) recordLogin(ctx context.Context, userID string, meta models.ClientMeta, outcome string) {
	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionUserLogin,
		UserID:     userID,
		EntityType: "user",
		EntityID:   userID,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		Metadata:   map[string]any{"outcome": outcome},
		CreatedAt:  s.clock.Now(),
	})
}

// ValidatePasswordHistory rejects a password matching any of the given hashes.
func (s *AuthService) ValidatePasswordHistory(newPassword string, previous []string) error {
	for _, prevHash := range previous {
		if bcrypt.CompareHashAndPassword([]byte(prevHash), []byte(newPassword)) == nil {
			return ErrPasswordReused
		}
	}
	return nil
}

// checkNewPassword applies the strength policy and rejects recently used
// passwords.
func (s *AuthService) checkNewPassword(ctx context.Context, user *models.User, newPassword string) error {
	if err := s.validator.ValidatePassword(newPassword, user.Username); err != nil {
		return err
	}
	previous, err := s.users.GetPasswordHistory(ctx, user.ID, s.config.PasswordHistoryLimit)
	if err != nil {
		return err
	}
	return s.ValidatePasswordHistory(newPassword, append(previous, user.Password))
}

// setPassword validates and stores a new password, keeps the history bounded
// and revokes every session of the user.
func (s *AuthService) setPassword(ctx context.Context, user *models.User, newPassword string) error {
	if err := s.checkNewPassword(ctx, user, newPassword); err != nil {
		return err
	}
	return s.storePassword(ctx, user, newPassword)
}

// storePassword writes an already checked password.
func (s *AuthService) storePassword(ctx context.Context, user *models.User, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.config.BcryptCost)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	if err := s.users.AddPasswordToHistory(ctx, user.ID, user.Password, now); err != nil {
		return err
	}
	if err := s.users.CleanupOldPasswords(ctx, user.ID, s.config.PasswordHistoryLimit); err != nil {
		return err
	}

	user.Password = string(hash)
	user.PasswordChangedAt = now
	user.UpdatedAt = now
	user.FailedAttempts = 0
	user.LockedUntil = nil
	if err := s.users.UpdateUserPassword(ctx, user); err != nil {
		return err
	}

	_, err = s.sessions.RevokeAll(ctx, user.ID)
	return err
}

// ChangePassword verifies the old password, stores the new one and revokes
// all sessions of the user.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(oldPassword)); err != nil {
		return apierr.ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionUserPassword,
		UserID:     userID.String(),
		EntityType: "user",
		EntityID:   userID.String(),
		CreatedAt:  s.clock.Now(),
	})
	return nil
}

// RequestPasswordReset mails a reset link when email belongs to an account.
// The result is the same whether or not it does.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, apierr.ErrUserNotFound) {
			s.logger.Debug("password reset requested for unknown email")
			return nil
		}
		return err
	}

	t, err := s.tokens.IssuePasswordReset(ctx, user.ID, s.config.ResetTokenTTL)
	if err != nil {
		return err
	}
	msg := s.composer.PasswordReset(user.Email, t.Token, s.config.ResetTokenTTL)
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send password reset mail",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	}
	return nil
}

// ResetPassword sets a new password using a reset token. The token is only
// consumed once the new password has passed the policy checks.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	t, err := s.tokens.Peek(ctx, token, models.PurposePasswordReset)
	if err != nil {
		return err
	}
	user, err := s.users.GetUserByID(ctx, t.UserID)
	if err != nil {
		return err
	}
	if err := s.checkNewPassword(ctx, user, newPassword); err != nil {
		return err
	}

	if _, err := s.tokens.Consume(ctx, token, models.PurposePasswordReset); err != nil {
		return err
	}
	if err := s.storePassword(ctx, user, newPassword); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionUserPasswordReset,
		UserID:     user.ID.String(),
		EntityType: "user",
		EntityID:   user.ID.String(),
		CreatedAt:  s.clock.Now(),
	})
	return nil
}

// RequestEmailVerification mails a verification link to an unverified user.
func (s *AuthService) RequestEmailVerification(ctx context.Context, userID uuid.UUID) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}

	t, err := s.tokens.IssueEmailVerification(ctx, user.ID, s.config.VerificationTokenTTL)
	if err != nil {
		return err
	}
	msg := s.composer.EmailVerification(user.Email, t.Token, s.config.VerificationTokenTTL)
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending verification mail: %w", err)
	}
	return nil
}

// VerifyEmail consumes a verification token and marks the owner's email verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*models.User, error) {
	t, err := s.tokens.Consume(ctx, token, models.PurposeEmailVerification)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if err := s.users.SetEmailVerified(ctx, t.UserID, now); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionUserEmailVerify,
		UserID:     t.UserID.String(),
		EntityType: "user",
		EntityID:   t.UserID.String(),
		CreatedAt:  now,
	})
	return s.users.GetUserByID(ctx, t.UserID)
}

func (s *AuthService) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.users.GetUserByID(ctx, id)
}

func (s *AuthService) ListUsers(ctx context.Context) ([]*models.User, error) {
	return s.users.ListUsers(ctx)
}
