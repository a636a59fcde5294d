package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/tokens"
	"go.uber.org/zap"
)

// DefaultSessionTTL is the session lifetime when the config leaves it unset.
const DefaultSessionTTL = 24 * time.Hour

// SessionConfig holds the signing and lifetime settings for bearer tokens.
type SessionConfig struct {
	Secret []byte        // HMAC key for HS256 signatures.
	TTL    time.Duration // Lifetime of a session and of each refreshed token.
	Issuer string        // Optional iss claim.
}

// sessionClaims is the payload of a session bearer token. jti carries the
// session id; nonce keeps tokens distinct when a refresh lands in the same second.
type sessionClaims struct {
	Nonce string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// SessionService issues and validates session bearer tokens. The signature
// proves the token was minted here; the stored row decides whether it is
// still live, so revocation takes effect immediately.
type SessionService struct {
	sessions SessionStore
	users    UserStore
	config   SessionConfig
	ids      *tokens.Generator
	clock    clock.Clock
	audit    audit.Sink
	logger   *zap.Logger
	parser   *jwt.Parser
}

func NewSessionService(sessions SessionStore, users UserStore, config SessionConfig, clk clock.Clock, sink audit.Sink, logger *zap.Logger) (*SessionService, error) {
	if len(config.Secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultSessionTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessions: sessions,
		users:    users,
		config:   config,
		ids:      tokens.NewGenerator(nil),
		clock:    clock.OrSystem(clk),
		audit:    audit.OrNop(sink),
		logger:   logger.Named("sessions"),
		// Expiry is checked against the stored row and the injected clock.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// TTL returns the configured session lifetime.
func (s *SessionService) TTL() time.Duration {
	return s.config.TTL
}

// Create starts a session for userID and returns it with its bearer token.
func (s *SessionService) Create(ctx context.Context, userID uuid.UUID, meta models.ClientMeta) (*models.Session, string, error) {
	now := s.clock.Now().UTC()
	session := &models.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Client:    meta,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTL),
		UpdatedAt: now,
	}

	token, err := s.sign(session, now)
	if err != nil {
		return nil, "", err
	}
	session.Token = token

	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("storing session: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionSessionCreate,
		UserID:     userID.String(),
		EntityType: "session",
		EntityID:   session.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		CreatedAt:  now,
	})
	return session, token, nil
}

func (s *SessionService) sign(session *models.Session, now time.Time) (string, error) {
	nonce, err := s.ids.Hex(8)
	if err != nil {
		return "", err
	}
	claims := sessionClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   session.UserID.String(),
			ID:        session.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return token, nil
}

// parse checks the signature and shape of a bearer token and returns its
// session id and subject.
func (s *SessionService) parse(bearer string) (uuid.UUID, uuid.UUID, error) {
	var claims sessionClaims
	token, err := s.parser.ParseWithClaims(bearer, &claims, func(*jwt.Token) (interface{}, error) {
		return s.config.Secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, uuid.Nil, apierr.ErrInvalidToken
	}
	if s.config.Issuer != "" && claims.Issuer != s.config.Issuer {
		return uuid.Nil, uuid.Nil, apierr.ErrInvalidToken
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apierr.ErrInvalidToken
	}
	sub, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, uuid.Nil, apierr.ErrInvalidToken
	}
	return id, sub, nil
}

// Validate resolves a bearer token to its live session and user.
// Errors: ErrInvalidToken for a bad signature or format, ErrNotFound for an
// unknown or revoked session, ErrExpired past expiry.
func (s *SessionService) Validate(ctx context.Context, bearer string) (*models.Session, *models.User, error) {
	id, sub, err := s.parse(bearer)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.sessions.GetSession(ctx, id, bearer)
	if err != nil {
		return nil, nil, err
	}
	if session.UserID != sub {
		return nil, nil, apierr.ErrInvalidToken
	}

	now := s.clock.Now()
	if session.IsExpired(now) {
		return nil, nil, apierr.ErrExpired
	}

	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, apierr.ErrUserNotFound) {
			return nil, nil, apierr.ErrNotFound
		}
		return nil, nil, err
	}

	if err := s.sessions.TouchSession(ctx, session.ID, now); err != nil {
		s.logger.Warn("failed to touch session",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
	} else {
		session.UpdatedAt = now.UTC()
	}
	return session, user, nil
}

// Refresh swaps the token of a live session for a new one with a fresh expiry.
// The old token stops validating as soon as the swap commits.
func (s *SessionService) Refresh(ctx context.Context, bearer string) (*models.Session, string, error) {
	session, _, err := s.Validate(ctx, bearer)
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now().UTC()
	session.ExpiresAt = now.Add(s.config.TTL)
	token, err := s.sign(session, now)
	if err != nil {
		return nil, "", err
	}
	if err := s.sessions.RotateSessionToken(ctx, session.ID, bearer, token, session.ExpiresAt, now); err != nil {
		return nil, "", err
	}
	session.Token = token
	session.UpdatedAt = now

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionSessionRefresh,
		UserID:     session.UserID.String(),
		EntityType: "session",
		EntityID:   session.ID.String(),
		CreatedAt:  now,
	})
	return session, token, nil
}

// Revoke deletes a session. Revoking an unknown session returns ErrNotFound.
func (s *SessionService) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.revoke(ctx, session)
}

// RevokeOwned deletes a session only when it belongs to userID. A session of
// another user is reported as ErrNotFound.
func (s *SessionService) RevokeOwned(ctx context.Context, userID, sessionID uuid.UUID) error {
	session, err := s.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return apierr.ErrNotFound
	}
	return s.revoke(ctx, session)
}

func (s *SessionService) revoke(ctx context.Context, session *models.Session) error {
	deleted, err := s.sessions.DeleteSession(ctx, session.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return apierr.ErrNotFound
	}
	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionSessionRevoke,
		UserID:     session.UserID.String(),
		EntityType: "session",
		EntityID:   session.ID.String(),
		CreatedAt:  s.clock.Now(),
	})
	return nil
}

// RevokeAll deletes every session of a user and returns how many there were.
func (s *SessionService) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.sessions.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionSessionRevokeAll,
		UserID:     userID.String(),
		EntityType: "user",
		EntityID:   userID.String(),
		Metadata:   map[string]any{"count": n},
		CreatedAt:  s.clock.Now(),
	})
	return n, nil
}

// List returns the unexpired sessions of a user, most recently used first.
func (s *SessionService) List(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	return s.sessions.ListActiveSessions(ctx, userID, s.clock.Now())
}
