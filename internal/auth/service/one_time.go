package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/tokens"
	"go.uber.org/zap"
)

// oneTimeTokenBytes gives 48 hex characters per token.
const oneTimeTokenBytes = 24

// OneTimeTokenService issues and consumes password reset and email
// verification tokens.
type OneTimeTokenService struct {
	store  OneTimeTokenStore
	gen    *tokens.Generator
	clock  clock.Clock
	logger *zap.Logger
}

func NewOneTimeTokenService(store OneTimeTokenStore, gen *tokens.Generator, clk clock.Clock, logger *zap.Logger) *OneTimeTokenService {
	if gen == nil {
		gen = tokens.NewGenerator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OneTimeTokenService{
		store:  store,
		gen:    gen,
		clock:  clock.OrSystem(clk),
		logger: logger.Named("one_time_tokens"),
	}
}

// IssuePasswordReset creates a reset token and retires any earlier unused ones.
func (s *OneTimeTokenService) IssuePasswordReset(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*models.OneTimeToken, error) {
	if n, err := s.store.InvalidateUserTokens(ctx, userID, models.PurposePasswordReset); err != nil {
		return nil, fmt.Errorf("retiring reset tokens: %w", err)
	} else if n > 0 {
		s.logger.Debug("retired earlier reset tokens",
			zap.String("user_id", userID.String()),
			zap.Int64("count", n))
	}
	return s.issue(ctx, userID, models.PurposePasswordReset, ttl)
}

func (s *OneTimeTokenService) IssueEmailVerification(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*models.OneTimeToken, error) {
	return s.issue(ctx, userID, models.PurposeEmailVerification, ttl)
}

func (s *OneTimeTokenService) issue(ctx context.Context, userID uuid.UUID, purpose models.TokenPurpose, ttl time.Duration) (*models.OneTimeToken, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: token lifetime must be positive", apierr.ErrInvalidInput)
	}
	value, err := s.gen.Hex(oneTimeTokenBytes)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	t := &models.OneTimeToken{
		Token:     value,
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.CreateOneTimeToken(ctx, t); err != nil {
		return nil, fmt.Errorf("storing %s token: %w", purpose, err)
	}
	return t, nil
}

// IsValid reports whether the token exists, is unexpired and, for password
// resets, unused. It does not consume the token.
func (s *OneTimeTokenService) IsValid(ctx context.Context, token string, purpose models.TokenPurpose) (bool, error) {
	t, err := s.store.GetOneTimeToken(ctx, token, purpose)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return t.IsValid(s.clock.Now()), nil
}

// Peek returns a token that could still be consumed, without consuming it.
// Errors match Consume.
func (s *OneTimeTokenService) Peek(ctx context.Context, token string, purpose models.TokenPurpose) (*models.OneTimeToken, error) {
	t, err := s.store.GetOneTimeToken(ctx, token, purpose)
	if err != nil {
		return nil, err
	}
	switch {
	case t.IsValid(s.clock.Now()):
		return t, nil
	case t.Used && purpose == models.PurposePasswordReset:
		return nil, apierr.ErrAlreadyUsed
	default:
		return nil, apierr.ErrExpired
	}
}

// Consume redeems a token exactly once. Password reset tokens are marked used;
// verification tokens are deleted. Concurrent callers race on a single
// conditional statement, so only one of them succeeds.
func (s *OneTimeTokenService) Consume(ctx context.Context, token string, purpose models.TokenPurpose) (*models.OneTimeToken, error) {
	switch purpose {
	case models.PurposePasswordReset:
		return s.consumeReset(ctx, token)
	case models.PurposeEmailVerification:
		return s.consumeVerification(ctx, token)
	default:
		return nil, fmt.Errorf("%w: unknown token purpose %q", apierr.ErrInvalidInput, purpose)
	}
}

func (s *OneTimeTokenService) consumeReset(ctx context.Context, token string) (*models.OneTimeToken, error) {
	t, err := s.store.GetOneTimeToken(ctx, token, models.PurposePasswordReset)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	won, err := s.store.MarkOneTimeTokenUsed(ctx, token, models.PurposePasswordReset, now)
	if err != nil {
		return nil, err
	}
	if won {
		t.Used = true
		return t, nil
	}

	if !t.Used && !now.Before(t.ExpiresAt) {
		return nil, apierr.ErrExpired
	}
	return nil, apierr.ErrAlreadyUsed
}

func (s *OneTimeTokenService) consumeVerification(ctx context.Context, token string) (*models.OneTimeToken, error) {
	t, err := s.store.GetOneTimeToken(ctx, token, models.PurposeEmailVerification)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !t.IsValid(now) {
		return nil, apierr.ErrExpired
	}

	won, err := s.store.DeleteOneTimeToken(ctx, token, models.PurposeEmailVerification, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apierr.ErrAlreadyUsed
	}
	return t, nil
}
