package service

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

func TestOneTimeToken_Format(t *testing.T) {
	e := newEnv(t, time.Hour)
	u := e.user(t, "alice")

	tok, err := e.tokens.IssuePasswordReset(context.Background(), u.ID, time.Hour)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 48)
	_, err = hex.DecodeString(tok.Token)
	assert.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), tok.ExpiresAt)
}

func TestOneTimeToken_RejectsNonPositiveTTL(t *testing.T) {
	e := newEnv(t, time.Hour)
	u := e.user(t, "alice")

	_, err := e.tokens.IssueEmailVerification(context.Background(), u.ID, 0)
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)
}

func TestOneTimeToken_ResetConsumedOnce(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	tok, err := e.tokens.IssuePasswordReset(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	valid, err := e.tokens.IsValid(ctx, tok.Token, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.True(t, valid)

	got, err := e.tokens.Consume(ctx, tok.Token, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	_, err = e.tokens.Consume(ctx, tok.Token, models.PurposePasswordReset)
	assert.ErrorIs(t, err, apierr.ErrAlreadyUsed)

	valid, err = e.tokens.IsValid(ctx, tok.Token, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestOneTimeToken_ConcurrentConsume(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	for _, purpose := range []models.TokenPurpose{models.PurposePasswordReset, models.PurposeEmailVerification} {
		t.Run(string(purpose), func(t *testing.T) {
			var tok *models.OneTimeToken
			var err error
			if purpose == models.PurposePasswordReset {
				tok, err = e.tokens.IssuePasswordReset(ctx, u.ID, time.Hour)
			} else {
				tok, err = e.tokens.IssueEmailVerification(ctx, u.ID, time.Hour)
			}
			require.NoError(t, err)

			const callers = 20
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
				errs []error
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.tokens.Consume(ctx, tok.Token, purpose)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else {
						errs = append(errs, err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			for _, err := range errs {
				assert.True(t, errors.Is(err, apierr.ErrAlreadyUsed) || errors.Is(err, apierr.ErrNotFound),
					"unexpected error %v", err)
			}
		})
	}
}

func TestOneTimeToken_Expired(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	reset, err := e.tokens.IssuePasswordReset(ctx, u.ID, time.Minute)
	require.NoError(t, err)
	verify, err := e.tokens.IssueEmailVerification(ctx, u.ID, time.Minute)
	require.NoError(t, err)

	e.clock.Advance(time.Minute)

	_, err = e.tokens.Consume(ctx, reset.Token, models.PurposePasswordReset)
	assert.ErrorIs(t, err, apierr.ErrExpired)
	_, err = e.tokens.Consume(ctx, verify.Token, models.PurposeEmailVerification)
	assert.ErrorIs(t, err, apierr.ErrExpired)
	_, err = e.tokens.Peek(ctx, reset.Token, models.PurposePasswordReset)
	assert.ErrorIs(t, err, apierr.ErrExpired)
}

func TestOneTimeToken_UnknownAndWrongPurpose(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	tok, err := e.tokens.IssueEmailVerification(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	_, err = e.tokens.Consume(ctx, "deadbeef", models.PurposeEmailVerification)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = e.tokens.Consume(ctx, tok.Token, models.PurposePasswordReset)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = e.tokens.Consume(ctx, tok.Token, "invite")
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)

	valid, err := e.tokens.IsValid(ctx, "deadbeef", models.PurposePasswordReset)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestOneTimeToken_NewResetRetiresOld(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	first, err := e.tokens.IssuePasswordReset(ctx, u.ID, time.Hour)
	require.NoError(t, err)
	second, err := e.tokens.IssuePasswordReset(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	_, err = e.tokens.Consume(ctx, first.Token, models.PurposePasswordReset)
	assert.ErrorIs(t, err, apierr.ErrAlreadyUsed)
	_, err = e.tokens.Consume(ctx, second.Token, models.PurposePasswordReset)
	assert.NoError(t, err)
}

// sweepingStore purges used tokens right after marking one, the way the
// maintenance janitor can between two statements.
type sweepingStore struct {
	*database.DB
}

func (s sweepingStore) MarkOneTimeTokenUsed(ctx context.Context, token string, purpose models.TokenPurpose, now time.Time) (bool, error) {
	won, err := s.DB.MarkOneTimeTokenUsed(ctx, token, purpose, now)
	if err != nil {
		return won, err
	}
	_, err = s.DB.DeleteStaleOneTimeTokens(ctx, now)
	return won, err
}

func TestOneTimeToken_ConsumeSurvivesConcurrentSweep(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")
	tokens := NewOneTimeTokenService(sweepingStore{e.db}, nil, e.clock, nil)

	reset, err := tokens.IssuePasswordReset(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	got, err := tokens.Consume(ctx, reset.Token, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)
	assert.True(t, got.Used)

	_, err = tokens.Consume(ctx, reset.Token, models.PurposePasswordReset)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}
