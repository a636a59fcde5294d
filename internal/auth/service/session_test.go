package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

func TestNewSessionService_ShortSecret(t *testing.T) {
	_, err := NewSessionService(nil, nil, SessionConfig{Secret: []byte("short")}, nil, nil, nil)
	assert.Error(t, err)
}

func TestSession_CreateAndValidate(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	meta := models.ClientMeta{UserAgent: "test-agent", IP: "10.0.0.1"}
	session, token, err := e.sessions.Create(ctx, u.ID, meta)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), session.ExpiresAt)
	assert.NotEmpty(t, token)

	e.clock.Advance(time.Minute)
	got, user, err := e.sessions.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, meta, got.Client)
	assert.Equal(t, u.ID, user.ID)
	assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)

	created := e.audit.Matching(audit.ActionSessionCreate)
	require.Len(t, created, 1)
	assert.Equal(t, session.ID.String(), created[0].EntityID)
	assert.Equal(t, "10.0.0.1", created[0].IP)
}

func TestSession_ExpiresAfterTTL(t *testing.T) {
	e := newEnv(t, time.Second)
	ctx := context.Background()
	u := e.user(t, "alice")

	_, token, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
	require.NoError(t, err)

	_, _, err = e.sessions.Validate(ctx, token)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Second)
	_, _, err = e.sessions.Validate(ctx, token)
	assert.ErrorIs(t, err, apierr.ErrExpired)
}

func TestSession_InvalidTokens(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")
	session, _, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Issuer:    "inkwell",
		Subject:   u.ID.String(),
		ID:        session.ID.String(),
		ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("another-secret-another-secret-xx"))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	wrongIssuer := claims
	wrongIssuer.Issuer = "elsewhere"
	otherIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wrongIssuer).SignedString(testSecret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": forged,
		"alg none":     unsigned,
		"wrong issuer": otherIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := e.sessions.Validate(ctx, token)
			assert.ErrorIs(t, err, apierr.ErrInvalidToken)
		})
	}
}

func TestSession_ValidSignatureUnknownSession(t *testing.T) {
	e := newEnv(t, time.Hour)
	u := e.user(t, "alice")

	claims := jwt.RegisteredClaims{
		Issuer:  "inkwell",
		Subject: u.ID.String(),
		ID:      uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, _, err = e.sessions.Validate(context.Background(), token)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestSession_Revoke(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	session, token, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
	require.NoError(t, err)
	require.NoError(t, e.sessions.Revoke(ctx, session.ID))

	_, _, err = e.sessions.Validate(ctx, token)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	assert.ErrorIs(t, e.sessions.Revoke(ctx, session.ID), apierr.ErrNotFound)
	assert.Len(t, e.audit.Matching(audit.ActionSessionRevoke), 1)
}

func TestSession_RevokeOwned(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	alice := e.user(t, "alice")
	bob := e.user(t, "bobby")

	session, _, err := e.sessions.Create(ctx, alice.ID, models.ClientMeta{})
	require.NoError(t, err)

	assert.ErrorIs(t, e.sessions.RevokeOwned(ctx, bob.ID, session.ID), apierr.ErrNotFound)
	assert.NoError(t, e.sessions.RevokeOwned(ctx, alice.ID, session.ID))
}

func TestSession_RevokeAllAndList(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	var tokens []string
	for i := 0; i < 3; i++ {
		_, token, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	active, err := e.sessions.List(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	n, err := e.sessions.RevokeAll(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, token := range tokens {
		_, _, err := e.sessions.Validate(ctx, token)
		assert.ErrorIs(t, err, apierr.ErrNotFound)
	}
	active, err = e.sessions.List(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSession_ListSkipsExpired(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	_, _, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
	require.NoError(t, err)
	e.clock.Advance(2 * time.Hour)

	active, err := e.sessions.List(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSession_Refresh(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	u := e.user(t, "alice")

	session, oldToken, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
	require.NoError(t, err)

	e.clock.Advance(30 * time.Minute)
	refreshed, newToken, err := e.sessions.Refresh(ctx, oldToken)
	require.NoError(t, err)
	assert.Equal(t, session.ID, refreshed.ID)
	assert.NotEqual(t, oldToken, newToken)
	assert.Equal(t, t0.Add(90*time.Minute), refreshed.ExpiresAt)

	_, _, err = e.sessions.Validate(ctx, oldToken)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	// The refreshed expiry outlives the original one.
	e.clock.Advance(45 * time.Minute)
	_, _, err = e.sessions.Validate(ctx, newToken)
	assert.NoError(t, err)

	_, _, err = e.sessions.Refresh(ctx, oldToken)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestSession_RefreshExpired(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	u := e.user(t, "alice")

	_, token, err := e.sessions.Create(ctx, u.ID, models.ClientMeta{})
	require.NoError(t, err)
	e.clock.Advance(time.Hour)

	_, _, err = e.sessions.Refresh(ctx, token)
	assert.ErrorIs(t, err, apierr.ErrExpired)
}
