package database

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/ratelimit"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "inkwell.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testUser(t *testing.T, db *DB, username string) *models.User {
	t.Helper()
	u := &models.User{
		ID:                uuid.New(),
		Username:          username,
		Email:             username + "@example.com",
		Password:          "$2a$10$hash",
		Role:              models.RoleWriter,
		CreatedAt:         t0,
		UpdatedAt:         t0,
		PasswordChangedAt: t0,
	}
	require.NoError(t, db.CreateUser(context.Background(), u))
	return u
}

func TestQ_RebindsForPostgres(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.q("SELECT 1 WHERE a = ? AND b = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.q("SELECT ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

func TestUsers(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "ada")

	got, err := db.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, models.RoleWriter, got.Role)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Nil(t, got.LockedUntil)

	_, err = db.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)

	_, err = db.GetUserByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apierr.ErrUserNotFound)

	dup := *u
	dup.ID = uuid.New()
	assert.ErrorIs(t, db.CreateUser(ctx, &dup), apierr.ErrUsernameTaken)

	lock := t0.Add(time.Hour)
	got.FailedAttempts = 5
	got.LockedUntil = &lock
	require.NoError(t, db.UpdateUserLogin(ctx, got))
	got, err = db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.FailedAttempts)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.IsLocked(t0))

	got.Password = "$2a$10$new"
	got.PasswordChangedAt = t0.Add(time.Minute)
	require.NoError(t, db.UpdateUserPassword(ctx, got))
	got, err = db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	assert.False(t, got.IsLocked(t0))

	require.NoError(t, db.SetEmailVerified(ctx, u.ID, t0))
	got, err = db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)

	users, err := db.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestRecordFailedLogin(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "hedy")
	lockUntil := t0.Add(15 * time.Minute)

	var locks atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locked, err := db.RecordFailedLogin(ctx, u.ID, 4, lockUntil, t0)
			if err == nil && locked {
				locks.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), locks.Load())

	got, err := db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.LockedUntil.Equal(lockUntil))

	_, err = db.RecordFailedLogin(ctx, uuid.New(), 4, lockUntil, t0)
	assert.ErrorIs(t, err, apierr.ErrUserNotFound)
}

func TestPasswordHistory(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "grace")

	for i, h := range []string{"h1", "h2", "h3", "h4"} {
		require.NoError(t, db.AddPasswordToHistory(ctx, u.ID, h, t0.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, db.CleanupOldPasswords(ctx, u.ID, 2))

	hashes, err := db.GetPasswordHistory(ctx, u.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"h4", "h3"}, hashes)
}

func TestSessions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "linus")

	s := &models.Session{
		ID:        uuid.New(),
		UserID:    u.ID,
		Token:     "tok-1",
		Client:    models.ClientMeta{UserAgent: "curl/8", IP: "192.0.2.1"},
		CreatedAt: t0,
		ExpiresAt: t0.Add(time.Hour),
		UpdatedAt: t0,
	}
	require.NoError(t, db.CreateSession(ctx, s))

	got, err := db.GetSession(ctx, s.ID, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", got.Client.IP)
	assert.Equal(t, t0.Add(time.Hour), got.ExpiresAt)

	_, err = db.GetSession(ctx, s.ID, "tok-other")
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, db.RotateSessionToken(ctx, s.ID, "tok-1", "tok-2", t0.Add(2*time.Hour), t0.Add(time.Minute)))
	assert.ErrorIs(t, db.RotateSessionToken(ctx, s.ID, "tok-1", "tok-3", t0.Add(2*time.Hour), t0.Add(time.Minute)), apierr.ErrNotFound)

	require.NoError(t, db.TouchSession(ctx, s.ID, t0.Add(5*time.Minute)))
	got, err = db.GetSession(ctx, s.ID, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), got.UpdatedAt)

	expired := &models.Session{ID: uuid.New(), UserID: u.ID, Token: "tok-old", CreatedAt: t0, ExpiresAt: t0.Add(time.Second), UpdatedAt: t0}
	require.NoError(t, db.CreateSession(ctx, expired))

	active, err := db.ListActiveSessions(ctx, u.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s.ID, active[0].ID)

	n, err := db.DeleteExpiredSessions(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := db.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOneTimeToken_MarkUsedOnlyOnce(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "margaret")

	tok := &models.OneTimeToken{Token: "reset-abc", UserID: u.ID, Purpose: models.PurposePasswordReset, ExpiresAt: t0.Add(time.Hour), CreatedAt: t0}
	require.NoError(t, db.CreateOneTimeToken(ctx, tok))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.MarkOneTimeTokenUsed(ctx, "reset-abc", models.PurposePasswordReset, t0)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := db.GetOneTimeToken(ctx, "reset-abc", models.PurposePasswordReset)
	require.NoError(t, err)
	assert.True(t, got.Used)

	_, err = db.GetOneTimeToken(ctx, "reset-abc", models.PurposeEmailVerification)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestOneTimeToken_ExpiredIsNotMarked(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "barbara")

	require.NoError(t, db.CreateOneTimeToken(ctx, &models.OneTimeToken{
		Token: "verify-1", UserID: u.ID, Purpose: models.PurposeEmailVerification,
		ExpiresAt: t0.Add(time.Minute), CreatedAt: t0,
	}))

	ok, err := db.DeleteOneTimeToken(ctx, "verify-1", models.PurposeEmailVerification, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.DeleteStaleOneTimeTokens(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAPIKeys(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	u := testUser(t, db, "ken")

	past := t0.Add(-time.Minute)
	live := &models.APIKey{KeyHash: "h-live", Prefix: "ink_live", UserID: u.ID, Name: "ci", Scopes: []string{"read", "write"}, CreatedAt: t0}
	dead := &models.APIKey{KeyHash: "h-dead", Prefix: "ink_dead", UserID: u.ID, Name: "old", Scopes: []string{"read"}, ExpiresAt: &past, CreatedAt: t0.Add(-time.Hour)}
	require.NoError(t, db.CreateAPIKey(ctx, live))
	require.NoError(t, db.CreateAPIKey(ctx, dead))

	got, err := db.GetAPIKeyByHash(ctx, "h-live")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.Nil(t, got.ExpiresAt)

	keys, err := db.ListAPIKeys(ctx, u.ID, false, t0)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ci", keys[0].Name)

	keys, err = db.ListAPIKeys(ctx, u.ID, true, t0)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, db.TouchAPIKey(ctx, "h-live", t0.Add(time.Second)))
	got, err = db.GetAPIKeyByHash(ctx, "h-live")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, t0.Add(time.Second), *got.LastUsedAt)

	ok, err := db.DeleteAPIKey(ctx, "h-live")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.DeleteAPIKey(ctx, "h-live")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = db.GetAPIKeyByHash(ctx, "h-live")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestRateLimitStore_BackingALimiter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	clk := clock.NewManual(t0)
	store := db.RateLimitStore()

	l, err := ratelimit.NewLimiter(store, ratelimit.Config{}, ratelimit.WithClock(clk))
	require.NoError(t, err)
	key := ratelimit.Key("login", "203.0.113.5")

	res, err := l.Check(ctx, key, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 10*time.Second, res.RetryAfter)

	clk.Advance(10 * time.Second)
	res, err = l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	b, err := store.Get(ctx, key.String())
	require.NoError(t, err)
	assert.InDelta(t, 9, b.Tokens, 1e-9)
	assert.Equal(t, clk.Now().Add(ratelimit.DefaultIdleTTL), b.ExpiresAt.UTC())

	clk.Advance(2 * time.Hour)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRateLimitStore_ConcurrentChecks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	l, err := ratelimit.NewLimiter(db.RateLimitStore(), ratelimit.Config{}, ratelimit.WithClock(clock.NewManual(t0)))
	require.NoError(t, err)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, ratelimit.Key("login", "shared"), 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestRateLimitStore_DeleteExpiredIsStrict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	store := db.RateLimitStore()
	expiry := t0.Add(time.Hour)

	seed := models.RateLimitBucket{Tokens: 3, LastRefill: t0, ExpiresAt: expiry}
	require.NoError(t, store.Update(ctx, "login:edge", seed, func(*models.RateLimitBucket) error { return nil }))

	n, err := store.DeleteExpired(ctx, expiry)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteExpired(ctx, expiry.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFeatureFlags(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := &models.FeatureFlag{Name: "new-editor", Enabled: true, RolloutPercentage: 30, TargetUsers: []string{"u1"}, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, db.UpsertFlag(ctx, f))

	f.RolloutPercentage = 50
	f.CreatedAt = t0.Add(time.Hour)
	f.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, db.UpsertFlag(ctx, f))

	got, err := db.GetFlag(ctx, "new-editor")
	require.NoError(t, err)
	assert.Equal(t, 50, got.RolloutPercentage)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, []string{"u1"}, got.TargetUsers)

	flags, err := db.ListFlags(ctx)
	require.NoError(t, err)
	assert.Len(t, flags, 1)

	ok, err := db.DeleteFlag(ctx, "new-editor")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = db.GetFlag(ctx, "new-editor")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestSecrets(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := &models.EncryptedSecret{ID: uuid.New(), Name: "smtp_password", CurrentValue: []byte{1, 2, 3}, EncryptionKeyID: "k1", RotatedAt: t0, CreatedAt: t0}
	require.NoError(t, db.CreateSecret(ctx, s))

	dup := *s
	dup.ID = uuid.New()
	assert.ErrorIs(t, db.CreateSecret(ctx, &dup), apierr.ErrAlreadyExists)

	got, err := db.GetSecretByName(ctx, "smtp_password")
	require.NoError(t, err)
	assert.Empty(t, got.PreviousValue)
	assert.Empty(t, got.PreviousKeyID)

	read := got.RotatedAt
	got.PreviousValue, got.PreviousKeyID = got.CurrentValue, got.EncryptionKeyID
	got.CurrentValue, got.EncryptionKeyID = []byte{4, 5}, "k2"
	got.RotatedAt = t0.Add(time.Hour)
	require.NoError(t, db.UpdateSecretRotation(ctx, got, read))

	// A second writer holding the stale rotated_at loses.
	assert.ErrorIs(t, db.UpdateSecretRotation(ctx, got, read), apierr.ErrConflict)

	got, err = db.GetSecretByName(ctx, "smtp_password")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.PreviousValue)
	assert.Equal(t, "k1", got.PreviousKeyID)
	assert.Equal(t, "k2", got.EncryptionKeyID)

	all, err := db.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAuditLogs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, action := range []string{"session.create", "session.revoke", "api_key.issue"} {
		require.NoError(t, db.CreateAuditLog(ctx, &models.AuditLog{
			UserID: "u1", Action: action, EntityType: "x", EntityID: "1",
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := db.ListAuditLogs(ctx, AuditFilter{Action: "session.*"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "session.revoke", logs[0].Action)

	logs, err = db.ListAuditLogs(ctx, AuditFilter{Action: "api_key.issue", UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	logs, err = db.ListAuditLogs(ctx, AuditFilter{Since: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}
