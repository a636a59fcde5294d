package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorgomez09/inkwell/internal/audit"
	"github.com/victorgomez09/inkwell/internal/audit/audittest"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *MemoryStore, *clock.Manual) {
	t.Helper()
	store := NewMemoryStore()
	clk := clock.NewManual(t0)
	l, err := NewLimiter(store, Config{}, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return l, store, clk
}

func TestLimiter_LoginBurstThenRefill(t *testing.T) {
	l, _, clk := newTestLimiter(t)
	ctx := context.Background()
	key := Key("login", "203.0.113.7")

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, key, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
		assert.InDelta(t, float64(9-i), res.Remaining, 1e-9)
	}

	res, err := l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 10*time.Second, res.RetryAfter)
	assert.Equal(t, 10*time.Second, res.ResetIn)
	assert.Equal(t, time.Second, res.AvailableIn)

	clk.Advance(time.Second)
	res, err = l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0, res.Remaining, 1e-9)
}

func TestLimiter_FractionalRate(t *testing.T) {
	l, _, clk := newTestLimiter(t)
	ctx := context.Background()
	key := Key("email", "user-1")

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, key, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 25*time.Second, res.RetryAfter)

	clk.Advance(4 * time.Second)
	res, err = l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "0.8 tokens after 4s")

	clk.Advance(time.Second)
	res, err = l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_TokensStayWithinBounds(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()
	key := Key("api", "k")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		clk.Advance(time.Duration(rng.Intn(300)) * time.Millisecond)
		_, err := l.Check(ctx, key, float64(rng.Intn(15)))
		require.NoError(t, err)

		b, ok := store.Get(key.String())
		require.True(t, ok)
		require.GreaterOrEqual(t, b.Tokens, 0.0)
		require.LessOrEqual(t, b.Tokens, 100.0)
	}
}

func TestLimiter_ClockGoingBackwardsGrantsNothing(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()
	key := Key("login", "x")

	for i := 0; i < 10; i++ {
		_, err := l.Check(ctx, key, 1)
		require.NoError(t, err)
	}
	clk.Set(t0.Add(-time.Minute))
	res, err := l.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	b, _ := store.Get(key.String())
	assert.Equal(t, t0, b.LastRefill)
}

func TestLimiter_ZeroCostNeverDebits(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	res, err := l.Check(context.Background(), Key("login", "x"), 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 10.0, res.Remaining)
	assert.Zero(t, res.ResetIn)
}

func TestLimiter_RejectsBadInput(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Check(ctx, Key("nope", "x"), 1)
	assert.ErrorIs(t, err, ErrUnknownScope)

	_, err = l.Check(ctx, Key("login", "x"), -1)
	assert.ErrorIs(t, err, ErrInvalidCost)

	_, err = NewLimiter(NewMemoryStore(), Config{Scopes: map[string]Scope{"bad": {Rate: 0, Capacity: 5}}})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestLimiter_AllowReturnsRateLimitedError(t *testing.T) {
	rec := &audittest.Recorder{}
	l, _, _ := newTestLimiter(t, WithAudit(rec))
	ctx := context.Background()
	key := Key("login", "198.51.100.1")

	for i := 0; i < 10; i++ {
		_, err := l.Allow(ctx, key, 1)
		require.NoError(t, err)
	}
	_, err := l.Allow(ctx, key, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrRateLimited)

	var rl *apierr.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 10*time.Second, rl.RetryAfter)
	assert.Equal(t, "login:198.51.100.1", rl.Bucket)

	denies := rec.Matching(audit.ActionRateLimitDeny)
	require.Len(t, denies, 1)
	assert.Equal(t, "login:198.51.100.1", denies[0].EntityID)
}

func TestLimiter_ConcurrentRequestsOnOneBucket(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	key := Key("login", "shared")

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, key, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestLimiter_IdleBucketsAreCollected(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Check(ctx, Key("login", "a"), 1)
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	_, err = l.Check(ctx, Key("login", "b"), 1)
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())

	_, ok := store.Get("login:b")
	assert.True(t, ok)
}

func TestLimiter_BucketSurvivesUntilPastExpiry(t *testing.T) {
	l, store, clk := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Check(ctx, Key("login", "a"), 1)
	require.NoError(t, err)

	clk.Advance(DefaultIdleTTL)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.Len())

	clk.Advance(time.Nanosecond)
	n, err = l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, store.Len())
}

func TestMemoryStore_FailedUpdateWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	seed := models.RateLimitBucket{Bucket: "k", Tokens: 5, ExpiresAt: t0.Add(time.Hour)}
	boom := errors.New("boom")

	err := s.Update(context.Background(), "k", seed, func(b *models.RateLimitBucket) error {
		b.Tokens = 0
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 5.0, b.Tokens)
}

func TestResult_Headers(t *testing.T) {
	denied := Result{Allowed: false, Remaining: 0.4, Limit: 10, ResetIn: 10 * time.Second, RetryAfter: 10 * time.Second}
	h := denied.Headers()
	assert.Equal(t, "10", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "10", h.Get("X-RateLimit-Reset"))
	assert.Equal(t, "10", h.Get("Retry-After"))

	ok := Result{Allowed: true, Remaining: 9, Limit: 10, ResetIn: time.Second}
	assert.Empty(t, ok.Headers().Get("Retry-After"))
}
