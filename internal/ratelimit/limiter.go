// Package ratelimit implements a persisted token-bucket limiter keyed by
// scope and identifier. Refill is lazy: bucket state is only brought forward
// when a request touches it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"go.uber.org/zap"
)

var (
	ErrUnknownScope = errors.New("unknown rate limit scope")
	ErrInvalidCost  = errors.New("rate limit cost must be a non-negative number")
	ErrInvalidScope = errors.New("rate limit scope needs a positive rate and capacity")
)

// Scope is the refill rate (tokens per second) and burst capacity shared by
// every bucket under one scope name.
type Scope struct {
	Rate     float64 `yaml:"rate"`
	Capacity float64 `yaml:"capacity"`
}

func (s Scope) validate() error {
	if !(s.Rate > 0) || !(s.Capacity > 0) || math.IsInf(s.Rate, 0) || math.IsInf(s.Capacity, 0) {
		return ErrInvalidScope
	}
	return nil
}

// DefaultScopes are the presets used when configuration does not override them.
func DefaultScopes() map[string]Scope {
	return map[string]Scope{
		"login": {Rate: 1, Capacity: 10},
		"api":   {Rate: 10, Capacity: 100},
		"email": {Rate: 0.2, Capacity: 5},
	}
}

// DefaultIdleTTL is how long an untouched bucket is kept before it becomes
// eligible for garbage collection.
const DefaultIdleTTL = time.Hour

// BucketKey identifies one bucket. The identifier is typically a user id or
// a client IP address.
type BucketKey struct {
	Scope      string
	Identifier string
}

func Key(scope, identifier string) BucketKey {
	return BucketKey{Scope: scope, Identifier: identifier}
}

func (k BucketKey) String() string {
	return k.Scope + ":" + k.Identifier
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Remaining float64
	Limit     float64
	// ResetIn is the time until the bucket is full again.
	ResetIn time.Duration
	// RetryAfter is set on denial and equals ResetIn.
	RetryAfter time.Duration
	// AvailableIn is the time until the requested cost could be afforded.
	// Zero when the request was allowed.
	AvailableIn time.Duration
}

// Headers renders the conventional rate limit response headers.
func (r Result) Headers() http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.FormatFloat(r.Limit, 'f', -1, 64))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(r.Remaining)), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(r.ResetIn/time.Second), 10))
	if !r.Allowed {
		h.Set("Retry-After", strconv.FormatInt(int64(r.RetryAfter/time.Second), 10))
	}
	return h
}

// Store persists bucket state. Update must run fn as an atomic
// read-modify-write for key: concurrent updates of the same key are
// serialized and none is lost. A missing bucket is initialised from seed.
// When fn returns an error nothing is written.
type Store interface {
	Update(ctx context.Context, key string, seed models.RateLimitBucket, fn func(b *models.RateLimitBucket) error) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	Scopes  map[string]Scope `yaml:"scopes"`   // Per-scope rate and capacity.
	IdleTTL time.Duration    `yaml:"idle_ttl"` // Sliding expiry of untouched buckets.
}

type Limiter struct {
	store   Store
	scopes  map[string]Scope
	idleTTL time.Duration
	clock   clock.Clock
	audit   audit.Sink
	logger  *zap.Logger
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option { return func(l *Limiter) { l.clock = c } }

func WithAudit(s audit.Sink) Option { return func(l *Limiter) { l.audit = s } }

func WithLogger(logger *zap.Logger) Option { return func(l *Limiter) { l.logger = logger } }

// NewLimiter validates every configured scope. Missing scopes fall back to
// DefaultScopes only when cfg.Scopes is nil.
func NewLimiter(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	scopes := cfg.Scopes
	if scopes == nil {
		scopes = DefaultScopes()
	}
	for name, s := range scopes {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("scope %q: %w", name, err)
		}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}

	l := &Limiter{
		store:   store,
		scopes:  scopes,
		idleTTL: cfg.IdleTTL,
		clock:   clock.System{},
		audit:   audit.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.OrSystem(l.clock)
	l.audit = audit.OrNop(l.audit)
	return l, nil
}

// Scope returns the configuration of a scope.
func (l *Limiter) Scope(name string) (Scope, bool) {
	s, ok := l.scopes[name]
	return s, ok
}

// Check refills the bucket, debits cost when affordable and reports the
// outcome. A denial is not an error.
func (l *Limiter) Check(ctx context.Context, key BucketKey, cost float64) (Result, error) {
	scope, ok := l.scopes[key.Scope]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownScope, key.Scope)
	}
	if math.IsNaN(cost) || cost < 0 {
		return Result{}, ErrInvalidCost
	}

	now := l.clock.Now()
	bucket := key.String()
	seed := models.RateLimitBucket{
		Bucket:     bucket,
		Tokens:     scope.Capacity,
		LastRefill: now,
		ExpiresAt:  now.Add(l.idleTTL),
	}

	var res Result
	err := l.store.Update(ctx, bucket, seed, func(b *models.RateLimitBucket) error {
		res = take(b, scope, now, cost)
		b.ExpiresAt = now.Add(l.idleTTL)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", bucket, err)
	}
	return res, nil
}

// Allow is Check with denial reported as *apierr.RateLimitedError. Denials
// are audited.
func (l *Limiter) Allow(ctx context.Context, key BucketKey, cost float64) (Result, error) {
	res, err := l.Check(ctx, key, cost)
	if err != nil {
		return res, err
	}
	if res.Allowed {
		return res, nil
	}

	l.logger.Debug("rate limited",
		zap.String("bucket", key.String()),
		zap.Float64("cost", cost),
		zap.Duration("retry_after", res.RetryAfter))
	l.audit.Record(ctx, audit.Event{
		Action:     audit.ActionRateLimitDeny,
		EntityType: "rate_limit",
		EntityID:   key.String(),
		Metadata:   map[string]any{"scope": key.Scope, "cost": cost},
		CreatedAt:  l.clock.Now(),
	})
	return res, &apierr.RateLimitedError{Bucket: key.String(), RetryAfter: res.RetryAfter}
}

// Cleanup removes buckets that have been idle past their expiry.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	return l.store.DeleteExpired(ctx, l.clock.Now())
}

// take applies one refill-and-debit step to b at now.
func take(b *models.RateLimitBucket, s Scope, now time.Time, cost float64) Result {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens += elapsed * s.Rate
		b.LastRefill = now
	}
	b.Tokens = math.Max(0, math.Min(s.Capacity, b.Tokens))

	res := Result{Limit: s.Capacity}
	if b.Tokens >= cost {
		b.Tokens -= cost
		res.Allowed = true
	} else {
		res.AvailableIn = secondsCeil((cost - b.Tokens) / s.Rate)
	}

	res.Remaining = b.Tokens
	res.ResetIn = secondsCeil((s.Capacity - b.Tokens) / s.Rate)
	if !res.Allowed {
		res.RetryAfter = res.ResetIn
	}
	return res
}

func secondsCeil(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s)) * time.Second
}
