// Package maintenance periodically purges expired authentication state.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/secrets"
	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Minute

// Store is the part of the database the janitor sweeps.
type Store interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteStaleOneTimeTokens(ctx context.Context, now time.Time) (int64, error)
}

// BucketCleaner drops idle rate limit buckets.
type BucketCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// RotationReporter lists secrets older than the rotation age.
type RotationReporter interface {
	Due(ctx context.Context, maxAgeDays int) ([]secrets.Metadata, error)
}

type Config struct {
	Interval         time.Duration
	SecretMaxAgeDays int // Zero disables the rotation report.
}

// Report counts what one sweep removed.
type Report struct {
	Sessions    int64
	Tokens      int64
	Buckets     int64
	SecretsDue  []string
	CompletedAt time.Time
}

type Janitor struct {
	store   Store
	buckets BucketCleaner
	secrets RotationReporter
	config  Config
	clock   clock.Clock
	logger  *zap.Logger
}

// NewJanitor builds a janitor. buckets and reporter may be nil.
func NewJanitor(store Store, buckets BucketCleaner, reporter RotationReporter, cfg Config, clk clock.Clock, logger *zap.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		store:   store,
		buckets: buckets,
		secrets: reporter,
		config:  cfg,
		clock:   clock.OrSystem(clk),
		logger:  logger.Named("maintenance"),
	}
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("maintenance sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep. A failing step does not stop the others;
// their errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	now := j.clock.Now()
	rep := Report{CompletedAt: now}
	var errs []error

	n, err := j.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	rep.Sessions = n

	n, err = j.store.DeleteStaleOneTimeTokens(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	rep.Tokens = n

	if j.buckets != nil {
		n, err = j.buckets.Cleanup(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		rep.Buckets = n
	}

	if j.secrets != nil && j.config.SecretMaxAgeDays > 0 {
		due, err := j.secrets.Due(ctx, j.config.SecretMaxAgeDays)
		if err != nil {
			errs = append(errs, err)
		}
		for _, m := range due {
			rep.SecretsDue = append(rep.SecretsDue, m.Name)
		}
		if len(rep.SecretsDue) > 0 {
			j.logger.Warn("secrets due for rotation",
				zap.Strings("secrets", rep.SecretsDue),
				zap.Int("max_age_days", j.config.SecretMaxAgeDays))
		}
	}

	j.logger.Debug("maintenance sweep done",
		zap.Int64("sessions", rep.Sessions),
		zap.Int64("tokens", rep.Tokens),
		zap.Int64("buckets", rep.Buckets))
	return rep, errors.Join(errs...)
}
