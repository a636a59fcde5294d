package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/victorgomez09/inkwell/internal/auth/models"
)

// RateLimitStore persists token buckets in the rate_limits table.
type RateLimitStore struct {
	d *DB
}

func (d *DB) RateLimitStore() *RateLimitStore {
	return &RateLimitStore{d: d}
}

// Update seeds the bucket when missing and runs fn inside one transaction.
// PostgreSQL locks the row with FOR UPDATE; SQLite runs on a single
// connection so transactions are already serialized.
func (s *RateLimitStore) Update(ctx context.Context, key string, seed models.RateLimitBucket, fn func(b *models.RateLimitBucket) error) error {
	d := s.d
	lock := ""
	if d.driver == DriverPostgres {
		lock = " FOR UPDATE"
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.q(`
            INSERT INTO rate_limits (bucket, tokens, last_refill, expires_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT (bucket) DO NOTHING
        `), key, seed.Tokens, d.ts(seed.LastRefill), d.ts(seed.ExpiresAt)); err != nil {
			return err
		}

		b := models.RateLimitBucket{Bucket: key}
		if err := tx.QueryRowContext(ctx, d.q(`
            SELECT tokens, last_refill, expires_at FROM rate_limits WHERE bucket = ?`+lock),
			key).Scan(&b.Tokens, &b.LastRefill, &b.ExpiresAt); err != nil {
			return err
		}
		b.LastRefill, b.ExpiresAt = b.LastRefill.UTC(), b.ExpiresAt.UTC()

		if err := fn(&b); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, d.q(`
            UPDATE rate_limits SET tokens = ?, last_refill = ?, expires_at = ? WHERE bucket = ?
        `), b.Tokens, d.ts(b.LastRefill), d.ts(b.ExpiresAt), key)
		return err
	})
}

// DeleteExpired removes buckets whose expiry lies strictly before now.
func (s *RateLimitStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.d.db.ExecContext(ctx, s.d.q(`DELETE FROM rate_limits WHERE expires_at < ?`), s.d.ts(now))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// Get returns a bucket snapshot, mainly for operators and tests.
func (s *RateLimitStore) Get(ctx context.Context, key string) (*models.RateLimitBucket, error) {
	b := models.RateLimitBucket{Bucket: key}
	err := s.d.db.QueryRowContext(ctx, s.d.q(`
        SELECT tokens, last_refill, expires_at FROM rate_limits WHERE bucket = ?
    `), key).Scan(&b.Tokens, &b.LastRefill, &b.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
