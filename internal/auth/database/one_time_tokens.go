package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

func (d *DB) CreateOneTimeToken(ctx context.Context, t *models.OneTimeToken) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        INSERT INTO one_time_tokens (token, user_id, purpose, expires_at, used, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `), t.Token, t.UserID, string(t.Purpose), d.ts(t.ExpiresAt), t.Used, d.ts(t.CreatedAt))
	return err
}

// GetOneTimeToken returns apierr.ErrNotFound when no token of that purpose exists.
func (d *DB) GetOneTimeToken(ctx context.Context, token string, purpose models.TokenPurpose) (*models.OneTimeToken, error) {
	var (
		t models.OneTimeToken
		p string
	)
	err := d.db.QueryRowContext(ctx, d.q(`
        SELECT token, user_id, purpose, expires_at, used, created_at
        FROM one_time_tokens WHERE token = ? AND purpose = ?
    `), token, string(purpose)).Scan(&t.Token, &t.UserID, &p, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	t.Purpose = models.TokenPurpose(p)
	t.ExpiresAt, t.CreatedAt = t.ExpiresAt.UTC(), t.CreatedAt.UTC()
	return &t, nil
}

// MarkOneTimeTokenUsed flips used from false to true in one conditional
// statement. It reports false when the token is unknown, already used or
// expired, so at most one caller ever wins.
func (d *DB) MarkOneTimeTokenUsed(ctx context.Context, token string, purpose models.TokenPurpose, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`
        UPDATE one_time_tokens SET used = ?
        WHERE token = ? AND purpose = ? AND used = ? AND expires_at > ?
    `), true, token, string(purpose), false, d.ts(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// DeleteOneTimeToken removes a live token in one conditional statement and
// reports whether this call removed it.
func (d *DB) DeleteOneTimeToken(ctx context.Context, token string, purpose models.TokenPurpose, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`
        DELETE FROM one_time_tokens
        WHERE token = ? AND purpose = ? AND expires_at > ?
    `), token, string(purpose), d.ts(now))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// InvalidateUserTokens marks every outstanding token of one purpose for a
// user as used, so issuing a fresh reset link retires the older ones.
func (d *DB) InvalidateUserTokens(ctx context.Context, userID uuid.UUID, purpose models.TokenPurpose) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q(`
        UPDATE one_time_tokens SET used = ?
        WHERE user_id = ? AND purpose = ? AND used = ?
    `), true, userID, string(purpose), false)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// DeleteStaleOneTimeTokens removes expired tokens and used ones.
func (d *DB) DeleteStaleOneTimeTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q(`
        DELETE FROM one_time_tokens WHERE expires_at <= ? OR used = ?
    `), d.ts(now), true)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
