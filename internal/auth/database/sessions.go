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

const sessionColumns = `id, user_id, token, user_agent, ip_address, created_at, expires_at, updated_at`

func (d *DB) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        INSERT INTO sessions (`+sessionColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `), s.ID, s.UserID, s.Token, s.Client.UserAgent, s.Client.IP,
		d.ts(s.CreatedAt), d.ts(s.ExpiresAt), d.ts(s.UpdatedAt))
	return err
}

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.Token, &s.Client.UserAgent, &s.Client.IP,
		&s.CreatedAt, &s.ExpiresAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt, s.ExpiresAt, s.UpdatedAt = s.CreatedAt.UTC(), s.ExpiresAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

// GetSession looks a session up by id and current token. Expiry is not
// filtered here so callers can tell expired from unknown.
func (d *DB) GetSession(ctx context.Context, id uuid.UUID, token string) (*models.Session, error) {
	return scanSession(d.db.QueryRowContext(ctx, d.q(`
        SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND token = ?
    `), id, token))
}

func (d *DB) GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(d.db.QueryRowContext(ctx, d.q(`
        SELECT `+sessionColumns+` FROM sessions WHERE id = ?
    `), id))
}

// TouchSession bumps updated_at of a live session.
func (d *DB) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        UPDATE sessions SET updated_at = ? WHERE id = ? AND expires_at > ?
    `), d.ts(at), id, d.ts(at))
	return err
}

// RotateSessionToken swaps the token and expiry of a session only if the
// presented token is still current and the session has not expired.
// apierr.ErrNotFound means another refresh or a revoke got there first.
func (d *DB) RotateSessionToken(ctx context.Context, id uuid.UUID, oldToken, newToken string, expiresAt, now time.Time) error {
	res, err := d.db.ExecContext(ctx, d.q(`
        UPDATE sessions SET token = ?, expires_at = ?, updated_at = ?
        WHERE id = ? AND token = ? AND expires_at > ?
    `), newToken, d.ts(expiresAt), d.ts(now), id, oldToken, d.ts(now))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// DeleteSession removes one session and reports whether it existed.
func (d *DB) DeleteSession(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// DeleteUserSessions removes every session of a user.
func (d *DB) DeleteUserSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM sessions WHERE user_id = ?`), userID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

// ListActiveSessions returns the unexpired sessions of a user, most recently used first.
func (d *DB) ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]*models.Session, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
        SELECT `+sessionColumns+` FROM sessions
        WHERE user_id = ? AND expires_at > ?
        ORDER BY updated_at DESC
    `), userID, d.ts(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
func (d *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM sessions WHERE expires_at <= ?`), d.ts(now))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
