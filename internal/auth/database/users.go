package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

const userColumns = `id, username, email, password, role, email_verified, failed_attempts,
       locked_until, last_login_at, last_login_ip, created_at, updated_at, password_changed_at`

// CreateUser inserts a new user. A taken username or email yields apierr.ErrUsernameTaken.
func (d *DB) CreateUser(ctx context.Context, user *models.User) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        INSERT INTO users (
            id, username, email, password, role, email_verified,
            created_at, updated_at, password_changed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `), user.ID, user.Username, user.Email, user.Password, string(user.Role), user.EmailVerified,
		d.ts(user.CreatedAt), d.ts(user.UpdatedAt), d.ts(user.PasswordChangedAt))
	if isUniqueViolation(err) {
		return apierr.ErrUsernameTaken
	}
	return err
}

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		user                     models.User
		role                     string
		lockedUntil, lastLoginAt sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.Password, &role,
		&user.EmailVerified, &user.FailedAttempts, &lockedUntil, &lastLoginAt,
		&user.LastLoginIP, &user.CreatedAt, &user.UpdatedAt, &user.PasswordChangedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrUserNotFound
		}
		return nil, err
	}
	user.Role = models.Role(role)
	user.LockedUntil = nullTime(lockedUntil)
	user.LastLoginAt = nullTime(lastLoginAt)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	user.PasswordChangedAt = user.PasswordChangedAt.UTC()
	return &user, nil
}

// GetUserByID returns apierr.ErrUserNotFound when no row matches.
func (d *DB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(d.db.QueryRowContext(ctx, d.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

func (d *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(d.db.QueryRowContext(ctx, d.q(`SELECT `+userColumns+` FROM users WHERE username = ?`), username))
}

func (d *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(d.db.QueryRowContext(ctx, d.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

// UpdateUserLogin stores the login bookkeeping: failed attempts, lock and last login.
func (d *DB) UpdateUserLogin(ctx context.Context, user *models.User) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        UPDATE users SET
            failed_attempts = ?,
            locked_until = ?,
            last_login_at = ?,
            last_login_ip = ?,
            updated_at = ?
        WHERE id = ?
    `), user.FailedAttempts, d.nts(user.LockedUntil), d.nts(user.LastLoginAt),
		user.LastLoginIP, d.ts(user.UpdatedAt), user.ID)
	return err
}

// RecordFailedLogin increments the failed login counter in one statement.
// When the counter reaches maxAttempts the account is locked until
// lockUntil and the counter starts over. It reports whether this call
// locked the account.
func (d *DB) RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (bool, error) {
	var attempts int
	err := d.db.QueryRowContext(ctx, d.q(`
        UPDATE users SET
            failed_attempts = CASE WHEN failed_attempts + 1 >= ? THEN 0 ELSE failed_attempts + 1 END,
            locked_until = CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE locked_until END,
            updated_at = ?
        WHERE id = ?
        RETURNING failed_attempts
    `), maxAttempts, maxAttempts, d.ts(lockUntil), d.ts(now), id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apierr.ErrUserNotFound
		}
		return false, err
	}
	return attempts == 0, nil
}

// UpdateUserPassword replaces the password hash and clears any lock.
func (d *DB) UpdateUserPassword(ctx context.Context, user *models.User) error {
	res, err := d.db.ExecContext(ctx, d.q(`
        UPDATE users SET
            password = ?,
            password_changed_at = ?,
            failed_attempts = 0,
            locked_until = NULL,
            updated_at = ?
        WHERE id = ?
    `), user.Password, d.ts(user.PasswordChangedAt), d.ts(user.UpdatedAt), user.ID)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrUserNotFound
	}
	return nil
}

func (d *DB) SetEmailVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := d.db.ExecContext(ctx, d.q(`
        UPDATE users SET email_verified = ?, updated_at = ? WHERE id = ?
    `), true, d.ts(at), id)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrUserNotFound
	}
	return nil
}

// ListUsers returns every user ordered by username.
func (d *DB) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// AddPasswordToHistory records a retired password hash.
func (d *DB) AddPasswordToHistory(ctx context.Context, userID uuid.UUID, passwordHash string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        INSERT INTO password_history (user_id, password_hash, created_at)
        VALUES (?, ?, ?)
    `), userID, passwordHash, d.ts(at))
	return err
}

// GetPasswordHistory returns the most recent retired hashes, newest first.
func (d *DB) GetPasswordHistory(ctx context.Context, userID uuid.UUID, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, d.q(`
        SELECT password_hash
        FROM password_history
        WHERE user_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?
    `), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

// CleanupOldPasswords keeps only the newest keep entries of a user's history.
func (d *DB) CleanupOldPasswords(ctx context.Context, userID uuid.UUID, keep int) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        DELETE FROM password_history
        WHERE user_id = ?
        AND id NOT IN (
            SELECT id FROM password_history
            WHERE user_id = ?
            ORDER BY created_at DESC, id DESC
            LIMIT ?
        )
    `), userID, userID, keep)
	if err != nil {
		return fmt.Errorf("cleanup password history: %w", err)
	}
	return nil
}
