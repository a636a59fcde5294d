package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

const apiKeyColumns = `key_hash, prefix, user_id, name, scopes, expires_at, last_used_at, created_at`

func (d *DB) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	_, err = d.db.ExecContext(ctx, d.q(`
        INSERT INTO api_keys (`+apiKeyColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `), k.KeyHash, k.Prefix, k.UserID, k.Name, string(scopes),
		d.nts(k.ExpiresAt), d.nts(k.LastUsedAt), d.ts(k.CreatedAt))
	return err
}

func scanAPIKey(row interface{ Scan(...any) error }) (*models.APIKey, error) {
	var (
		k                   models.APIKey
		scopes              string
		expiresAt, lastUsed sql.NullTime
	)
	err := row.Scan(&k.KeyHash, &k.Prefix, &k.UserID, &k.Name, &scopes, &expiresAt, &lastUsed, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes of key %s: %w", k.Prefix, err)
	}
	k.ExpiresAt = nullTime(expiresAt)
	k.LastUsedAt = nullTime(lastUsed)
	k.CreatedAt = k.CreatedAt.UTC()
	return &k, nil
}

// GetAPIKeyByHash returns apierr.ErrNotFound for an unknown digest.
func (d *DB) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	return scanAPIKey(d.db.QueryRowContext(ctx, d.q(`
        SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?
    `), keyHash))
}

func (d *DB) TouchAPIKey(ctx context.Context, keyHash string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, d.q(`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`), d.ts(at), keyHash)
	return err
}

// DeleteAPIKey hard-deletes a key and reports whether a row was removed.
func (d *DB) DeleteAPIKey(ctx context.Context, keyHash string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM api_keys WHERE key_hash = ?`), keyHash)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// DeleteUserAPIKey deletes a key by its display prefix, scoped to its owner.
func (d *DB) DeleteUserAPIKey(ctx context.Context, userID uuid.UUID, prefix string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM api_keys WHERE user_id = ? AND prefix = ?`), userID, prefix)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// ListAPIKeys returns a user's keys, newest first. Unless includeExpired is
// set, keys past their expiry at now are left out.
func (d *DB) ListAPIKeys(ctx context.Context, userID uuid.UUID, includeExpired bool, now time.Time) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE user_id = ?`
	args := []any{userID}
	if !includeExpired {
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, d.ts(now))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
