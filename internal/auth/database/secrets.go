package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

const secretColumns = `id, name, current_value, previous_value, encryption_key_id, previous_key_id, rotated_at, created_at`

// CreateSecret inserts a secret. A taken name yields apierr.ErrAlreadyExists.
func (d *DB) CreateSecret(ctx context.Context, s *models.EncryptedSecret) error {
	_, err := d.db.ExecContext(ctx, d.q(`
        INSERT INTO encrypted_secrets (`+secretColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `), s.ID, s.Name, s.CurrentValue, nullBytes(s.PreviousValue), s.EncryptionKeyID,
		nullString(s.PreviousKeyID), d.ts(s.RotatedAt), d.ts(s.CreatedAt))
	if isUniqueViolation(err) {
		return apierr.ErrAlreadyExists
	}
	return err
}

func scanSecret(row interface{ Scan(...any) error }) (*models.EncryptedSecret, error) {
	var (
		s      models.EncryptedSecret
		prevID sql.NullString
	)
	err := row.Scan(&s.ID, &s.Name, &s.CurrentValue, &s.PreviousValue, &s.EncryptionKeyID,
		&prevID, &s.RotatedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	s.PreviousKeyID = prevID.String
	s.RotatedAt, s.CreatedAt = s.RotatedAt.UTC(), s.CreatedAt.UTC()
	return &s, nil
}

// GetSecretByName returns apierr.ErrNotFound for an unknown name.
func (d *DB) GetSecretByName(ctx context.Context, name string) (*models.EncryptedSecret, error) {
	return scanSecret(d.db.QueryRowContext(ctx, d.q(`
        SELECT `+secretColumns+` FROM encrypted_secrets WHERE name = ?
    `), name))
}

func (d *DB) ListSecrets(ctx context.Context) ([]*models.EncryptedSecret, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+secretColumns+` FROM encrypted_secrets ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*models.EncryptedSecret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

// UpdateSecretRotation writes the rotated generations, guarded on the
// rotated_at value the caller read. apierr.ErrConflict means another
// rotation landed in between.
func (d *DB) UpdateSecretRotation(ctx context.Context, s *models.EncryptedSecret, readRotatedAt time.Time) error {
	res, err := d.db.ExecContext(ctx, d.q(`
        UPDATE encrypted_secrets SET
            current_value = ?,
            previous_value = ?,
            encryption_key_id = ?,
            previous_key_id = ?,
            rotated_at = ?
        WHERE id = ? AND rotated_at = ?
    `), s.CurrentValue, nullBytes(s.PreviousValue), s.EncryptionKeyID, nullString(s.PreviousKeyID),
		d.ts(s.RotatedAt), s.ID, d.ts(readRotatedAt))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.ErrConflict
	}
	return nil
}

func (d *DB) DeleteSecret(ctx context.Context, name string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM encrypted_secrets WHERE name = ?`), name)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
