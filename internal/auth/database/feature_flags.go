package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
)

const flagColumns = `name, is_enabled, rollout_percentage, target_users, created_at, updated_at`

func scanFlag(row interface{ Scan(...any) error }) (*models.FeatureFlag, error) {
	var (
		f       models.FeatureFlag
		targets string
	)
	err := row.Scan(&f.Name, &f.Enabled, &f.RolloutPercentage, &targets, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &f.TargetUsers); err != nil {
		return nil, fmt.Errorf("decode targets of flag %s: %w", f.Name, err)
	}
	f.CreatedAt, f.UpdatedAt = f.CreatedAt.UTC(), f.UpdatedAt.UTC()
	return &f, nil
}

func (d *DB) GetFlag(ctx context.Context, name string) (*models.FeatureFlag, error) {
	return scanFlag(d.db.QueryRowContext(ctx, d.q(`SELECT `+flagColumns+` FROM feature_flags WHERE name = ?`), name))
}

func (d *DB) ListFlags(ctx context.Context) ([]*models.FeatureFlag, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+flagColumns+` FROM feature_flags ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*models.FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// UpsertFlag inserts or replaces a flag. created_at is kept from the first insert.
func (d *DB) UpsertFlag(ctx context.Context, f *models.FeatureFlag) error {
	targets := f.TargetUsers
	if targets == nil {
		targets = []string{}
	}
	encoded, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	_, err = d.db.ExecContext(ctx, d.q(`
        INSERT INTO feature_flags (`+flagColumns+`)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (name) DO UPDATE SET
            is_enabled = excluded.is_enabled,
            rollout_percentage = excluded.rollout_percentage,
            target_users = excluded.target_users,
            updated_at = excluded.updated_at
    `), f.Name, f.Enabled, f.RolloutPercentage, string(encoded), d.ts(f.CreatedAt), d.ts(f.UpdatedAt))
	return err
}

// DeleteFlag reports whether a flag was removed.
func (d *DB) DeleteFlag(ctx context.Context, name string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.q(`DELETE FROM feature_flags WHERE name = ?`), name)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}
