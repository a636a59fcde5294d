package database

import (
	"context"
	"strings"
	"time"

	"github.com/victorgomez09/inkwell/internal/auth/models"
)

// CreateAuditLog appends one audit row. It satisfies audit.Writer.
func (d *DB) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	created := log.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
        INSERT INTO audit_logs (
            user_id, action, entity_type, entity_id, ip, user_agent, metadata, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `), log.UserID, log.Action, log.EntityType, log.EntityID, log.IP, log.UserAgent,
		log.Metadata, d.ts(created))
	return err
}

// AuditFilter narrows ListAuditLogs. Zero values do not filter. Action
// accepts a trailing ".*" wildcard.
type AuditFilter struct {
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	Since      time.Time
	Limit      int
}

// ListAuditLogs returns matching rows, newest first.
func (d *DB) ListAuditLogs(ctx context.Context, f AuditFilter) ([]*models.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		if prefix, ok := strings.CutSuffix(f.Action, ".*"); ok {
			where = append(where, "action LIKE ?")
			args = append(args, prefix+".%")
		} else {
			where = append(where, "action = ?")
			args = append(args, f.Action)
		}
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, d.ts(f.Since))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, user_id, action, entity_type, entity_id, ip, user_agent, metadata, created_at FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Action, &l.EntityType, &l.EntityID,
			&l.IP, &l.UserAgent, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
