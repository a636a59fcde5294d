// Package audit records security-relevant events emitted by the control plane.
// The storage schema of the log is owned by the Writer; this package only
// shapes events and delivers them.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/victorgomez09/inkwell/internal/auth/models"
	"go.uber.org/zap"
)

// Actions emitted by the control plane.
const (
	ActionSessionCreate     = "session.create"
	ActionSessionRefresh    = "session.refresh"
	ActionSessionRevoke     = "session.revoke"
	ActionSessionRevokeAll  = "session.revoke_all"
	ActionAPIKeyIssue       = "api_key.issue"
	ActionAPIKeyRevoke      = "api_key.revoke"
	ActionSecretCreate      = "secret.create"
	ActionSecretRotate      = "secret.rotate"
	ActionRateLimitDeny     = "rate_limit.deny"
	ActionUserLogin         = "user.login"
	ActionUserPassword      = "user.password_change"
	ActionUserPasswordReset = "user.password_reset"
	ActionUserEmailVerify   = "user.email_verify"
	ActionFlagUpsert        = "feature_flag.upsert"
	ActionFlagDelete        = "feature_flag.delete"
)

// Event is a single audit record before persistence.
type Event struct {
	Action     string
	UserID     string
	EntityType string
	EntityID   string
	IP         string
	UserAgent  string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Sink receives audit events. Implementations must not block the caller for long.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Writer persists audit rows.
type Writer interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// IsAction matches the event action against pattern. A trailing ".*" matches
// every action under that prefix, so "session.*" matches "session.revoke".
func (e Event) IsAction(pattern string) bool {
	return MatchAction(e.Action, pattern)
}

// RelatesTo reports whether the event concerns the given entity.
func (e Event) RelatesTo(entityType, entityID string) bool {
	return e.EntityType == entityType && e.EntityID == entityID
}

// MatchAction implements the wildcard rule used by Event.IsAction.
func MatchAction(action, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(action, prefix+".")
	}
	return action == pattern
}

// ToLog converts the event to its persisted row form.
func (e Event) ToLog() *models.AuditLog {
	var metadata string
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			metadata = string(b)
		}
	}
	return &models.AuditLog{
		UserID:     e.UserID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		Metadata:   metadata,
		CreatedAt:  e.CreatedAt,
	}
}

// FromLog converts a persisted row back into an event.
func FromLog(l *models.AuditLog) Event {
	ev := Event{
		Action:     l.Action,
		UserID:     l.UserID,
		EntityType: l.EntityType,
		EntityID:   l.EntityID,
		IP:         l.IP,
		UserAgent:  l.UserAgent,
		CreatedAt:  l.CreatedAt,
	}
	if l.Metadata != "" {
		_ = json.Unmarshal([]byte(l.Metadata), &ev.Metadata)
	}
	return ev
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// LogSink writes events to a zap logger. Metadata is logged as-is, so callers
// must never put secret material in it.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, ev Event) {
	s.logger.Info("audit event",
		zap.String("action", ev.Action),
		zap.String("user_id", ev.UserID),
		zap.String("entity_type", ev.EntityType),
		zap.String("entity_id", ev.EntityID),
		zap.String("ip", ev.IP),
		zap.Any("metadata", ev.Metadata),
		zap.Time("created_at", ev.CreatedAt),
	)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}
