package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type memWriter struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (w *memWriter) CreateAuditLog(_ context.Context, l *models.AuditLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, l)
	return nil
}

func TestMatchAction(t *testing.T) {
	tests := []struct {
		action, pattern string
		want            bool
	}{
		{"session.revoke", "session.revoke", true},
		{"session.revoke", "session.*", true},
		{"session.revoke_all", "session.*", true},
		{"sessionx.revoke", "session.*", false},
		{"session", "session.*", false},
		{"api_key.issue", "session.*", false},
		{"session.revoke", "session.create", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchAction(tt.action, tt.pattern), "%s ~ %s", tt.action, tt.pattern)
	}
}

func TestEvent_RelatesTo(t *testing.T) {
	ev := Event{Action: ActionAPIKeyRevoke, EntityType: "api_key", EntityID: "ink_ab12"}
	assert.True(t, ev.RelatesTo("api_key", "ink_ab12"))
	assert.False(t, ev.RelatesTo("api_key", "ink_zz99"))
	assert.False(t, ev.RelatesTo("session", "ink_ab12"))
}

func TestEvent_LogRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := Event{
		Action:     ActionSecretRotate,
		UserID:     "u1",
		EntityType: "secret",
		EntityID:   "smtp_password",
		Metadata:   map[string]any{"key_id": "k2"},
		CreatedAt:  at,
	}
	l := ev.ToLog()
	assert.JSONEq(t, `{"key_id":"k2"}`, l.Metadata)

	back := FromLog(l)
	assert.Equal(t, ev.Action, back.Action)
	assert.Equal(t, "k2", back.Metadata["key_id"])
	assert.Equal(t, at, back.CreatedAt)
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	w := &memWriter{}
	s := NewAsyncSink(w, zap.NewNop(), 16)
	for i := 0; i < 10; i++ {
		s.Record(context.Background(), Event{Action: ActionSessionCreate})
	}
	s.Close()
	assert.Len(t, w.logs, 10)
}

func TestAsyncSink_ShutdownHonoursContext(t *testing.T) {
	s := NewAsyncSink(&memWriter{}, zap.NewNop(), 1)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestLogSink_Record(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewLogSink(zap.New(core)).Record(context.Background(), Event{Action: ActionRateLimitDeny, EntityID: "login:1.2.3.4"})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit event", entry.Message)
	assert.Equal(t, ActionRateLimitDeny, entry.ContextMap()["action"])
}

func TestMultiSink(t *testing.T) {
	var a, b []Event
	MultiSink{sinkFunc(func(ev Event) { a = append(a, ev) }), sinkFunc(func(ev Event) { b = append(b, ev) })}.
		Record(context.Background(), Event{Action: ActionFlagDelete})
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}

type sinkFunc func(Event)

func (f sinkFunc) Record(_ context.Context, ev Event) { f(ev) }
