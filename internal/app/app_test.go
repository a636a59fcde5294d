package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorgomez09/inkwell/internal/audit/audittest"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/config"
	"github.com/victorgomez09/inkwell/internal/crypto"
	"github.com/victorgomez09/inkwell/internal/mail/mailtest"
	"github.com/victorgomez09/inkwell/internal/ratelimit"
	"golang.org/x/crypto/bcrypt"
)

const password = "Quill-Mg7Tz9Wq"

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	app    *App
	clock  *clock.Manual
	audit  *audittest.Recorder
	outbox *mailtest.Outbox
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Database: database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(t.TempDir(), "inkwell.db")},
		Auth:     config.Auth{JWTSecret: strings.Repeat("s", 32)},
		RateLimits: ratelimit.Config{Scopes: map[string]ratelimit.Scope{
			"login": {Rate: 0.01, Capacity: 5},
		}},
		Secrets: config.Secrets{
			DefaultKeyID: "k1",
			Keys: []crypto.KeySpec{
				{ID: "k1", Hex: strings.Repeat("ab", 32)},
				{ID: "k2", Hex: strings.Repeat("cd", 32)},
			},
		},
	}
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.NewManual(t0),
		audit:  &audittest.Recorder{},
		outbox: &mailtest.Outbox{},
	}
	a, err := New(context.Background(), testConfig(t), Options{Clock: h.clock, Mailer: h.outbox, Audit: h.audit})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	h.app = a
	return h
}

func (h *harness) user(t *testing.T, name string, role models.Role) *models.User {
	t.Helper()
	u, err := h.app.Auth.CreateUser(context.Background(), name, name+"@example.com", password, role)
	require.NoError(t, err)
	return u
}

// call serves one request. A token starting with the API key prefix is sent
// as X-API-Key, anything else as a bearer token.
func (h *harness) call(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	switch {
	case strings.HasPrefix(token, "ink_"):
		r.Header.Set("X-API-Key", token)
	case token != "":
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(w, r)
	return w
}

func (h *harness) login(t *testing.T, username string) string {
	t.Helper()
	w := h.call(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
		Type  string `json:"type"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "Bearer", resp.Type)
	return resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "margaret", models.RoleWriter)
	token := h.login(t, "margaret")

	w := h.call(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me models.User
	decode(t, w, &me)
	assert.Equal(t, u.ID, me.ID)
	assert.NotContains(t, w.Body.String(), `"password"`)

	w = h.call(t, http.MethodGet, "/api/auth/sessions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []struct {
		ID      string `json:"id"`
		Current bool   `json:"current"`
	}
	decode(t, w, &sessions)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)

	h.clock.Advance(time.Minute)
	w = h.call(t, http.MethodPost, "/api/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refreshed struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	decode(t, w, &refreshed)
	assert.Equal(t, sessions[0].ID, refreshed.SessionID)
	assert.NotEqual(t, token, refreshed.Token)

	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/api/auth/me", token, nil).Code)
	assert.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/api/auth/me", refreshed.Token, nil).Code)

	assert.Equal(t, http.StatusNoContent, h.call(t, http.MethodPost, "/api/auth/logout", refreshed.Token, nil).Code)
	w = h.call(t, http.MethodGet, "/api/auth/me", refreshed.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, w.Body.String())
}

func TestLoginIsRateLimitedPerIP(t *testing.T) {
	h := newHarness(t)
	bad := map[string]string{"username": "ghost", "password": "Wrong-Pass123"}

	for i := 0; i < 5; i++ {
		w := h.call(t, http.MethodPost, "/api/auth/login", "", bad)
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := h.call(t, http.MethodPost, "/api/auth/login", "", bad)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	assert.NotEmpty(t, h.audit.Matching("rate_limit.*"))
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h := newHarness(t)
	h.user(t, "writer", models.RoleWriter)
	h.user(t, "root", models.RoleAdmin)
	writer := h.login(t, "writer")
	admin := h.login(t, "root")

	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/api/admin/users", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.call(t, http.MethodGet, "/api/admin/users", writer, nil).Code)

	w := h.call(t, http.MethodGet, "/api/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var users []models.User
	decode(t, w, &users)
	assert.Len(t, users, 2)

	w = h.call(t, http.MethodPost, "/api/admin/users", admin, map[string]string{
		"username": "editor",
		"email":    "editor@example.com",
		"password": "Ember#Vk4Rp8Ys",
		"role":     string(models.RoleReader),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = h.call(t, http.MethodPost, "/api/admin/users", admin, map[string]string{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyFlow(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "margaret", models.RoleWriter)
	token := h.login(t, "margaret")

	w := h.call(t, http.MethodPost, "/api/keys", token, map[string]any{"name": "ci", "scopes": []string{"read"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var issued struct {
		Key    string `json:"key"`
		APIKey struct {
			Prefix string `json:"prefix"`
		} `json:"api_key"`
	}
	decode(t, w, &issued)
	require.True(t, strings.HasPrefix(issued.Key, "ink_"))

	w = h.call(t, http.MethodGet, "/api/v1/whoami", issued.Key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var who struct {
		User models.User `json:"user"`
	}
	decode(t, w, &who)
	assert.Equal(t, u.ID, who.User.ID)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

	// API keys are not sessions.
	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/api/auth/me", issued.Key, nil).Code)

	w = h.call(t, http.MethodPost, "/api/keys", token, map[string]any{"name": "deploy", "scopes": []string{"write"}})
	require.Equal(t, http.StatusCreated, w.Code)
	var writeOnly struct {
		Key string `json:"key"`
	}
	decode(t, w, &writeOnly)
	assert.Equal(t, http.StatusForbidden, h.call(t, http.MethodGet, "/api/v1/whoami", writeOnly.Key, nil).Code)

	assert.Equal(t, http.StatusNoContent,
		h.call(t, http.MethodDelete, "/api/keys/"+issued.APIKey.Prefix, token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/api/v1/whoami", issued.Key, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		h.call(t, http.MethodDelete, "/api/keys/"+issued.APIKey.Prefix, token, nil).Code)
}

func TestFlagsAndSecrets(t *testing.T) {
	h := newHarness(t)
	h.user(t, "writer", models.RoleWriter)
	h.user(t, "root", models.RoleAdmin)
	writer := h.login(t, "writer")
	admin := h.login(t, "root")

	evaluate := func() bool {
		w := h.call(t, http.MethodGet, "/api/flags/drafts/evaluate", writer, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Active bool `json:"active"`
		}
		decode(t, w, &resp)
		return resp.Active
	}

	assert.False(t, evaluate(), "unknown flags are off")
	w := h.call(t, http.MethodPut, "/api/admin/flags/drafts", admin, map[string]any{
		"is_enabled":         true,
		"rollout_percentage": 100,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, evaluate())

	w = h.call(t, http.MethodPut, "/api/admin/flags/drafts", admin, map[string]any{"rollout_percentage": 101})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.call(t, http.MethodPost, "/api/admin/secrets", admin, map[string]string{"name": "smtp-password", "value": "hunter2"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")

	h.clock.Advance(time.Hour)
	w = h.call(t, http.MethodPost, "/api/admin/secrets/rotate", admin, map[string]string{
		"name": "smtp-password", "value": "correct-horse", "key_id": "k2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var meta struct {
		KeyID       string `json:"key_id"`
		HasPrevious bool   `json:"has_previous"`
	}
	decode(t, w, &meta)
	assert.Equal(t, "k2", meta.KeyID)
	assert.True(t, meta.HasPrevious)

	ctx := context.Background()
	cur, err := h.app.Secrets.DecryptCurrent(ctx, "smtp-password")
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", cur.Reveal())
	prev, err := h.app.Secrets.DecryptPrevious(ctx, "smtp-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", prev.Reveal())

	w = h.call(t, http.MethodPost, "/api/admin/secrets/rotate", admin, map[string]string{"name": "missing", "value": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Eventually(t, func() bool {
		w := h.call(t, http.MethodGet, "/api/admin/audit?action=secret.rotate", admin, nil)
		var logs []models.AuditLog
		return w.Code == http.StatusOK && json.Unmarshal(w.Body.Bytes(), &logs) == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPasswordResetByMail(t *testing.T) {
	h := newHarness(t)
	h.user(t, "margaret", models.RoleWriter)

	w := h.call(t, http.MethodPost, "/api/auth/password-reset/request", "", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, h.outbox.Messages())

	w = h.call(t, http.MethodPost, "/api/auth/password-reset/request", "", map[string]string{"email": "margaret@example.com"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	msgs := h.outbox.Messages()
	require.Len(t, msgs, 1)

	body := msgs[0].Body
	i := strings.Index(body, "token=")
	require.GreaterOrEqual(t, i, 0)
	token := strings.Fields(body[i+len("token="):])[0]

	w = h.call(t, http.MethodPost, "/api/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "Ember#Vk4Rp8Ys",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = h.call(t, http.MethodPost, "/api/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "Slate!Nw6Hb3Xd",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthAndMaintenance(t *testing.T) {
	h := newHarness(t)

	w := h.call(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	h.user(t, "margaret", models.RoleWriter)
	h.login(t, "margaret")
	h.clock.Advance(h.app.Config.Auth.SessionTTL + time.Minute)

	rep, err := h.app.Janitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Sessions)
}
