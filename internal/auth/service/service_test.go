package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/victorgomez09/inkwell/internal/audit/audittest"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/mail"
	"github.com/victorgomez09/inkwell/internal/mail/mailtest"
	"golang.org/x/crypto/bcrypt"
)

var (
	t0         = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	testSecret = []byte("0123456789abcdef0123456789abcdef")
)

const (
	goodPassword  = "Quill-Mg7Tz9Wq"
	otherPassword = "Ember#Vk4Rp8Ys"
	thirdPassword = "Slate!Nw6Hb3Xd"
)

type env struct {
	db       *database.DB
	clock    *clock.Manual
	audit    *audittest.Recorder
	outbox   *mailtest.Outbox
	sessions *SessionService
	tokens   *OneTimeTokenService
	keys     *APIKeyManager
	auth     *AuthService
}

func newEnv(t *testing.T, sessionTTL time.Duration) *env {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "inkwell.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:     db,
		clock:  clock.NewManual(t0),
		audit:  &audittest.Recorder{},
		outbox: &mailtest.Outbox{},
	}
	e.sessions, err = NewSessionService(db, db, SessionConfig{Secret: testSecret, TTL: sessionTTL, Issuer: "inkwell"}, e.clock, e.audit, nil)
	require.NoError(t, err)
	e.tokens = NewOneTimeTokenService(db, nil, e.clock, nil)
	e.keys = NewAPIKeyManager(db, nil, e.clock, e.audit, nil)
	t.Cleanup(e.keys.Wait)

	cfg := DefaultAuthConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.MaxLoginAttempts = 3
	e.auth = NewAuthService(cfg, AuthDeps{
		Users:    db,
		Sessions: e.sessions,
		Tokens:   e.tokens,
		Mailer:   e.outbox,
		Composer: mail.NewComposer("https://ink.example"),
		Clock:    e.clock,
		Audit:    e.audit,
	})
	return e
}

func (e *env) user(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := e.auth.CreateUser(context.Background(), username, username+"@example.com", goodPassword, models.RoleWriter)
	require.NoError(t, err)
	return u
}

// tokenFromMail pulls the token query parameter out of a mailed link.
func tokenFromMail(t *testing.T, msg mail.Message) string {
	t.Helper()
	i := strings.Index(msg.Body, "token=")
	require.GreaterOrEqual(t, i, 0, "no token in mail body")
	rest := msg.Body[i+len("token="):]
	if j := strings.IndexAny(rest, "\n "); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
