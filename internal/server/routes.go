package server

import (
	"net/http"

	"github.com/victorgomez09/inkwell/internal/auth/handlers"
	authmw "github.com/victorgomez09/inkwell/internal/auth/middleware"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/config"
	"github.com/victorgomez09/inkwell/internal/middleware"
	"go.uber.org/zap"
)

// Rate limit scopes used by the routes.
const (
	ScopeLogin = "login"
	ScopeEmail = "email"
	ScopeAPI   = "api"
)

// ReadScope is the API key scope required by the /api/v1 read endpoints.
const ReadScope = "read"

// Routes is everything the router mounts.
type Routes struct {
	Auth   *handlers.AuthHandler
	Keys   *handlers.APIKeyHandler
	Admin  *handlers.AdminHandler
	AuthMW *authmw.AuthMiddleware
	Health http.Handler
}

// NewRouter registers every endpoint behind the global middleware chain.
func NewRouter(rt Routes, cfg config.Server, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	m := rt.AuthMW

	session := func(h http.HandlerFunc) http.Handler { return m.RequireSession(h) }
	limited := func(scope string, key authmw.KeyFunc, h http.Handler) http.Handler {
		return m.RateLimit(scope, key).Middleware(h)
	}

	if rt.Health != nil {
		mux.Handle("GET /healthz", rt.Health)
	}

	// Auth routes
	mux.Handle("POST /api/auth/login", limited(ScopeLogin, authmw.ByIP, http.HandlerFunc(rt.Auth.Login)))
	mux.Handle("POST /api/auth/refresh", limited(ScopeLogin, authmw.ByIP, http.HandlerFunc(rt.Auth.RefreshToken)))
	mux.HandleFunc("GET /api/auth/password-requirements", rt.Auth.GetPasswordRequirements)
	mux.Handle("POST /api/auth/password-reset/request",
		limited(ScopeEmail, authmw.ByIP, http.HandlerFunc(rt.Auth.RequestPasswordReset)))
	mux.Handle("POST /api/auth/password-reset/confirm",
		limited(ScopeLogin, authmw.ByIP, http.HandlerFunc(rt.Auth.ConfirmPasswordReset)))
	mux.Handle("POST /api/auth/verify-email/confirm",
		limited(ScopeLogin, authmw.ByIP, http.HandlerFunc(rt.Auth.ConfirmEmailVerification)))

	// Session routes
	mux.Handle("GET /api/auth/me", session(rt.Auth.Me))
	mux.Handle("POST /api/auth/logout", session(rt.Auth.Logout))
	mux.Handle("POST /api/auth/logout-all", session(rt.Auth.LogoutAll))
	mux.Handle("GET /api/auth/sessions", session(rt.Auth.ListSessions))
	mux.Handle("DELETE /api/auth/sessions/{id}", session(rt.Auth.RevokeSession))
	mux.Handle("POST /api/auth/change-password", session(rt.Auth.ChangePassword))
	mux.Handle("POST /api/auth/verify-email/request",
		m.RequireSession(limited(ScopeEmail, authmw.ByPrincipal, http.HandlerFunc(rt.Auth.RequestEmailVerification))))

	mux.Handle("GET /api/keys", session(rt.Keys.List))
	mux.Handle("POST /api/keys", session(rt.Keys.Issue))
	mux.Handle("DELETE /api/keys", session(rt.Keys.Revoke))
	mux.Handle("DELETE /api/keys/{prefix}", session(rt.Keys.RevokeByPrefix))
	mux.Handle("GET /api/flags/{name}/evaluate", session(rt.Admin.EvaluateFlag))

	// API key routes
	mux.Handle("GET /api/v1/whoami",
		m.RequireAPIKey(ReadScope).Middleware(limited(ScopeAPI, authmw.ByPrincipal, http.HandlerFunc(rt.Keys.Whoami))))

	// Admin-only routes
	admin, err := adminGuard(m, cfg, logger)
	if err != nil {
		return nil, err
	}
	mux.Handle("GET /api/admin/users", admin(rt.Admin.ListUsers))
	mux.Handle("POST /api/admin/users", admin(rt.Admin.CreateUser))
	mux.Handle("GET /api/admin/flags", admin(rt.Admin.ListFlags))
	mux.Handle("GET /api/admin/flags/{name}", admin(rt.Admin.GetFlag))
	mux.Handle("PUT /api/admin/flags/{name}", admin(rt.Admin.PutFlag))
	mux.Handle("DELETE /api/admin/flags/{name}", admin(rt.Admin.DeleteFlag))
	mux.Handle("GET /api/admin/secrets", admin(rt.Admin.ListSecrets))
	mux.Handle("POST /api/admin/secrets", admin(rt.Admin.CreateSecret))
	mux.Handle("POST /api/admin/secrets/rotate", admin(rt.Admin.RotateSecret))
	mux.Handle("GET /api/admin/audit", admin(rt.Admin.ListAudit))

	chain := middleware.NewConfiguredChain(cfg.Middleware, logger)
	return chain.Then(mux), nil
}

// adminGuard wraps admin handlers with the optional hostname and IP
// restrictions, a session and the admin role.
func adminGuard(m *authmw.AuthMiddleware, cfg config.Server, logger *zap.Logger) (func(http.HandlerFunc) http.Handler, error) {
	chain := middleware.NewMiddlewareChain()
	if cfg.AdminHostname != "" {
		chain.Use(middleware.NewHostnameMiddleware(cfg.AdminHostname, logger))
	}
	if len(cfg.AdminAllowedIPs) > 0 {
		ipr, err := middleware.NewIPRestrictionMiddleware(cfg.AdminAllowedIPs, logger)
		if err != nil {
			return nil, err
		}
		chain.Use(ipr)
	}
	chain.Use(middleware.Func(m.RequireSession))
	chain.Use(m.RequireRole(models.RoleAdmin))

	return func(h http.HandlerFunc) http.Handler { return chain.Then(h) }, nil
}
