// Package middleware authenticates requests against sessions and API keys
// and enforces roles, feature flags and per-scope rate limits.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/service"
	"github.com/victorgomez09/inkwell/internal/middleware"
	"github.com/victorgomez09/inkwell/internal/ratelimit"
	"go.uber.org/zap"
)

// HeaderAPIKey carries a raw API key. A Bearer value with the API key prefix
// is accepted as well.
const HeaderAPIKey = "X-API-Key"

type SessionValidator interface {
	Validate(ctx context.Context, bearer string) (*models.Session, *models.User, error)
}

type KeyAuthorizer interface {
	Authorize(ctx context.Context, raw string, required []string) (*models.APIKey, error)
}

type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type FlagChecker interface {
	IsActive(ctx context.Context, name, userID string) bool
}

type Limiter interface {
	Allow(ctx context.Context, key ratelimit.BucketKey, cost float64) (ratelimit.Result, error)
}

// Principal is the authenticated caller. Exactly one of Session and APIKey is set.
type Principal struct {
	User    *models.User
	Session *models.Session
	APIKey  *models.APIKey
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by RequireSession or RequireAPIKey.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

type Deps struct {
	Sessions SessionValidator
	Keys     KeyAuthorizer
	Users    UserLookup
	Flags    FlagChecker
	Limiter  Limiter
	Logger   *zap.Logger
}

type AuthMiddleware struct {
	sessions SessionValidator
	keys     KeyAuthorizer
	users    UserLookup
	flags    FlagChecker
	limiter  Limiter
	logger   *zap.Logger
}

func NewAuthMiddleware(deps Deps) *AuthMiddleware {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		sessions: deps.Sessions,
		keys:     deps.Keys,
		users:    deps.Users,
		flags:    deps.Flags,
		limiter:  deps.Limiter,
		logger:   logger.Named("auth"),
	}
}

// KeyFunc derives the rate limit identifier of a request.
type KeyFunc func(r *http.Request) string

// ByIP keys on the client address resolved by middleware.RealIP, falling back
// to the connection address.
func ByIP(r *http.Request) string {
	if ip := middleware.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return middleware.ClientIP(r, false)
}

// ByPrincipal keys on the authenticated user and falls back to ByIP.
func ByPrincipal(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok && p.User != nil {
		return p.User.ID.String()
	}
	return ByIP(r)
}

// RateLimit debits one token from the scope bucket of the request key.
// Limiter faults reject the request.
func (m *AuthMiddleware) RateLimit(scope string, key KeyFunc) middleware.Middleware {
	return middleware.Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := m.limiter.Allow(r.Context(), ratelimit.Key(scope, key(r)), 1)
			if err != nil && !errors.Is(err, apierr.ErrRateLimited) {
				m.logger.Error("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				apierr.WriteError(w, err)
				return
			}
			for name, values := range res.Headers() {
				w.Header()[name] = values
			}
			if err != nil {
				apierr.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

// BearerToken returns the Bearer credential of the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func apiKeyValue(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return v, true
	}
	if v, ok := BearerToken(r); ok && strings.HasPrefix(v, service.APIKeyPrefix) {
		return v, true
	}
	return "", false
}

// RequireSession admits requests with a valid session bearer token.
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok || strings.HasPrefix(token, service.APIKeyPrefix) {
			apierr.WriteError(w, apierr.ErrInvalidToken)
			return
		}

		session, user, err := m.sessions.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, apierr.ErrNotFound) {
				err = apierr.ErrInvalidToken
			}
			apierr.WriteError(w, err)
			return
		}

		ctx := WithPrincipal(r.Context(), &Principal{User: user, Session: session})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAPIKey admits requests whose API key holds every listed scope.
func (m *AuthMiddleware) RequireAPIKey(scopes ...string) middleware.Middleware {
	return middleware.Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := apiKeyValue(r)
			if !ok {
				apierr.WriteError(w, apierr.ErrInvalidToken)
				return
			}

			key, err := m.keys.Authorize(r.Context(), raw, scopes)
			if err != nil {
				if errors.Is(err, apierr.ErrNotFound) {
					err = apierr.ErrInvalidToken
				}
				apierr.WriteError(w, err)
				return
			}

			user, err := m.users.GetUser(r.Context(), key.UserID)
			if err != nil {
				if errors.Is(err, apierr.ErrUserNotFound) {
					err = apierr.ErrInvalidToken
				}
				apierr.WriteError(w, err)
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{User: user, APIKey: key})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// RequireRole admits principals holding one of roles. Admins pass every check.
func (m *AuthMiddleware) RequireRole(roles ...models.Role) middleware.Middleware {
	return middleware.Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || p.User == nil {
				apierr.WriteError(w, apierr.ErrInvalidToken)
				return
			}
			if p.User.Role != models.RoleAdmin && !hasRole(p.User.Role, roles) {
				m.logger.Info("role check failed",
					zap.String("user_id", p.User.ID.String()),
					zap.String("role", string(p.User.Role)))
				apierr.WriteError(w, apierr.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func hasRole(role models.Role, roles []models.Role) bool {
	for _, want := range roles {
		if role == want {
			return true
		}
	}
	return false
}

// RequireFlag hides the route behind a feature flag evaluated for the caller.
// Inactive or unknown flags answer 404.
func (m *AuthMiddleware) RequireFlag(name string) middleware.Middleware {
	return middleware.Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if p, ok := PrincipalFrom(r.Context()); ok && p.User != nil {
				userID = p.User.ID.String()
			}
			if !m.flags.IsActive(r.Context(), name, userID) {
				apierr.WriteError(w, apierr.ErrNotFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}
