// Package handlers exposes the control plane over JSON HTTP endpoints.
package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	authmw "github.com/victorgomez09/inkwell/internal/auth/middleware"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/service"
	"github.com/victorgomez09/inkwell/pkg/trace"
	"go.uber.org/zap"
)

type AuthHandler struct {
	authService *service.AuthService
	sessions    *service.SessionService
	logger      *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, sessions *service.SessionService, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		authService: authService,
		sessions:    sessions,
		logger:      logger.Named("handlers"),
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() []ValidationError {
	return append(required("username", r.Username), required("password", r.Password)...)
}

type LoginResponse struct {
	Token     string       `json:"token"`
	Type      string       `json:"type"`
	SessionID uuid.UUID    `json:"session_id"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user,omitempty"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (r ChangePasswordRequest) Validate() []ValidationError {
	return append(required("old_password", r.OldPassword), required("new_password", r.NewPassword)...)
}

type PasswordResetRequest struct {
	Email string `json:"email"`
}

func (r PasswordResetRequest) Validate() []ValidationError {
	return required("email", r.Email)
}

type PasswordResetConfirm struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (r PasswordResetConfirm) Validate() []ValidationError {
	return append(required("token", r.Token), required("new_password", r.NewPassword)...)
}

type TokenRequest struct {
	Token string `json:"token"`
}

func (r TokenRequest) Validate() []ValidationError {
	return required("token", r.Token)
}

// SessionView marks the session the request was made with.
type SessionView struct {
	*models.Session
	Current bool `json:"current"`
}

func clientMeta(r *http.Request) models.ClientMeta {
	return models.ClientMeta{
		UserAgent: r.UserAgent(),
		IP:        authmw.ByIP(r),
	}
}

// principal returns the caller placed in the context by the auth middleware.
func principal(w http.ResponseWriter, r *http.Request) (*authmw.Principal, bool) {
	p, ok := authmw.PrincipalFrom(r.Context())
	if !ok || p.User == nil {
		apierr.WriteError(w, apierr.ErrInvalidToken)
		return nil, false
	}
	return p, true
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	res, err := h.authService.Login(r.Context(), req.Username, req.Password, clientMeta(r))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	apierr.WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     res.Token,
		Type:      "Bearer",
		SessionID: res.Session.ID,
		ExpiresAt: res.Session.ExpiresAt,
		User:      res.User,
	})
}

// Logout revokes the session the request was authenticated with.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if p.Session == nil {
		apierr.WriteError(w, apierr.ErrInvalidToken)
		return
	}
	if err := h.sessions.Revoke(r.Context(), p.Session.ID); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	n, err := h.sessions.RevokeAll(r.Context(), p.User.ID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

// RefreshToken extends the presented session and answers with its new token.
// The old token stops working.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token, ok := authmw.BearerToken(r)
	if !ok {
		apierr.WriteError(w, apierr.ErrInvalidToken)
		return
	}

	session, newToken, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	apierr.WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     newToken,
		Type:      "Bearer",
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
	})
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	sessions, err := h.sessions.List(r.Context(), p.User.ID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{Session: s, Current: p.Session != nil && s.ID == p.Session.ID})
	}
	apierr.WriteJSON(w, http.StatusOK, views)
}

// RevokeSession ends one of the caller's own sessions.
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apierr.WriteError(w, apierr.ErrNotFound)
		return
	}
	if err := h.sessions.RevokeOwned(r.Context(), p.User.ID, id); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) GetPasswordRequirements(w http.ResponseWriter, r *http.Request) {
	policy := h.authService.GetConfig().Password

	var preventions []string
	if policy.MaxRepeatingChars > 0 {
		preventions = append(preventions, "more than the allowed consecutive identical characters")
	}
	if policy.PreventSequential {
		preventions = append(preventions, "sequential characters (abc, 123)")
	}
	if policy.PreventUsernamePart {
		preventions = append(preventions, "username in password")
	}
	preventions = append(preventions, "common passwords", "recently used passwords")

	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"min_length": policy.MinLength,
		"max_length": policy.MaxLength,
		"requires": map[string]bool{
			"uppercase": policy.RequireUppercase,
			"lowercase": policy.RequireLowercase,
			"number":    policy.RequireNumbers,
			"special":   policy.RequireSpecial,
		},
		"preventions": preventions,
	})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	if err := h.authService.ChangePassword(r.Context(), p.User.ID, req.OldPassword, req.NewPassword); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestPasswordReset answers 202 whether or not the address is registered.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	if err := h.authService.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.logger.Error("password reset request failed",
			zap.String("request_id", requestID(r)),
			zap.Error(err))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetConfirm
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	if err := h.authService.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := h.authService.RequestEmailVerification(r.Context(), p.User.ID); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AuthHandler) ConfirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	user, err := h.authService.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, user)
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	apierr.WriteJSON(w, http.StatusOK, p.User)
}

func requestID(r *http.Request) string {
	return trace.GetRequestID(r.Context())
}
