package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	authmw "github.com/victorgomez09/inkwell/internal/auth/middleware"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/service"
	"github.com/victorgomez09/inkwell/internal/flags"
	"github.com/victorgomez09/inkwell/internal/secrets"
	"go.uber.org/zap"
)

// AuditReader queries the persisted audit log.
type AuditReader interface {
	ListAuditLogs(ctx context.Context, f database.AuditFilter) ([]*models.AuditLog, error)
}

type AdminDeps struct {
	Auth    *service.AuthService
	Flags   *flags.Service
	Secrets *secrets.Service
	Audit   AuditReader
	// DefaultKeyID seals secrets whose request names no key.
	DefaultKeyID string
	Logger       *zap.Logger
}

// AdminHandler serves /api/admin and the flag evaluation endpoint.
type AdminHandler struct {
	auth         *service.AuthService
	flags        *flags.Service
	secrets      *secrets.Service
	audit        AuditReader
	defaultKeyID string
	logger       *zap.Logger
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		auth:         deps.Auth,
		flags:        deps.Flags,
		secrets:      deps.Secrets,
		audit:        deps.Audit,
		defaultKeyID: deps.DefaultKeyID,
		logger:       logger.Named("admin"),
	}
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (r CreateUserRequest) Validate() []ValidationError {
	errs := required("username", r.Username)
	errs = append(errs, required("email", r.Email)...)
	return append(errs, required("password", r.Password)...)
}

type SecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	KeyID string `json:"key_id,omitempty"`
}

func (r SecretRequest) Validate() []ValidationError {
	return append(required("name", r.Name), required("value", r.Value)...)
}

type flagRequest flags.Options

func (r flagRequest) Validate() []ValidationError {
	if r.RolloutPercentage < 0 || r.RolloutPercentage > 100 {
		return []ValidationError{{"rollout_percentage", "must be between 0 and 100"}}
	}
	return nil
}

func actor(r *http.Request) string {
	if p, ok := authmw.PrincipalFrom(r.Context()); ok && p.User != nil {
		return p.User.ID.String()
	}
	return ""
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.auth.ListUsers(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	apierr.WriteJSON(w, http.StatusOK, users)
}

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	user, err := h.auth.CreateUser(r.Context(), req.Username, req.Email, req.Password, models.Role(req.Role))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	h.logger.Info("user created",
		zap.String("user_id", user.ID.String()),
		zap.String("role", string(user.Role)),
		zap.String("by", actor(r)))
	apierr.WriteJSON(w, http.StatusCreated, user)
}

func (h *AdminHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	list, err := h.flags.List(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*models.FeatureFlag{}
	}
	apierr.WriteJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) GetFlag(w http.ResponseWriter, r *http.Request) {
	f, err := h.flags.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, f)
}

func (h *AdminHandler) PutFlag(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	f, err := h.flags.Upsert(r.Context(), actor(r), r.PathValue("name"), flags.Options(req))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, f)
}

func (h *AdminHandler) DeleteFlag(w http.ResponseWriter, r *http.Request) {
	if err := h.flags.Delete(r.Context(), actor(r), r.PathValue("name")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvaluateFlag reports whether the named flag is active for the caller.
func (h *AdminHandler) EvaluateFlag(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"name":   name,
		"active": h.flags.IsActive(r.Context(), name, actor(r)),
	})
}

func (h *AdminHandler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := h.secrets.List(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if list == nil {
		list = []secrets.Metadata{}
	}
	apierr.WriteJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req SecretRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	value := secrets.NewValue(req.Value)
	defer value.Wipe()

	meta, err := h.secrets.Create(r.Context(), actor(r), req.Name, value, h.keyID(req.KeyID))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, meta)
}

func (h *AdminHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	var req SecretRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	value := secrets.NewValue(req.Value)
	defer value.Wipe()

	meta, err := h.secrets.Rotate(r.Context(), actor(r), req.Name, value, h.keyID(req.KeyID))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, meta)
}

func (h *AdminHandler) keyID(requested string) string {
	if requested != "" {
		return requested
	}
	return h.defaultKeyID
}

// ListAudit filters by the user_id, action, entity_type, entity_id, since
// (RFC 3339) and limit query parameters.
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.AuditFilter{
		UserID:     q.Get("user_id"),
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apierr.WriteJSON(w, http.StatusBadRequest, apierr.ErrorBody{Error: "since: must be an RFC 3339 timestamp"})
			return
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			apierr.WriteJSON(w, http.StatusBadRequest, apierr.ErrorBody{Error: "limit: must be a positive integer"})
			return
		}
		f.Limit = limit
	}

	logs, err := h.audit.ListAuditLogs(r.Context(), f)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}
	apierr.WriteJSON(w, http.StatusOK, logs)
}
