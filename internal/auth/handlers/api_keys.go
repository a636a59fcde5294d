package handlers

import (
	"net/http"
	"strconv"
	"time"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/service"
	"go.uber.org/zap"
)

type APIKeyHandler struct {
	keys   *service.APIKeyManager
	logger *zap.Logger
}

func NewAPIKeyHandler(keys *service.APIKeyManager, logger *zap.Logger) *APIKeyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyHandler{keys: keys, logger: logger.Named("handlers")}
}

type IssueKeyRequest struct {
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	TTLSeconds *int64   `json:"ttl_seconds,omitempty"`
}

func (r IssueKeyRequest) Validate() []ValidationError {
	errs := required("name", r.Name)
	if r.TTLSeconds != nil && *r.TTLSeconds <= 0 {
		errs = append(errs, ValidationError{"ttl_seconds", "must be positive"})
	}
	return errs
}

// IssueKeyResponse is the only response that carries the raw key.
type IssueKeyResponse struct {
	Key    string         `json:"key"`
	APIKey *models.APIKey `json:"api_key"`
}

type RevokeKeyRequest struct {
	Key string `json:"key"`
}

func (r RevokeKeyRequest) Validate() []ValidationError {
	return required("key", r.Key)
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	includeExpired, _ := strconv.ParseBool(r.URL.Query().Get("include_expired"))

	keys, err := h.keys.List(r.Context(), p.User.ID, includeExpired)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	apierr.WriteJSON(w, http.StatusOK, keys)
}

func (h *APIKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req IssueKeyRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	var ttl *time.Duration
	if req.TTLSeconds != nil {
		d := time.Duration(*req.TTLSeconds) * time.Second
		ttl = &d
	}

	key, raw, err := h.keys.Issue(r.Context(), p.User.ID, req.Name, req.Scopes, ttl)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, IssueKeyResponse{Key: raw, APIKey: key})
}

// Revoke deletes the key given by its raw value. Revoking an unknown key is
// not an error.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}

	var req RevokeKeyRequest
	if err := DecodeAndValidate(w, r, &req); err != nil {
		return
	}

	if _, err := h.keys.Revoke(r.Context(), req.Key); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeByPrefix deletes one of the caller's keys by its display prefix.
func (h *APIKeyHandler) RevokeByPrefix(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	deleted, err := h.keys.RevokeByPrefix(r.Context(), p.User.ID, r.PathValue("prefix"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if !deleted {
		apierr.WriteError(w, apierr.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Whoami describes the API key the request was made with.
func (h *APIKeyHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"user": p.User}
	if p.APIKey != nil {
		resp["key"] = p.APIKey
	}
	apierr.WriteJSON(w, http.StatusOK, resp)
}
