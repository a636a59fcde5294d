package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/validation"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/tokens"
	"go.uber.org/zap"
)

const (
	// APIKeyPrefix marks every key value issued by this service.
	APIKeyPrefix = "ink_"

	apiKeyRandomLength = 40
	apiKeyPrefixLength = len(APIKeyPrefix) + 8
	touchTimeout       = 5 * time.Second
)

// HashAPIKey returns the hex SHA-256 digest under which a key is stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyManager issues, authorizes and revokes API keys.
type APIKeyManager struct {
	store   APIKeyStore
	gen     *tokens.Generator
	clock   clock.Clock
	audit   audit.Sink
	logger  *zap.Logger
	touches sync.WaitGroup
}

func NewAPIKeyManager(store APIKeyStore, gen *tokens.Generator, clk clock.Clock, sink audit.Sink, logger *zap.Logger) *APIKeyManager {
	if gen == nil {
		gen = tokens.NewGenerator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyManager{
		store:  store,
		gen:    gen,
		clock:  clock.OrSystem(clk),
		audit:  audit.OrNop(sink),
		logger: logger.Named("api_keys"),
	}
}

// normalizeScopes validates scopes and returns them sorted without duplicates.
func normalizeScopes(scopes []string) ([]string, error) {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if err := validation.ValidateScope(s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Issue creates a key for userID. The raw value is returned once and never stored.
// A nil ttl issues a key that does not expire.
func (m *APIKeyManager) Issue(ctx context.Context, userID uuid.UUID, name string, scopes []string, ttl *time.Duration) (*models.APIKey, string, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, "", err
	}
	normalized, err := normalizeScopes(scopes)
	if err != nil {
		return nil, "", err
	}
	if ttl != nil && *ttl <= 0 {
		return nil, "", fmt.Errorf("%w: key lifetime must be positive", apierr.ErrInvalidInput)
	}

	random, err := m.gen.Alphanumeric(apiKeyRandomLength)
	if err != nil {
		return nil, "", err
	}
	raw := APIKeyPrefix + random

	now := m.clock.Now().UTC()
	key := &models.APIKey{
		KeyHash:   HashAPIKey(raw),
		Prefix:    raw[:apiKeyPrefixLength],
		UserID:    userID,
		Name:      name,
		Scopes:    normalized,
		CreatedAt: now,
	}
	if ttl != nil {
		exp := now.Add(*ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing api key: %w", err)
	}

	m.audit.Record(ctx, audit.Event{
		Action:     audit.ActionAPIKeyIssue,
		UserID:     userID.String(),
		EntityType: "api_key",
		EntityID:   key.Prefix,
		Metadata:   map[string]any{"name": name, "scopes": normalized},
		CreatedAt:  now,
	})
	return key, raw, nil
}

// Authorize checks a raw key against the required scopes, all of which must
// be held. Errors: ErrNotFound, ErrExpired, ErrInsufficientScope.
func (m *APIKeyManager) Authorize(ctx context.Context, raw string, required []string) (*models.APIKey, error) {
	if !strings.HasPrefix(raw, APIKeyPrefix) {
		return nil, apierr.ErrNotFound
	}
	hash := HashAPIKey(raw)
	key, err := m.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if !key.IsValid(now) {
		return nil, apierr.ErrExpired
	}
	if !key.HasScopes(required) {
		return nil, apierr.ErrInsufficientScope
	}

	m.touch(hash, now)
	return key, nil
}

// touch records key usage without holding up the request. A failed touch is
// logged and otherwise ignored.
func (m *APIKeyManager) touch(hash string, at time.Time) {
	m.touches.Add(1)
	go func() {
		defer m.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := m.store.TouchAPIKey(ctx, hash, at); err != nil {
			m.logger.Warn("failed to record api key usage", zap.Error(err))
		}
	}()
}

// Wait blocks until pending usage updates have finished.
func (m *APIKeyManager) Wait() {
	m.touches.Wait()
}

// Revoke deletes the key with the given raw value and reports whether it existed.
// Revoking twice is not an error.
func (m *APIKeyManager) Revoke(ctx context.Context, raw string) (bool, error) {
	deleted, err := m.store.DeleteAPIKey(ctx, HashAPIKey(raw))
	if err != nil {
		return false, err
	}
	if deleted {
		m.audit.Record(ctx, audit.Event{
			Action:     audit.ActionAPIKeyRevoke,
			EntityType: "api_key",
			EntityID:   prefixOf(raw),
			CreatedAt:  m.clock.Now(),
		})
	}
	return deleted, nil
}

// RevokeByPrefix deletes one of userID's keys by its display prefix.
func (m *APIKeyManager) RevokeByPrefix(ctx context.Context, userID uuid.UUID, prefix string) (bool, error) {
	deleted, err := m.store.DeleteUserAPIKey(ctx, userID, prefix)
	if err != nil {
		return false, err
	}
	if deleted {
		m.audit.Record(ctx, audit.Event{
			Action:     audit.ActionAPIKeyRevoke,
			UserID:     userID.String(),
			EntityType: "api_key",
			EntityID:   prefix,
			CreatedAt:  m.clock.Now(),
		})
	}
	return deleted, nil
}

// List returns userID's keys, newest first.
func (m *APIKeyManager) List(ctx context.Context, userID uuid.UUID, includeExpired bool) ([]*models.APIKey, error) {
	return m.store.ListAPIKeys(ctx, userID, includeExpired, m.clock.Now())
}

func prefixOf(raw string) string {
	if len(raw) < apiKeyPrefixLength {
		return raw
	}
	return raw[:apiKeyPrefixLength]
}
