// Package secrets stores named secrets encrypted under a crypto.Provider,
// keeping the current generation and exactly one previous generation.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/auth/validation"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/crypto"
	"go.uber.org/zap"
)

// Store persists encrypted secret rows.
type Store interface {
	CreateSecret(ctx context.Context, s *models.EncryptedSecret) error
	GetSecretByName(ctx context.Context, name string) (*models.EncryptedSecret, error)
	ListSecrets(ctx context.Context) ([]*models.EncryptedSecret, error)
	UpdateSecretRotation(ctx context.Context, s *models.EncryptedSecret, readRotatedAt time.Time) error
}

// Metadata is the only view of a secret that leaves this package.
type Metadata struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	KeyID       string    `json:"key_id"`
	CreatedAt   time.Time `json:"created_at"`
	RotatedAt   time.Time `json:"rotated_at"`
	HasPrevious bool      `json:"has_previous"`
}

func metadataOf(s *models.EncryptedSecret) Metadata {
	return Metadata{
		ID:          s.ID,
		Name:        s.Name,
		KeyID:       s.EncryptionKeyID,
		CreatedAt:   s.CreatedAt,
		RotatedAt:   s.RotatedAt,
		HasPrevious: len(s.PreviousValue) > 0,
	}
}

type Service struct {
	store    Store
	provider crypto.Provider
	clock    clock.Clock
	audit    audit.Sink
	logger   *zap.Logger
}

func NewService(store Store, provider crypto.Provider, clk clock.Clock, sink audit.Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		provider: provider,
		clock:    clock.OrSystem(clk),
		audit:    audit.OrNop(sink),
		logger:   logger.Named("secrets"),
	}
}

// Create encrypts plaintext under keyID and stores it as a new secret.
func (s *Service) Create(ctx context.Context, actor, name string, plaintext Value, keyID string) (Metadata, error) {
	if err := validation.ValidateName(name); err != nil {
		return Metadata{}, err
	}
	ciphertext, err := s.provider.Encrypt(ctx, plaintext.Bytes(), keyID)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", apierr.ErrEncryptionFailed, err)
	}

	now := s.clock.Now()
	rec := &models.EncryptedSecret{
		ID:              uuid.New(),
		Name:            name,
		CurrentValue:    ciphertext,
		EncryptionKeyID: keyID,
		RotatedAt:       now,
		CreatedAt:       now,
	}
	if err := s.store.CreateSecret(ctx, rec); err != nil {
		return Metadata{}, fmt.Errorf("store secret %s: %w", name, err)
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionSecretCreate,
		UserID:     actor,
		EntityType: "secret",
		EntityID:   name,
		Metadata:   map[string]any{"key_id": keyID},
		CreatedAt:  now,
	})
	s.logger.Info("secret created", zap.String("name", name), zap.String("key_id", keyID))
	return metadataOf(rec), nil
}

// Rotate installs a new current value under newKeyID and keeps the old
// current value, with its key id, as the previous generation. Any older
// previous generation is dropped.
func (s *Service) Rotate(ctx context.Context, actor, name string, plaintext Value, newKeyID string) (Metadata, error) {
	rec, err := s.store.GetSecretByName(ctx, name)
	if errors.Is(err, apierr.ErrNotFound) {
		return Metadata{}, fmt.Errorf("%w: %s", apierr.ErrKeyNotFound, name)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("load secret %s: %w", name, err)
	}

	ciphertext, err := s.provider.Encrypt(ctx, plaintext.Bytes(), newKeyID)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", apierr.ErrEncryptionFailed, err)
	}

	readRotatedAt := rec.RotatedAt
	oldKeyID := rec.EncryptionKeyID
	now := s.clock.Now()

	rec.PreviousValue = rec.CurrentValue
	rec.PreviousKeyID = oldKeyID
	rec.CurrentValue = ciphertext
	rec.EncryptionKeyID = newKeyID
	rec.RotatedAt = now

	if err := s.store.UpdateSecretRotation(ctx, rec, readRotatedAt); err != nil {
		return Metadata{}, fmt.Errorf("rotate secret %s: %w", name, err)
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionSecretRotate,
		UserID:     actor,
		EntityType: "secret",
		EntityID:   name,
		Metadata:   map[string]any{"key_id": newKeyID, "previous_key_id": oldKeyID},
		CreatedAt:  now,
	})
	s.logger.Info("secret rotated",
		zap.String("name", name),
		zap.String("key_id", newKeyID),
		zap.String("previous_key_id", oldKeyID))
	return metadataOf(rec), nil
}

// Get returns the metadata of one secret.
func (s *Service) Get(ctx context.Context, name string) (Metadata, error) {
	rec, err := s.store.GetSecretByName(ctx, name)
	if err != nil {
		return Metadata{}, err
	}
	return metadataOf(rec), nil
}

func (s *Service) List(ctx context.Context) ([]Metadata, error) {
	recs, err := s.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(recs))
	for _, r := range recs {
		out = append(out, metadataOf(r))
	}
	return out, nil
}

// DecryptCurrent returns the plaintext of the current generation.
func (s *Service) DecryptCurrent(ctx context.Context, name string) (Value, error) {
	rec, err := s.store.GetSecretByName(ctx, name)
	if err != nil {
		return Value{}, err
	}
	return s.decrypt(ctx, rec.CurrentValue, rec.EncryptionKeyID)
}

// DecryptPrevious returns the plaintext of the previous generation, or
// apierr.ErrNotFound when the secret was never rotated. Rows written before
// previous_key_id existed fall back to the current key id.
func (s *Service) DecryptPrevious(ctx context.Context, name string) (Value, error) {
	rec, err := s.store.GetSecretByName(ctx, name)
	if err != nil {
		return Value{}, err
	}
	if len(rec.PreviousValue) == 0 {
		return Value{}, fmt.Errorf("%w: %s has no previous generation", apierr.ErrNotFound, name)
	}
	keyID := rec.PreviousKeyID
	if keyID == "" {
		keyID = rec.EncryptionKeyID
	}
	return s.decrypt(ctx, rec.PreviousValue, keyID)
}

func (s *Service) decrypt(ctx context.Context, ciphertext []byte, keyID string) (Value, error) {
	plaintext, err := s.provider.Decrypt(ctx, ciphertext, keyID)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", apierr.ErrDecryptionFailed, err)
	}
	return Value{b: plaintext}, nil
}

// NeedsRotation reports whether now is past rotated_at + maxAgeDays.
func (s *Service) NeedsRotation(meta Metadata, maxAgeDays int) bool {
	return NeedsRotation(meta, maxAgeDays, s.clock.Now())
}

func NeedsRotation(meta Metadata, maxAgeDays int, now time.Time) bool {
	return now.After(meta.RotatedAt.Add(time.Duration(maxAgeDays) * 24 * time.Hour))
}

// Due lists the secrets that need rotation.
func (s *Service) Due(ctx context.Context, maxAgeDays int) ([]Metadata, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var due []Metadata
	for _, m := range all {
		if NeedsRotation(m, maxAgeDays, now) {
			due = append(due, m)
		}
	}
	return due, nil
}
