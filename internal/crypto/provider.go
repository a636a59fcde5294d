// Package crypto seals secret material under named keys.
package crypto

//go:generate mockgen -destination=mock/provider_mock.go -package=mock github.com/victorgomez09/inkwell/internal/crypto Provider

import (
	"context"
	"errors"
)

var (
	ErrUnknownKey = errors.New("unknown encryption key")
	ErrBadKey     = errors.New("encryption key must be 32 bytes")
	ErrOpen       = errors.New("ciphertext could not be opened")
)

// Provider encrypts and decrypts under a key identified by keyID. A
// ciphertext produced under one key id must not open under another.
type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error)
}
