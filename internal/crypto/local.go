package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scrypt parameters for passphrase-derived keys.
	scryptN = 32768
	scryptR = 8
	scryptP = 1

	KeySize = chacha20poly1305.KeySize
)

// KeySpec describes one keyring entry as it appears in configuration. Exactly
// one of Hex or Passphrase is set; Salt is required with Passphrase.
type KeySpec struct {
	ID         string `yaml:"id"`
	Hex        string `yaml:"hex"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

// DeriveKey stretches a passphrase into a 32-byte key. Both inputs are
// normalized to NFKC first so equivalent unicode spellings agree.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	key, err := scrypt.Key(
		[]byte(norm.NFKC.String(passphrase)),
		[]byte(norm.NFKC.String(salt)),
		scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Key resolves the KeySpec into raw key bytes.
func (s KeySpec) Key() ([]byte, error) {
	switch {
	case s.Hex != "" && s.Passphrase != "":
		return nil, fmt.Errorf("key %q: set either hex or passphrase, not both", s.ID)
	case s.Hex != "":
		b, err := hex.DecodeString(s.Hex)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", s.ID, err)
		}
		if len(b) != KeySize {
			return nil, fmt.Errorf("key %q: %w", s.ID, ErrBadKey)
		}
		return b, nil
	case s.Passphrase != "":
		if s.Salt == "" {
			return nil, fmt.Errorf("key %q: passphrase needs a salt", s.ID)
		}
		return DeriveKey(s.Passphrase, s.Salt)
	}
	return nil, fmt.Errorf("key %q: no key material", s.ID)
}

// LocalProvider seals with XChaCha20-Poly1305. The output layout is
// [24-byte nonce][ciphertext+tag] and the key id is bound as associated data.
type LocalProvider struct {
	mu      sync.RWMutex
	keys    map[string][]byte
	entropy io.Reader
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{keys: make(map[string][]byte), entropy: rand.Reader}
}

// NewLocalProviderFromSpecs builds a keyring from configuration.
func NewLocalProviderFromSpecs(specs []KeySpec) (*LocalProvider, error) {
	p := NewLocalProvider()
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("key without id")
		}
		key, err := s.Key()
		if err != nil {
			return nil, err
		}
		if err := p.AddKey(s.ID, key); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddKey installs or replaces a key.
func (p *LocalProvider) AddKey(id string, key []byte) error {
	if len(key) != KeySize {
		return ErrBadKey
	}
	k := make([]byte, KeySize)
	copy(k, key)
	p.mu.Lock()
	p.keys[id] = k
	p.mu.Unlock()
	return nil
}

// KeyIDs lists the installed key ids in sorted order.
func (p *LocalProvider) KeyIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.keys))
	for id := range p.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *LocalProvider) key(id string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, id)
	}
	return k, nil
}

func (p *LocalProvider) Encrypt(_ context.Context, plaintext []byte, keyID string) ([]byte, error) {
	key, err := p.key(keyID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(p.entropy, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(keyID)), nil
}

func (p *LocalProvider) Decrypt(_ context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	key, err := p.key(keyID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpen
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
