package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxUnbiased is the largest multiple of len(alphanumeric) that fits in a byte.
const maxUnbiased = 256 - (256 % len(alphanumeric))

// Generator produces opaque identifiers for sessions, API keys and one-time tokens.
// The entropy source is injectable so tests can use a deterministic reader.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a generator reading from entropy, or crypto/rand when nil.
func NewGenerator(entropy io.Reader) *Generator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Generator{entropy: entropy}
}

// Hex returns a hex string encoding n random bytes (2n characters).
func (g *Generator) Hex(n int) (string, error) {
	b, err := g.bytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// URLSafe returns a base64url string of exactly length characters.
func (g *Generator) URLSafe(length int) (string, error) {
	b, err := g.bytes(length)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length], nil
}

// Alphanumeric returns a string of length characters drawn uniformly from [A-Za-z0-9].
func (g *Generator) Alphanumeric(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(g.entropy, buf); err != nil {
			return "", fmt.Errorf("reading entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// NewID returns a random (version 4) UUID drawn from the generator's entropy.
func (g *Generator) NewID() (uuid.UUID, error) {
	id, err := uuid.NewRandomFromReader(g.entropy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating id: %w", err)
	}
	return id, nil
}

func (g *Generator) bytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid token length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(g.entropy, b); err != nil {
		return nil, fmt.Errorf("reading entropy: %w", err)
	}
	return b, nil
}
