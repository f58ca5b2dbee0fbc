package gatekeeper

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedVersion prefixes sealed bundles. Plain JSON tokens start with
// '{', so the two never collide.
const sealedVersion byte = 0x01

// ErrSealed is returned when a sealed bundle is opened without a key.
var ErrSealed = errors.New("token is sealed but no token key is configured")

// Sealer encrypts stored OAuth tokens with XChaCha20-Poly1305. A nil
// *Sealer passes data through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// ParseKey decodes a 32-byte key given as hex or base64 (standard or
// URL alphabet, padded or not).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("token key is empty")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("token key must decode to %d bytes (hex or base64)", chacha20poly1305.KeySize)
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if s == nil {
		return plain, nil
	}
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plain)+s.aead.Overhead())
	out[0] = sealedVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(out, nonce, plain, nil), nil
}

// Open reverses [Sealer.Seal]. Unsealed JSON written before a key was
// configured is returned as is.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != sealedVersion {
		return data, nil
	}
	if s == nil {
		return nil, ErrSealed
	}
	ns := s.aead.NonceSize()
	if len(data) < 1+ns+s.aead.Overhead() {
		return nil, errors.New("sealed token is truncated")
	}
	nonce, ct := data[1:1+ns], data[1+ns:]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed token: %w", err)
	}
	return plain, nil
}
