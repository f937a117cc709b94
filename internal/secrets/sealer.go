// Package secrets seals gift-card code payloads and webhook signing secrets
// at rest and masks them for display.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes")
	ErrMalformed  = errors.New("secrets: malformed sealed value")
	ErrOpenFailed = errors.New("secrets: message authentication failed")
)

const sealedPrefix = "v1:"

var hkdfInfo = []byte("giftcard-fulfillment sealing key")

// Sealer encrypts small payloads with XChaCha20-Poly1305.
// Sealed values are "v1:" followed by base64(nonce || ciphertext).
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromString accepts either a base64-encoded 32-byte key or an
// arbitrary passphrase, which is stretched with HKDF-SHA256.
func NewSealerFromString(s string) (*Sealer, error) {
	if s == "" {
		return nil, ErrInvalidKey
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == chacha20poly1305.KeySize {
		return NewSealer(raw)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(s), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	return NewSealer(key)
}

// Seal encrypts plaintext and returns the printable sealed form.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return nil, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return nil, ErrMalformed
	}
	if len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

// SealString is Seal for string payloads.
func (s *Sealer) SealString(plaintext string) (string, error) {
	return s.Seal([]byte(plaintext))
}

// OpenString is Open for string payloads.
func (s *Sealer) OpenString(sealed string) (string, error) {
	b, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsSealed reports whether v looks like output of Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}
