// Package secretbox encrypts short secrets (API keys, tool credentials)
// for storage at rest. XChaCha20-Poly1305 with a random nonce per value;
// the key is derived from the configured secret string.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "xchacha"

var ErrMalformed = errors.New("secretbox: malformed ciphertext")

type Box struct {
	key [chacha20poly1305.KeySize]byte
}

func New(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("secretbox: empty secret")
	}
	b := &Box{key: sha256.Sum256([]byte(secret))}
	return b, nil
}

// Seal encrypts plaintext. Format: xchacha$<nonce-b64>$<ciphertext-b64>.
// Empty input stays empty so unset keys round-trip as unset.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return prefix + "$" +
		base64.RawStdEncoding.EncodeToString(nonce) + "$" +
		base64.RawStdEncoding.EncodeToString(ct), nil
}

func (b *Box) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != prefix {
		return "", ErrMalformed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	ct, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("secretbox: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", ErrMalformed
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: open: %w", err)
	}
	return string(pt), nil
}

// IsSealed reports whether the value carries the secretbox format marker.
func IsSealed(s string) bool { return strings.HasPrefix(s, prefix+"$") }
