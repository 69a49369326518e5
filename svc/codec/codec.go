// Package codec stores paste bodies at rest, optionally sealed with
// XChaCha20-Poly1305, and computes the plaintext fingerprint used as the
// highlight-cache key. The fingerprint is always taken over the plaintext so
// identical submissions share a cache entry regardless of key material.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/berezovskyi/wastebin/pkg/domain"
)

type Codec struct {
	key []byte
}

// New builds a codec. A nil or empty key means content is stored as plaintext;
// any other key must be exactly 32 bytes.
func New(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("content key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// Encrypting reports whether content is sealed at rest.
func (c *Codec) Encrypting() bool { return len(c.key) > 0 }

// Fingerprint returns the hex SHA-256 digest of the plaintext.
func Fingerprint(plaintext []byte) string {
	h := sha256.Sum256(plaintext)
	return hex.EncodeToString(h[:])
}

// Encode returns the bytes to persist and the plaintext fingerprint.
func (c *Codec) Encode(plaintext []byte) ([]byte, string, error) {
	fp := Fingerprint(plaintext)
	if !c.Encrypting() {
		stored := make([]byte, len(plaintext))
		copy(stored, plaintext)
		return stored, fp, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, "", errors.Wrap(err, "init aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", errors.Wrap(err, "read nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), fp, nil
}

// Decode recovers the plaintext from stored bytes. A mismatched key or
// corrupted ciphertext yields domain.ErrDecryptionFailed, never a bare
// crypto error, so callers can tell it apart from not-found.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if !c.Encrypting() {
		plaintext := make([]byte, len(stored))
		copy(plaintext, stored)
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	if len(stored) < aead.NonceSize() {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, "ciphertext too short")
	}
	nonce, ciphertext := stored[:aead.NonceSize()], stored[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptionFailed, err.Error())
	}
	return plaintext, nil
}
