// Package auth issues and verifies the per-paste deletion tokens. A token is
// an HMAC over the paste id, the configured issuer string and an expiry
// instant, signed with the process-wide secret; it proves the requester
// created the paste without the server keeping any per-client state.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrTokenMalformed = errors.New("deletion token malformed")
	ErrTokenForged    = errors.New("deletion token signature invalid")
	ErrTokenExpired   = errors.New("deletion token expired")
)

const macSize = sha256.Size

type Issuer struct {
	key      []byte
	issuer   string
	validity time.Duration
}

// NewIssuer builds a token issuer. The secret must carry enough entropy to
// resist offline forgery.
func NewIssuer(secret []byte, issuer string, validity time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("signing secret must be at least 32 bytes")
	}
	if validity <= 0 {
		return nil, errors.New("token validity must be positive")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Issuer{key: key, issuer: issuer, validity: validity}, nil
}

func (i *Issuer) sign(pasteID string, expiryBytes []byte) []byte {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(pasteID))
	mac.Write([]byte{0})
	mac.Write([]byte(i.issuer))
	mac.Write([]byte{0})
	mac.Write(expiryBytes)
	return mac.Sum(nil)
}

// Issue mints a token bound to pasteID, valid until now+validity.
func (i *Issuer) Issue(pasteID string) (string, error) {
	expiry := time.Now().Add(i.validity).Unix()
	expiryBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(expiryBytes, uint64(expiry))

	payload := make([]byte, 0, 8+macSize)
	payload = append(payload, expiryBytes...)
	payload = append(payload, i.sign(pasteID, expiryBytes)...)
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Verify checks that token was issued by this process for pasteID and has not
// expired. The signature is checked before the expiry so a forged token never
// learns whether its timestamp was plausible.
func (i *Issuer) Verify(pasteID, token string) error {
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(payload) != 8+macSize {
		return ErrTokenMalformed
	}
	expiryBytes := payload[:8]
	providedMAC := payload[8:]

	expectedMAC := i.sign(pasteID, expiryBytes)
	if subtle.ConstantTimeCompare(providedMAC, expectedMAC) != 1 {
		return ErrTokenForged
	}
	expiry := int64(binary.BigEndian.Uint64(expiryBytes))
	if time.Now().Unix() > expiry {
		return ErrTokenExpired
	}
	return nil
}

// Digest is the stored form of a token (the paste row's uid column). The raw
// token is never persisted.
func Digest(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
