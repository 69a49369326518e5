package domain

import (
	"time"
)

// Paste is the unit of stored content. Rows are immutable once written;
// the only mutation is terminal deletion (burn, expiry, or authorized delete).
type Paste struct {
	ID               string     `json:"id"`
	Content          []byte     `json:"-"`
	Fingerprint      string     `json:"-"`
	Extension        string     `json:"extension,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	BurnAfterReading bool       `json:"burn_after_reading"`
	// UID is the stored digest of the deletion token. It never leaves the store.
	UID string `json:"-"`
}

// Expired reports whether the paste is logically dead at the given instant.
// A nil ExpiresAt means the paste never expires.
func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// WithinGrace reports whether the universal deletion grace window is still
// open for this paste.
func (p *Paste) WithinGrace(now time.Time, window time.Duration) bool {
	return now.Sub(p.CreatedAt) <= window
}

type CreateParams struct {
	Text             string
	Extension        string
	ExpiresIn        time.Duration
	BurnAfterReading bool
}
