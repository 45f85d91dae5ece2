package models

import (
	"time"

	"github.com/google/uuid"
)

// Token identifies a submitted job. Expiration is advisory: stores drop
// expired tokens during cleanup and readers treat them as missing.
type Token struct {
	Value     string     `json:"value"`
	Expires   bool       `json:"expires"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewToken mints a fresh token. A zero ttl yields a non-expiring token.
func NewToken(ttl time.Duration) Token {
	t := Token{Value: uuid.NewString()}
	if ttl > 0 {
		at := time.Now().Add(ttl).UTC()
		t.Expires = true
		t.ExpiresAt = &at
	}
	return t
}

// Expired reports whether the token has passed its expiration date.
func (t Token) Expired(now time.Time) bool {
	return t.Expires && t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}
