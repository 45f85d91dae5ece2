package models

import "time"

// Lock is a worker's exclusive, expiring lease on a job token.
type Lock struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock's lease has run out.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
