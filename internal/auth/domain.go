package auth

import (
	"time"

	"github.com/gatehouse-auth/gatehouse/internal/token"
)

// User represents a user account.
type User struct {
	ID           int64
	Email        string
	Username     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Fingerprint summarises the security-relevant state handshake tokens bind
// to. Activation and password changes both alter it.
func (u *User) Fingerprint() string {
	return token.Fingerprint(u.PasswordHash, u.IsActive)
}

// Subject adapts the user for the token engine.
func (u *User) Subject() token.Subject {
	return token.Subject{ID: u.ID, Fingerprint: u.Fingerprint()}
}
