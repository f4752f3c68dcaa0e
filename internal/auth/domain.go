// Package auth authenticates library staff with passwords and expiring bearer sessions.
package auth

import (
	"time"

	"libracirc/internal/errkind"
)

// Staff is an operator allowed to use the API.
type Staff struct {
	Username     string    `db:"username"`
	PasswordHash []byte    `db:"password_hash"`
	Salt         []byte    `db:"salt"`
	CreatedAt    time.Time `db:"created_at"`
}

// Session is an issued bearer token.
type Session struct {
	Token     string    `json:"token" db:"token"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the session has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

var (
	ErrInvalidCredentials = errkind.New(errkind.Unauthorized, "invalid_credentials", "invalid username or password")
	ErrSessionExpired     = errkind.New(errkind.Unauthorized, "session_expired", "session expired or unknown")
	ErrRateLimited        = errkind.New(errkind.RateLimited, "rate_limited", "too many login attempts")
	ErrStaffExists        = errkind.New(errkind.PreconditionFailed, "staff_exists", "staff account already exists")
)
