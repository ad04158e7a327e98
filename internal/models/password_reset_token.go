// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// PasswordResetToken is a single-use credential allowing a user to set a new password.
// Only the SHA256 hash is persisted; Token holds the plaintext when the caller knows it.
type PasswordResetToken struct { //nolint:govet // fieldalignment: readability over optimization
	ID        int64     `json:"-"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token,omitempty"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *PasswordResetToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
