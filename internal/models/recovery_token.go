// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// RecoveryToken is a single-use credential proving eligibility to set a new
// password. Only the SHA256 hash of the random secret is stored; the
// plaintext leaves the process exactly once, inside the reset link.
//
// BindingHash ties the token to the password hash it was issued against. A
// password change through any path makes every outstanding token for that
// user fail verification without touching the token rows.
type RecoveryToken struct { //nolint:govet // fieldalignment: readability over optimization
	ID          string     `db:"id" json:"id"` // opaque public reference, not a sequential key
	UserID      int64      `db:"user_id" json:"user_id"`
	SecretHash  string     `db:"secret_hash" json:"-"`
	BindingHash string     `db:"binding_hash" json:"-"`
	IssuedAt    time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	Consumed    bool       `db:"consumed" json:"consumed"`
	ConsumedAt  *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *RecoveryToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
