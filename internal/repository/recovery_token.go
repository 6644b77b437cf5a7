// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/uhcare/recoveryd/internal/models"
)

// CreateRecoveryToken stores a new recovery token.
func (r *Repository) CreateRecoveryToken(ctx context.Context, token *models.RecoveryToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recovery_tokens (id, user_id, secret_hash, binding_hash, issued_at, expires_at, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		token.ID, token.UserID, token.SecretHash, token.BindingHash, token.IssuedAt, token.ExpiresAt)
	return err
}

// GetRecoveryToken retrieves a recovery token by its public ID.
func (r *Repository) GetRecoveryToken(ctx context.Context, id string) (*models.RecoveryToken, error) {
	var token models.RecoveryToken
	err := r.db.GetContext(ctx, &token, `SELECT * FROM recovery_tokens WHERE id = ?`, id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &token, nil
}

// ConsumeRecoveryToken flips consumed from false to true. The WHERE clause is
// a compare-and-swap: with two concurrent confirmations of the same token,
// exactly one caller gets nil and the other gets ErrAlreadyConsumed.
func (r *Repository) ConsumeRecoveryToken(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recovery_tokens SET consumed = 1, consumed_at = ? WHERE id = ? AND consumed = 0`,
		at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}

// CountActiveRecoveryTokens returns the number of unconsumed, unexpired
// tokens for a user. Multiple outstanding tokens per user are permitted.
func (r *Repository) CountActiveRecoveryTokens(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM recovery_tokens WHERE user_id = ? AND consumed = 0 AND expires_at > ?`,
		userID, now)
	return count, err
}

// DeleteExpiredRecoveryTokens removes tokens past their expiry. Consumed but
// unexpired tokens are kept for audit until they age out.
func (r *Repository) DeleteExpiredRecoveryTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM recovery_tokens WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
