// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"strings"

	"github.com/uhcare/recoveryd/internal/models"
)

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by their email address. The comparison is
// case-insensitive.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user,
		`SELECT * FROM users WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email))
	if err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// CreateUser creates a new user.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, is_active) VALUES (?, ?, ?)`,
		user.Email, user.PasswordHash, user.IsActive)
	if err != nil {
		return err
	}
	user.ID, err = res.LastInsertId()
	return err
}

// UpdateUserPassword updates a user's password hash. This is the credential
// change every outstanding recovery token is bound against.
func (r *Repository) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		passwordHash, id)
	return err
}
