// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package identity resolves email addresses to user records and installs new
// credentials after a confirmed recovery.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uhcare/recoveryd/internal/models"
	"github.com/uhcare/recoveryd/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound     = errors.New("identity not found")
	ErrWeakPassword = errors.New("password does not meet requirements")
)

// dummyHash keeps the miss path of Lookup on the same cost curve as the hit
// path so response timing does not reveal whether an address exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), bcrypt.DefaultCost)

// Service looks up users and manages their password credential.
type Service struct {
	repo              *repository.Repository
	passwordValidator *PasswordValidator
}

// NewService creates a new identity service.
func NewService(repo *repository.Repository) *Service {
	return &Service{
		repo:              repo,
		passwordValidator: DefaultPasswordValidator(),
	}
}

// PasswordValidator returns the password validator for use in handlers.
func (s *Service) PasswordValidator() *PasswordValidator {
	return s.passwordValidator
}

// Lookup resolves an email address to an active user. Inactive accounts are
// treated as not found. On a miss a dummy bcrypt comparison is performed
// before returning ErrNotFound.
func (s *Service) Lookup(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(email))
			slog.Info("identity lookup miss", "email", email)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !user.IsActive {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(email))
		slog.Info("identity lookup inactive", "user_id", user.ID)
		return nil, ErrNotFound
	}

	return user, nil
}

// SetPassword validates and installs a new password for the user. All
// recovery tokens bound to the previous hash stop verifying once this
// returns.
func (s *Service) SetPassword(ctx context.Context, user *models.User, plaintext string) error {
	validation := s.passwordValidator.Validate(plaintext, user.Email)
	if !validation.Valid {
		return &PasswordValidationError{Errors: validation.Errors}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.repo.UpdateUserPassword(ctx, user.ID, string(hash)); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	user.PasswordHash = string(hash)
	slog.Info("password updated", "user_id", user.ID)
	return nil
}

// VerifyPassword reports whether the plaintext matches the user's current
// credential.
func (s *Service) VerifyPassword(user *models.User, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(plaintext)) == nil
}
