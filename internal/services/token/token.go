// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package token generates, verifies, and invalidates single-use recovery
// tokens.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uhcare/recoveryd/internal/models"
	"github.com/uhcare/recoveryd/internal/repository"
)

const (
	// SecretLength is the number of random bytes per token secret.
	SecretLength = 32
	// DefaultTTL is how long tokens are valid unless configured otherwise.
	DefaultTTL = 24 * time.Hour
	// MaxOutstanding caps unconsumed, unexpired tokens per user. Repeated
	// requests within the window reuse one of the already delivered links.
	MaxOutstanding = 5
)

var (
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrTooManyTokens        = errors.New("too many outstanding tokens")
	ErrTokenMalformed       = errors.New("token malformed")
	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenConsumed        = errors.New("token already consumed")
	ErrTokenBindingMismatch = errors.New("token binding mismatch")
)

// Service implements the recovery token lifecycle.
type Service struct {
	repo *repository.Repository
	ttl  time.Duration

	// Now is the clock used for issue and expiry decisions. Overridable in
	// tests.
	Now func() time.Time
}

// NewService creates a token service with the given TTL. A zero TTL falls
// back to DefaultTTL.
func NewService(repo *repository.Repository, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo: repo,
		ttl:  ttl,
		Now:  time.Now,
	}
}

// Generate creates a new recovery token for the user and returns its opaque,
// URL-safe encoding together with the stored record. The secret is fresh
// random data; the binding hash pins the token to the user's password hash at
// issue time. Once MaxOutstanding live tokens exist for the user, issuance is
// refused with ErrTooManyTokens.
func (s *Service) Generate(ctx context.Context, user *models.User) (string, *models.RecoveryToken, error) {
	if user == nil || !user.IsActive {
		return "", nil, ErrIdentityNotFound
	}

	now := s.Now()
	active, err := s.repo.CountActiveRecoveryTokens(ctx, user.ID, now)
	if err != nil {
		return "", nil, fmt.Errorf("failed to count active tokens: %w", err)
	}
	if active >= MaxOutstanding {
		return "", nil, ErrTooManyTokens
	}

	raw := make([]byte, SecretLength)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	tok := &models.RecoveryToken{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		SecretHash:  hashSecret(secret),
		BindingHash: BindingHash(user.PasswordHash),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}

	if err := s.repo.CreateRecoveryToken(ctx, tok); err != nil {
		return "", nil, fmt.Errorf("failed to store token: %w", err)
	}

	return Encode(tok.ID, secret), tok, nil
}

// Verify decodes an opaque token and checks secret, expiry, consumption, and
// credential binding in that order. Knowledge of the encoding alone is not
// enough: the secret is compared in constant time against the stored hash.
func (s *Service) Verify(ctx context.Context, opaque string) (*models.RecoveryToken, *models.User, error) {
	id, secret, err := decode(opaque)
	if err != nil {
		return nil, nil, ErrTokenMalformed
	}

	tok, err := s.repo.GetRecoveryToken(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to load token: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(tok.SecretHash)) != 1 {
		return nil, nil, ErrTokenNotFound
	}

	if tok.Expired(s.Now()) {
		return nil, nil, ErrTokenExpired
	}
	if tok.Consumed {
		return nil, nil, ErrTokenConsumed
	}

	user, err := s.repo.GetUserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive {
		return nil, nil, ErrTokenNotFound
	}

	if subtle.ConstantTimeCompare([]byte(BindingHash(user.PasswordHash)), []byte(tok.BindingHash)) != 1 {
		return nil, nil, ErrTokenBindingMismatch
	}

	return tok, user, nil
}

// Consume flips the token's consumed flag. With concurrent calls on the same
// token exactly one caller succeeds; the others get ErrTokenConsumed.
func (s *Service) Consume(ctx context.Context, tok *models.RecoveryToken) error {
	err := s.repo.ConsumeRecoveryToken(ctx, tok.ID, s.Now())
	if errors.Is(err, repository.ErrAlreadyConsumed) {
		return ErrTokenConsumed
	}
	return err
}

// Invalidate marks the token consumed. Unlike Consume it is idempotent: a
// double invalidate, as from a resubmitted confirmation form, is a no-op
// success.
func (s *Service) Invalidate(ctx context.Context, tok *models.RecoveryToken) error {
	err := s.Consume(ctx, tok)
	if errors.Is(err, ErrTokenConsumed) {
		return nil
	}
	return err
}

// Encode combines the token's public ID and plaintext secret into a URL-safe
// opaque string.
func Encode(id, secret string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id)) + "." + secret
}

func decode(opaque string) (id, secret string, err error) {
	ref, secret, ok := strings.Cut(opaque, ".")
	if !ok || secret == "" {
		return "", "", ErrTokenMalformed
	}

	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return "", "", ErrTokenMalformed
	}
	if _, err := uuid.Parse(string(raw)); err != nil {
		return "", "", ErrTokenMalformed
	}
	if len(secret) != SecretLength*2 {
		return "", "", ErrTokenMalformed
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", "", ErrTokenMalformed
	}

	return string(raw), secret, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// BindingHash derives the credential binding value from a password hash.
func BindingHash(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:])
}
