// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package recovery orchestrates the credential recovery flow: request,
// confirm, complete. It collapses every internal failure into one of two
// externally visible outcomes so responses never reveal whether an
// identifier exists or why a link was rejected.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uhcare/recoveryd/internal/config"
	"github.com/uhcare/recoveryd/internal/i18n"
	"github.com/uhcare/recoveryd/internal/mailer"
	"github.com/uhcare/recoveryd/internal/models"
	"github.com/uhcare/recoveryd/internal/notify"
	"github.com/uhcare/recoveryd/internal/services/identity"
	"github.com/uhcare/recoveryd/internal/services/token"
)

// State is a position in the recovery state machine.
type State string

const (
	StateIdle        State = "idle"
	StateRequested   State = "requested"
	StateTokenIssued State = "token_issued"
	StateConfirmed   State = "confirmed"
	StateCompleted   State = "completed"
	StateRejected    State = "rejected"
)

// Result is the outcome of a flow step. State is internal bookkeeping for
// logs and tests; handlers must not let it shape the response beyond the
// accepted/rejected split.
type Result struct {
	State State
	Token *models.RecoveryToken
}

// RequestInput carries an inbound recovery request with its audit metadata.
type RequestInput struct {
	Email      string
	SourceAddr string
	UserAgent  string
	Path       string
}

// ConfirmInput carries an inbound confirmation.
type ConfirmInput struct {
	Opaque      string
	NewPassword string
}

// Service is the recovery flow controller.
type Service struct {
	identity   *identity.Service
	tokens     *token.Service
	transport  mailer.Transport
	dispatcher *notify.Dispatcher
	baseURL    string
	ttl        time.Duration
	timeout    time.Duration

	wg sync.WaitGroup
}

// NewService wires the flow controller from its collaborators and the
// recovery configuration.
func NewService(
	idsvc *identity.Service,
	tokens *token.Service,
	transport mailer.Transport,
	dispatcher *notify.Dispatcher,
	baseURL string,
	cfg *config.RecoveryConfig,
) *Service {
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = token.DefaultTTL
	}
	return &Service{
		identity:   idsvc,
		tokens:     tokens,
		transport:  transport,
		dispatcher: dispatcher,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		ttl:        ttl,
		timeout:    timeout,
	}
}

// Request handles Idle → Requested and its two exits. Whether the identifier
// resolves or not, the admin notification fires and the caller gets the same
// result shape; only the internal state differs. Request never returns an
// error: every failure on this path degrades to a logged Rejected.
func (s *Service) Request(ctx context.Context, in RequestInput) Result {
	now := s.tokens.Now()
	ev := notify.RequestEvent{
		RequestID:  uuid.NewString(),
		Identifier: strings.TrimSpace(in.Email),
		SourceAddr: in.SourceAddr,
		UserAgent:  in.UserAgent,
		Path:       in.Path,
		At:         now,
	}
	// Fires on both exits of Requested. The closure picks up the final event
	// state, including Resolved and UserID set below.
	defer func() { s.dispatcher.AdminAlert(ev) }()

	user, err := s.identity.Lookup(ctx, ev.Identifier)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			slog.Error("recovery request lookup failed", "error", err, "request_id", ev.RequestID)
		}
		slog.Info("recovery rejected", "request_id", ev.RequestID, "state", StateRejected)
		return Result{State: StateRejected}
	}
	ev.Resolved = true
	ev.UserID = user.ID

	opaque, tok, err := s.tokens.Generate(ctx, user)
	if err != nil {
		if errors.Is(err, token.ErrTooManyTokens) {
			slog.Warn("recovery token issuance capped", "user_id", user.ID, "request_id", ev.RequestID)
		} else {
			slog.Error("recovery token generation failed", "error", err, "request_id", ev.RequestID)
		}
		return Result{State: StateRejected}
	}

	s.sendResetLink(ctx, user, opaque, ev.RequestID)

	slog.Info("recovery token issued",
		"request_id", ev.RequestID, "user_id", user.ID, "token_id", tok.ID, "state", StateTokenIssued)
	return Result{State: StateTokenIssued, Token: tok}
}

// sendResetLink composes the reset email in the requester's locale and hands
// it to the transport off the critical path. Delivery success or failure is
// never reflected in the requester-facing outcome.
func (s *Service) sendResetLink(ctx context.Context, user *models.User, opaque, requestID string) {
	msg := mailer.Message{
		To:      []string{user.Email},
		Subject: i18n.T(ctx, "recovery_email_subject"),
		Body: i18n.TData(ctx, "recovery_email_body", map[string]any{
			"ResetURL": s.ResetURL(opaque),
			"TTLHours": int(s.ttl.Hours()),
		}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.transport.Send(sendCtx, msg); err != nil {
			slog.Error("reset link delivery failed",
				"error", err, "request_id", requestID, "user_id", user.ID,
				"permanent", errors.Is(err, mailer.ErrPermanentDelivery))
		}
	}()
}

// ResetURL builds the confirmation link for an opaque token.
func (s *Service) ResetURL(opaque string) string {
	return fmt.Sprintf("%s/recovery/confirm/%s", s.baseURL, opaque)
}

// Check verifies a token without consuming it, for the confirmation intake
// page. The returned error collapses to the generic rejection externally.
func (s *Service) Check(ctx context.Context, opaque string) error {
	_, _, err := s.tokens.Verify(ctx, opaque)
	return err
}

// Confirm handles TokenIssued → Confirmed → Completed. Token state only
// changes after the new password passed validation, and the consume is a
// compare-and-swap: of two concurrent confirmations with the same token
// exactly one reaches Completed.
//
// The returned error is nil on Completed, a token error or
// *identity.PasswordValidationError on Rejected, and a plain error when
// storage is unavailable (the one condition not masked behind the generic
// rejection).
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (Result, error) {
	tok, user, err := s.tokens.Verify(ctx, in.Opaque)
	if err != nil {
		if IsTokenError(err) {
			slog.Info("recovery confirm rejected", "reason", err, "state", StateRejected)
			return Result{State: StateRejected}, err
		}
		return Result{State: StateRejected}, fmt.Errorf("verify failed: %w", err)
	}

	validation := s.identity.PasswordValidator().Validate(in.NewPassword, user.Email)
	if !validation.Valid {
		// Token stays live so the user can retry with a better password
		return Result{State: StateTokenIssued, Token: tok}, &identity.PasswordValidationError{Errors: validation.Errors}
	}

	if err := s.tokens.Consume(ctx, tok); err != nil {
		if errors.Is(err, token.ErrTokenConsumed) {
			slog.Info("recovery confirm lost consume race", "token_id", tok.ID, "state", StateRejected)
			return Result{State: StateRejected}, err
		}
		return Result{State: StateRejected}, fmt.Errorf("consume failed: %w", err)
	}
	slog.Info("recovery confirmed", "token_id", tok.ID, "user_id", user.ID, "state", StateConfirmed)

	if err := s.identity.SetPassword(ctx, user, in.NewPassword); err != nil {
		// The token is already burnt; surface the failure instead of masking it
		slog.Error("password install failed after consume", "error", err, "user_id", user.ID)
		return Result{State: StateRejected}, fmt.Errorf("password install failed: %w", err)
	}

	slog.Info("recovery completed", "token_id", tok.ID, "user_id", user.ID, "state", StateCompleted)
	return Result{State: StateCompleted, Token: tok}, nil
}

// Close waits for in-flight reset link deliveries.
func (s *Service) Close() {
	s.wg.Wait()
}

// IsTokenError reports whether err belongs to the token failure taxonomy
// that collapses to the generic "link invalid or expired" rejection.
func IsTokenError(err error) bool {
	return errors.Is(err, token.ErrTokenMalformed) ||
		errors.Is(err, token.ErrTokenNotFound) ||
		errors.Is(err, token.ErrTokenExpired) ||
		errors.Is(err, token.ErrTokenConsumed) ||
		errors.Is(err, token.ErrTokenBindingMismatch)
}
