// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhcare/recoveryd/internal/config"
	"github.com/uhcare/recoveryd/internal/i18n"
	"github.com/uhcare/recoveryd/internal/mailer"
	"github.com/uhcare/recoveryd/internal/notify"
	"github.com/uhcare/recoveryd/internal/repository"
	"github.com/uhcare/recoveryd/internal/services/identity"
	"github.com/uhcare/recoveryd/internal/services/recovery"
	"github.com/uhcare/recoveryd/internal/services/token"
	"github.com/uhcare/recoveryd/internal/testutil"
)

type fixture struct {
	repo       *repository.Repository
	identity   *identity.Service
	tokens     *token.Service
	capture    *mailer.Capture
	dispatcher *notify.Dispatcher
	flow       *recovery.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, i18n.Init())

	_, repo := testutil.NewTestDB(t)
	capture := mailer.NewCapture()

	cfg := &config.RecoveryConfig{
		TokenTTL:           24 * time.Hour,
		AdminRecipients:    []string{"admin@uhcare.example"},
		NotifyTimeout:      time.Second,
		RateLimitPerMinute: 100,
	}

	idsvc := identity.NewService(repo)
	tokens := token.NewService(repo, cfg.TokenTTL)
	dispatcher := notify.NewDispatcher(capture, cfg)
	flow := recovery.NewService(idsvc, tokens, capture, dispatcher, "http://localhost:8080", cfg)

	t.Cleanup(func() {
		flow.Close()
		dispatcher.Close()
	})

	return &fixture{
		repo:       repo,
		identity:   idsvc,
		tokens:     tokens,
		capture:    capture,
		dispatcher: dispatcher,
		flow:       flow,
	}
}

func requestInput(email string) recovery.RequestInput {
	return recovery.RequestInput{
		Email:      email,
		SourceAddr: "203.0.113.7",
		UserAgent:  "test-agent",
		Path:       "/recovery/request",
	}
}

// settle waits for in-flight mail deliveries from a Request call, both the
// reset link and the admin alert.
func (f *fixture) settle() {
	f.flow.Close()
	f.dispatcher.Close()
}

// resetOpaque extracts the opaque token from the captured reset email.
func resetOpaque(t *testing.T, capture *mailer.Capture) string {
	t.Helper()
	const marker = "/recovery/confirm/"
	for _, msg := range capture.Messages() {
		idx := strings.Index(msg.Body, marker)
		if idx < 0 {
			continue
		}
		rest := msg.Body[idx+len(marker):]
		if end := strings.IndexAny(rest, " \n\t"); end >= 0 {
			rest = rest[:end]
		}
		return rest
	}
	t.Fatal("no reset link found in captured mail")
	return ""
}

func (f *fixture) tokenCount(t *testing.T, ctx context.Context) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.repo.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM recovery_tokens`))
	return count
}

func TestRequest_KnownEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")

	result := f.flow.Request(ctx, requestInput("user@example.com"))
	f.settle()

	assert.Equal(t, recovery.StateTokenIssued, result.State)
	require.NotNil(t, result.Token)

	// Two notifications: reset link to the user, audit alert to the admins
	messages := f.capture.Messages()
	require.Len(t, messages, 2)

	var userMail, adminMail *mailer.Message
	for i := range messages {
		switch messages[i].To[0] {
		case "user@example.com":
			userMail = &messages[i]
		case "admin@uhcare.example":
			adminMail = &messages[i]
		}
	}
	require.NotNil(t, userMail)
	require.NotNil(t, adminMail)

	assert.Contains(t, userMail.Body, "http://localhost:8080/recovery/confirm/")

	// The alert reports the resolved outcome and subject, not the miss shape
	assert.Contains(t, adminMail.Body, "Outcome:    resolved")
	assert.NotContains(t, adminMail.Body, "not resolved")
	assert.Contains(t, adminMail.Body, fmt.Sprintf("User:       %d", user.ID))
	assert.Contains(t, adminMail.Body, "203.0.113.7")
}

func TestRequest_GhostEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.flow.Request(ctx, requestInput("ghost@example.com"))
	f.settle()

	assert.Equal(t, recovery.StateRejected, result.State)
	assert.Equal(t, int64(0), f.tokenCount(t, ctx))

	// Admin alert still fires with the unresolved outcome
	messages := f.capture.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, []string{"admin@uhcare.example"}, messages[0].To)
	assert.Contains(t, messages[0].Body, "Outcome:    not resolved")
	assert.NotContains(t, messages[0].Body, "User:")
}

type failingTransport struct{}

func (failingTransport) Send(ctx context.Context, msg mailer.Message) error {
	return errors.New("boom")
}

func TestRequest_DeliveryFailureStillIssuesToken(t *testing.T) {
	require.NoError(t, i18n.Init())
	_, repo := testutil.NewTestDB(t)

	cfg := &config.RecoveryConfig{
		TokenTTL:           24 * time.Hour,
		AdminRecipients:    []string{"admin@uhcare.example"},
		NotifyTimeout:      time.Second,
		RateLimitPerMinute: 100,
	}
	dispatcher := notify.NewDispatcher(failingTransport{}, cfg)
	flow := recovery.NewService(
		identity.NewService(repo),
		token.NewService(repo, cfg.TokenTTL),
		failingTransport{}, dispatcher, "http://localhost:8080", cfg,
	)

	testutil.NewTestUser(t, repo, "user@example.com", "initial-password")

	result := flow.Request(context.Background(), requestInput("user@example.com"))
	flow.Close()
	dispatcher.Close()

	assert.Equal(t, recovery.StateTokenIssued, result.State)
}

func TestConfirm_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")

	f.flow.Request(ctx, requestInput("user@example.com"))
	f.settle()
	opaque := resetOpaque(t, f.capture)

	result, err := f.flow.Confirm(ctx, recovery.ConfirmInput{
		Opaque:      opaque,
		NewPassword: "Str0ng!Pass-2024",
	})
	require.NoError(t, err)
	assert.Equal(t, recovery.StateCompleted, result.State)

	// Old password no longer authenticates, the new one does
	user, err := f.repo.GetUserByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, f.identity.VerifyPassword(user, "Str0ng!Pass-2024"))
	assert.False(t, f.identity.VerifyPassword(user, "initial-password"))
}

func TestConfirm_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")

	issued := time.Now()
	f.tokens.Now = func() time.Time { return issued }
	opaque, _, err := f.tokens.Generate(ctx, user)
	require.NoError(t, err)

	f.tokens.Now = func() time.Time { return issued.Add(24*time.Hour + time.Second) }

	result, err := f.flow.Confirm(ctx, recovery.ConfirmInput{
		Opaque:      opaque,
		NewPassword: "Str0ng!Pass-2024",
	})
	assert.Equal(t, recovery.StateRejected, result.State)
	assert.ErrorIs(t, err, token.ErrTokenExpired)

	// No credential change
	got, err := f.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)
}

func TestConfirm_DoubleSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")
	opaque, _, err := f.tokens.Generate(ctx, user)
	require.NoError(t, err)

	in := recovery.ConfirmInput{Opaque: opaque, NewPassword: "Str0ng!Pass-2024"}

	first, err := f.flow.Confirm(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, recovery.StateCompleted, first.State)

	// Resubmission of the same form: exactly one completion
	second, err := f.flow.Confirm(ctx, in)
	assert.Equal(t, recovery.StateRejected, second.State)
	assert.ErrorIs(t, err, token.ErrTokenConsumed)
}

func TestConfirm_WeakPasswordKeepsTokenLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")
	opaque, _, err := f.tokens.Generate(ctx, user)
	require.NoError(t, err)

	result, err := f.flow.Confirm(ctx, recovery.ConfirmInput{
		Opaque:      opaque,
		NewPassword: "short",
	})
	assert.Equal(t, recovery.StateTokenIssued, result.State)

	var pwErr *identity.PasswordValidationError
	require.ErrorAs(t, err, &pwErr)

	// The token survives the failed attempt
	_, _, err = f.tokens.Verify(ctx, opaque)
	assert.NoError(t, err)
}

func TestConfirm_PasswordChangeInvalidatesOutstandingTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")

	first, _, err := f.tokens.Generate(ctx, user)
	require.NoError(t, err)
	second, _, err := f.tokens.Generate(ctx, user)
	require.NoError(t, err)

	_, err = f.flow.Confirm(ctx, recovery.ConfirmInput{Opaque: first, NewPassword: "Str0ng!Pass-2024"})
	require.NoError(t, err)

	// The second, never-consumed token is dead after the credential change
	result, err := f.flow.Confirm(ctx, recovery.ConfirmInput{Opaque: second, NewPassword: "An0ther!Pass-2024"})
	assert.Equal(t, recovery.StateRejected, result.State)
	assert.ErrorIs(t, err, token.ErrTokenBindingMismatch)
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, f.repo, "user@example.com", "initial-password")
	opaque, _, err := f.tokens.Generate(ctx, user)
	require.NoError(t, err)

	require.NoError(t, f.flow.Check(ctx, opaque))
	assert.ErrorIs(t, f.flow.Check(ctx, "garbage"), token.ErrTokenMalformed)

	// Check never consumes
	require.NoError(t, f.flow.Check(ctx, opaque))
}

func TestResetURL(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t,
		"http://localhost:8080/recovery/confirm/abc.def",
		f.flow.ResetURL("abc.def"))
}
