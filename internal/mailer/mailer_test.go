// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package mailer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhcare/recoveryd/internal/config"
	"github.com/uhcare/recoveryd/internal/mailer"
)

func TestCaptureRecordsVerbatim(t *testing.T) {
	capture := mailer.NewCapture()

	msg := mailer.Message{
		To:      []string{"admin@uhcare.example"},
		Subject: "Password recovery requested for user@example.com",
		Body:    "A password recovery was requested.",
	}
	require.NoError(t, capture.Send(context.Background(), msg))

	messages := capture.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, msg, messages[0])

	capture.Reset()
	assert.Empty(t, capture.Messages())
}

func TestCaptureRespectsContext(t *testing.T) {
	capture := mailer.NewCapture()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := capture.Send(ctx, mailer.Message{To: []string{"admin@uhcare.example"}})
	assert.Error(t, err)
	assert.Empty(t, capture.Messages())
}

func TestNewSelectsTransport(t *testing.T) {
	transport, err := mailer.New(&config.MailConfig{Transport: "capture"})
	require.NoError(t, err)
	assert.IsType(t, &mailer.Capture{}, transport)

	transport, err = mailer.New(&config.MailConfig{
		Transport: "smtp",
		Host:      "mail.uhcare.example",
		From:      "noreply@uhcare.example",
	})
	require.NoError(t, err)
	assert.IsType(t, &mailer.SMTP{}, transport)

	_, err = mailer.New(&config.MailConfig{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewSMTP_RequiresHostAndFrom(t *testing.T) {
	_, err := mailer.NewSMTP(&config.MailConfig{From: "noreply@uhcare.example"})
	assert.Error(t, err)

	_, err = mailer.NewSMTP(&config.MailConfig{Host: "mail.uhcare.example"})
	assert.Error(t, err)
}

func TestSMTPSend_MalformedRecipientIsPermanent(t *testing.T) {
	smtp, err := mailer.NewSMTP(&config.MailConfig{
		Host: "mail.uhcare.example",
		From: "noreply@uhcare.example",
		Port: 587,
	})
	require.NoError(t, err)

	err = smtp.Send(context.Background(), mailer.Message{
		To:      []string{"not-an-address"},
		Subject: "x",
	})
	assert.ErrorIs(t, err, mailer.ErrPermanentDelivery)
}
