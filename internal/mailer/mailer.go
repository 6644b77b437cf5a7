// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package mailer provides the pluggable delivery transport for outbound
// messages. The variant is chosen once from configuration; callers depend on
// the Transport interface only.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhcare/recoveryd/internal/config"
)

var (
	// ErrTransientDelivery marks failures a caller may retry (connection
	// problems, timeouts). This package never retries on its own.
	ErrTransientDelivery = errors.New("transient delivery error")
	// ErrPermanentDelivery marks failures retrying cannot fix (malformed
	// recipient, rejected sender, failed authentication).
	ErrPermanentDelivery = errors.New("permanent delivery error")
)

// Message is a single outbound message.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Transport delivers outbound messages.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// New selects the transport variant from configuration.
func New(cfg *config.MailConfig) (Transport, error) {
	switch cfg.Transport {
	case "capture":
		return NewCapture(), nil
	case "smtp":
		return NewSMTP(cfg)
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}
