// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/uhcare/recoveryd/internal/config"
	"github.com/wneessen/go-mail"
)

// SMTP delivers messages via an authenticated outbound mail server using
// go-mail. Failures are classified as transient or permanent; retrying is
// left to the caller.
type SMTP struct {
	cfg *config.MailConfig
}

// NewSMTP creates a new SMTP transport.
func NewSMTP(cfg *config.MailConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("SMTP from address is required")
	}
	return &SMTP{cfg: cfg}, nil
}

// Send delivers the message. Address and authentication problems come back
// wrapped in ErrPermanentDelivery, everything else in ErrTransientDelivery.
func (s *SMTP) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()

	if s.cfg.FromName != "" {
		if err := m.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
			return fmt.Errorf("%w: setting from address: %w", ErrPermanentDelivery, err)
		}
	} else {
		if err := m.From(s.cfg.From); err != nil {
			return fmt.Errorf("%w: setting from address: %w", ErrPermanentDelivery, err)
		}
	}

	if err := m.To(msg.To...); err != nil {
		return fmt.Errorf("%w: setting to address: %w", ErrPermanentDelivery, err)
	}

	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}

	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		// Implicit TLS for port 465, STARTTLS for others
		if s.cfg.Port == 465 {
			opts = append(opts, mail.WithSSL())
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("%w: creating mail client: %w", ErrTransientDelivery, err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("%w: sending mail: %w", classify(err), err)
	}

	return nil
}

// classify maps go-mail send errors to the transient/permanent taxonomy.
// Rejected envelope addresses are permanent, as is any SMTP reply in the 5xx
// class (a 535 authentication rejection included). Everything else, 4xx
// replies and connection problems, is transient.
func classify(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		switch sendErr.Reason {
		case mail.ErrSMTPMailFrom, mail.ErrSMTPRcptTo:
			return ErrPermanentDelivery
		}
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return ErrPermanentDelivery
	}

	return ErrTransientDelivery
}
