// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package notify fans out administrative audit notifications for recovery
// requests. Dispatch is best-effort: it never blocks the requesting flow and
// delivery failures are logged, not propagated.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/uhcare/recoveryd/internal/config"
	"github.com/uhcare/recoveryd/internal/mailer"
)

// RequestEvent is the transient audit record of a single recovery request.
// It is never persisted.
type RequestEvent struct { //nolint:govet // fieldalignment: readability over optimization
	RequestID  string
	Identifier string
	Resolved   bool
	UserID     int64 // zero when unresolved
	SourceAddr string
	UserAgent  string
	Path       string
	At         time.Time
}

// Dispatcher sends admin notifications through the delivery transport.
type Dispatcher struct {
	transport  mailer.Transport
	recipients []string
	timeout    time.Duration
	limiter    *sourceLimiter
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the configured admin recipients.
func NewDispatcher(transport mailer.Transport, cfg *config.RecoveryConfig) *Dispatcher {
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		transport:  transport,
		recipients: cfg.AdminRecipients,
		timeout:    timeout,
		limiter:    newSourceLimiter(cfg.RateLimitPerMinute),
	}
}

// AdminAlert composes and sends the audit notification on a separate
// goroutine with a bounded timeout. It fires for resolved and unresolved
// identifiers alike; any transport error is logged and dropped. Fan-out per
// source address is rate limited because any unauthenticated input reaches
// this path.
func (d *Dispatcher) AdminAlert(ev RequestEvent) {
	if len(d.recipients) == 0 {
		return
	}

	if !d.limiter.Allow(ev.SourceAddr, ev.At) {
		slog.Warn("admin alert rate limited", "source", ev.SourceAddr, "request_id", ev.RequestID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.transport.Send(ctx, d.compose(ev)); err != nil {
			slog.Error("admin alert delivery failed",
				"error", err, "source", ev.SourceAddr, "request_id", ev.RequestID)
			return
		}
		slog.Debug("admin alert sent", "request_id", ev.RequestID, "resolved", ev.Resolved)
	}()
}

// Close waits for in-flight notifications to finish or time out.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) compose(ev RequestEvent) mailer.Message {
	outcome := "not resolved"
	if ev.Resolved {
		outcome = "resolved"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A password recovery was requested.\n\n")
	fmt.Fprintf(&b, "Identifier: %s\n", ev.Identifier)
	fmt.Fprintf(&b, "Outcome:    %s\n", outcome)
	if ev.Resolved {
		fmt.Fprintf(&b, "User:       %d\n", ev.UserID)
	}
	fmt.Fprintf(&b, "Source:     %s\n", ev.SourceAddr)
	fmt.Fprintf(&b, "User agent: %s\n", ev.UserAgent)
	fmt.Fprintf(&b, "Path:       %s\n", ev.Path)
	fmt.Fprintf(&b, "Time:       %s\n", ev.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Request ID: %s\n", ev.RequestID)

	return mailer.Message{
		To:      d.recipients,
		Subject: fmt.Sprintf("Password recovery requested for %s", ev.Identifier),
		Body:    b.String(),
	}
}
