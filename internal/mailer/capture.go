// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package mailer

import (
	"context"
	"log/slog"
	"sync"
)

// Capture records outbound messages verbatim instead of delivering them.
// It never performs network I/O and is intended for non-production use and
// tests.
type Capture struct {
	mu       sync.Mutex
	messages []Message
}

// NewCapture creates a new capture transport.
func NewCapture() *Capture {
	return &Capture{}
}

// Send records the message and logs a summary.
func (c *Capture) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	slog.Info("mail captured", "to", msg.To, "subject", msg.Subject, "bytes", len(msg.Body))
	return nil
}

// Messages returns a copy of all captured messages.
func (c *Capture) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Reset discards all captured messages.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}
