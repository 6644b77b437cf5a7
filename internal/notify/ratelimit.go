// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// sourceLimiter caps admin notifications per source address. Entries for
// idle sources are pruned on the fly.
type sourceLimiter struct {
	mu        sync.Mutex
	perMinute int
	entries   map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSourceLimiter(perMinute int) *sourceLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &sourceLimiter{
		perMinute: perMinute,
		entries:   make(map[string]*limiterEntry),
	}
}

// Allow reports whether a notification for the given source address may be
// sent at the given instant.
func (l *sourceLimiter) Allow(addr string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[addr]
	if !ok {
		e = &limiterEntry{
			lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.entries[addr] = e
		l.prune(at)
	}
	e.lastSeen = at

	return e.lim.AllowN(at, 1)
}

// prune drops idle entries. Called with the lock held.
func (l *sourceLimiter) prune(at time.Time) {
	for addr, e := range l.entries {
		if at.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, addr)
		}
	}
}
