// Package ratelimit enforces the per-account cap on outbound replies
// with a sliding one-hour window. The window is in-memory only: a
// restart resets it, which at worst allows a brief burst above the
// hourly cap right after startup.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the trailing period the cap applies to.
const Window = time.Hour

// Limiter tracks send timestamps per account name.
type Limiter struct {
	mu   sync.Mutex
	sent map[string][]time.Time
	now  func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		sent: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// CanSend reports whether fewer than max replies were sent for the
// account in the trailing window. Entries older than the window are
// pruned lazily on each check. A max of zero denies every send.
func (l *Limiter) CanSend(account string, max int) bool {
	if max <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(account)
	return len(l.sent[account]) < max
}

// RecordSent appends the current timestamp for the account.
func (l *Limiter) RecordSent(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(account)
	l.sent[account] = append(l.sent[account], l.now())
}

// SentInWindow returns how many sends are currently inside the window.
func (l *Limiter) SentInWindow(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(account)
	return len(l.sent[account])
}

// prune drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) prune(account string) {
	cutoff := l.now().Add(-Window)
	stamps := l.sent[account]

	keep := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	if len(keep) == 0 {
		delete(l.sent, account)
		return
	}
	l.sent[account] = keep
}
