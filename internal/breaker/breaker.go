// Package breaker implements a per-(account, protocol) circuit breaker.
// The breaker is the sole gate before any network attempt: callers must
// check Allow first and record the result of every attempt afterwards.
// State is in-memory only; a restart means "assume healthy, verify fast".
package breaker

import (
	"sync"
	"time"
)

// State of a circuit.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // fast-fail, no network attempts
	StateHalfOpen              // trial call allowed to probe recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Protocol kinds a breaker can guard.
const (
	ProtocolInbound  = "imap"
	ProtocolOutbound = "smtp"
)

// Breaker is a three-state circuit breaker. All transitions happen under
// the breaker's own mutex, so unrelated breakers never contend.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool // a half_open trial call is in flight

	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// New creates a closed breaker that opens after threshold consecutive
// failures and allows a trial call after recovery has elapsed.
func New(threshold int, recovery time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// Allow reports whether a call may be attempted. In the open state it
// also performs the open -> half_open transition once the recovery
// timeout has elapsed since the last failure. In half_open exactly one
// trial call is admitted until its result is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.recovery {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the breaker to closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.probing = false
}

// RecordFailure counts a failure. In half_open any failure reopens the
// circuit immediately; in closed the circuit opens after threshold
// consecutive failures.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	b.probing = false

	if b.state == StateHalfOpen {
		b.state = StateOpen
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// State returns the current circuit state, applying the time-based
// open -> half_open transition the same way Allow does.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.recovery {
		b.state = StateHalfOpen
	}
	return b.state
}
