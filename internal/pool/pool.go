// Package pool supplies ready-to-use authenticated transport sessions
// per (account, protocol), reusing live ones and discarding dead ones.
// Every acquire is gated by the circuit breaker before any network is
// touched, and every authentication attempt is recorded back into it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/mailtriage/internal/breaker"
	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/internal/retry"
	"github.com/mixelka/mailtriage/pkg/models"
)

// ErrCircuitOpen is wrapped in the ConnectivityError returned when the
// breaker refuses an acquire.
var ErrCircuitOpen = errors.New("circuit open")

// ErrPoolClosed is returned by acquires after Close.
var ErrPoolClosed = errors.New("connection pool closed")

type key struct {
	account string
	kind    mailer.Kind
}

type pooledSession struct {
	session  mailer.Session
	lastUsed time.Time
}

// Config for a Pool.
type Config struct {
	Dialer   mailer.Dialer
	Breakers *breaker.Registry
	Retry    retry.Policy

	// MaxIdle caps pooled sessions per (account, protocol); default 3.
	MaxIdle int

	// IdleTTL is how long an unused session may sit in the pool before
	// the background sweep closes it; default 5 minutes.
	IdleTTL time.Duration

	Logger *slog.Logger
}

// Pool holds idle sessions keyed per (account, protocol).
type Pool struct {
	mu   sync.Mutex
	idle map[key][]*pooledSession

	dialer   mailer.Dialer
	breakers *breaker.Registry
	policy   retry.Policy
	maxIdle  int
	idleTTL  time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	stopped bool
	now     func() time.Time
}

// New creates a pool and starts its idle-eviction sweep.
func New(cfg Config) *Pool {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 3
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		idle:     make(map[key][]*pooledSession),
		dialer:   cfg.Dialer,
		breakers: cfg.Breakers,
		policy:   cfg.Retry,
		maxIdle:  cfg.MaxIdle,
		idleTTL:  cfg.IdleTTL,
		logger:   logger.With("component", "pool"),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	go p.sweepLoop()
	return p
}

// AcquireInbound returns an authenticated inbound session for the
// account, pooled or freshly dialed.
func (p *Pool) AcquireInbound(ctx context.Context, account *models.EmailAccount) (mailer.InboundSession, error) {
	s, err := p.acquire(ctx, account, mailer.KindInbound, func(ctx context.Context) (mailer.Session, error) {
		return p.dialer.DialInbound(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return s.(mailer.InboundSession), nil
}

// AcquireOutbound returns an authenticated outbound session.
func (p *Pool) AcquireOutbound(ctx context.Context, account *models.EmailAccount) (mailer.OutboundSession, error) {
	s, err := p.acquire(ctx, account, mailer.KindOutbound, func(ctx context.Context) (mailer.Session, error) {
		return p.dialer.DialOutbound(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return s.(mailer.OutboundSession), nil
}

func (p *Pool) acquire(ctx context.Context, account *models.EmailAccount, kind mailer.Kind, dial func(context.Context) (mailer.Session, error)) (mailer.Session, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	br := p.breakers.For(account.Name, string(kind))

	// The breaker gate comes first and short-circuits without touching
	// the network.
	if !br.Allow() {
		return nil, mailer.Connectivity(fmt.Sprintf("%s %s", kind, account.Name), ErrCircuitOpen)
	}

	// Reuse a pooled session if one still answers a probe.
	for {
		ps := p.popIdle(account.Name, kind)
		if ps == nil {
			break
		}
		if err := ps.session.Probe(ctx); err != nil {
			p.logger.Debug("discarding dead pooled session",
				"account", account.Name, "kind", kind, "error", err)
			ps.session.Close()
			continue
		}
		return ps.session, nil
	}

	// Nothing pooled: authenticate a new session under the retry
	// policy, recording every attempt into the breaker.
	var session mailer.Session
	err := p.policy.Do(ctx, func() error {
		s, err := dial(ctx)
		if err != nil {
			if mailer.IsAuthentication(err) {
				// Bad credentials will not improve with retries. The
				// server was reachable, which is a success as far as
				// the circuit is concerned.
				br.RecordSuccess()
				return retry.Permanent(err)
			}
			br.RecordFailure()
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	br.RecordSuccess()
	return session, nil
}

// Release returns a session to the pool. A healthy session is pooled
// (capped at MaxIdle, excess closed); an unhealthy one is closed and
// counted as a failure against the breaker.
func (p *Pool) Release(account *models.EmailAccount, kind mailer.Kind, session mailer.Session, healthy bool) {
	br := p.breakers.For(account.Name, string(kind))

	if !healthy {
		br.RecordFailure()
		session.Close()
		return
	}
	br.RecordSuccess()

	k := key{account: account.Name, kind: kind}

	p.mu.Lock()
	if p.stopped || len(p.idle[k]) >= p.maxIdle {
		p.mu.Unlock()
		session.Close()
		return
	}
	p.idle[k] = append(p.idle[k], &pooledSession{session: session, lastUsed: p.now()})
	p.mu.Unlock()
}

// popIdle removes and returns the most recently used idle session for
// the key, or nil.
func (p *Pool) popIdle(account string, kind mailer.Kind) *pooledSession {
	k := key{account: account, kind: kind}

	p.mu.Lock()
	defer p.mu.Unlock()

	sessions := p.idle[k]
	if len(sessions) == 0 {
		return nil
	}
	ps := sessions[len(sessions)-1]
	p.idle[k] = sessions[:len(sessions)-1]
	return ps
}

// sweepLoop periodically closes sessions idle past the TTL, so stale
// authenticated state is not held against servers that silently drop
// idle connections.
func (p *Pool) sweepLoop() {
	interval := p.idleTTL / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Pool) evictExpired() {
	cutoff := p.now().Add(-p.idleTTL)

	var expired []*pooledSession

	p.mu.Lock()
	for k, sessions := range p.idle {
		keep := sessions[:0]
		for _, ps := range sessions {
			if ps.lastUsed.Before(cutoff) {
				expired = append(expired, ps)
			} else {
				keep = append(keep, ps)
			}
		}
		if len(keep) == 0 {
			delete(p.idle, k)
		} else {
			p.idle[k] = keep
		}
	}
	p.mu.Unlock()

	for _, ps := range expired {
		ps.session.Close()
	}
	if len(expired) > 0 {
		p.logger.Debug("evicted idle sessions", "count", len(expired))
	}
}

// Close stops the sweep and closes every pooled session. Acquires after
// Close fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)

	var all []*pooledSession
	for _, sessions := range p.idle {
		all = append(all, sessions...)
	}
	p.idle = make(map[key][]*pooledSession)
	p.mu.Unlock()

	for _, ps := range all {
		ps.session.Close()
	}
}
