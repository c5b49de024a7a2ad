package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailtriage/internal/breaker"
	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/internal/retry"
	"github.com/mixelka/mailtriage/pkg/models"
)

type fakeSession struct {
	probeErr error
	closed   bool
	probes   int
}

func (s *fakeSession) Probe(ctx context.Context) error {
	s.probes++
	return s.probeErr
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSession) ListUnseen(ctx context.Context) ([]mailer.MessageRef, error) {
	return nil, nil
}

func (s *fakeSession) FetchFull(ctx context.Context, ref mailer.MessageRef) (*mailer.InboundMessage, error) {
	return nil, mailer.ErrMessageVanished
}

func (s *fakeSession) MarkSeen(ctx context.Context, ref mailer.MessageRef) error {
	return nil
}

type fakeDialer struct {
	dialErr  error
	dials    int
	sessions []*fakeSession
}

func (d *fakeDialer) DialInbound(ctx context.Context, account *models.EmailAccount) (mailer.InboundSession, error) {
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSession{}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) DialOutbound(ctx context.Context, account *models.EmailAccount) (mailer.OutboundSession, error) {
	return nil, errors.New("not used")
}

func testAccount() *models.EmailAccount {
	return &models.EmailAccount{Name: "support", Address: "support@example.com"}
}

func newTestPool(d mailer.Dialer, threshold int) *Pool {
	return New(Config{
		Dialer:   d,
		Breakers: breaker.NewRegistry(threshold, time.Minute),
		Retry:    retry.Policy{MaxAttempts: 1},
		MaxIdle:  2,
		IdleTTL:  time.Minute,
	})
}

func TestAcquireDialsAndReusesAfterRelease(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 5)
	defer p.Close()

	acct := testAccount()
	ctx := context.Background()

	s1, err := p.AcquireInbound(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, 1, d.dials)

	p.Release(acct, mailer.KindInbound, s1, true)

	s2, err := p.AcquireInbound(ctx, acct)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, d.dials, "pooled session must be reused, not redialed")
}

func TestAcquireDiscardsDeadPooledSessions(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 5)
	defer p.Close()

	acct := testAccount()
	ctx := context.Background()

	s1, err := p.AcquireInbound(ctx, acct)
	require.NoError(t, err)
	p.Release(acct, mailer.KindInbound, s1, true)

	// The pooled session goes stale.
	d.sessions[0].probeErr = errors.New("connection reset")

	s2, err := p.AcquireInbound(ctx, acct)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
	require.True(t, d.sessions[0].closed)
	require.Equal(t, 2, d.dials)
}

func TestUnhealthyReleaseClosesSession(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 5)
	defer p.Close()

	acct := testAccount()
	s1, err := p.AcquireInbound(context.Background(), acct)
	require.NoError(t, err)

	p.Release(acct, mailer.KindInbound, s1, false)
	require.True(t, d.sessions[0].closed)

	// Next acquire dials fresh.
	_, err = p.AcquireInbound(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, 2, d.dials)
}

func TestAcquireShortCircuitsWhenCircuitOpen(t *testing.T) {
	d := &fakeDialer{dialErr: mailer.Connectivity("dial", errors.New("refused"))}
	p := newTestPool(d, 2)
	defer p.Close()

	acct := testAccount()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.AcquireInbound(ctx, acct)
		require.Error(t, err)
	}
	require.Equal(t, 2, d.dials)

	// Circuit is now open: no further dial attempts.
	_, err := p.AcquireInbound(ctx, acct)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.True(t, mailer.IsConnectivity(err))
	require.Equal(t, 2, d.dials)
}

func TestAuthFailureDoesNotTripBreaker(t *testing.T) {
	d := &fakeDialer{dialErr: &mailer.AuthenticationError{Account: "support", Err: errors.New("bad password")}}
	p := newTestPool(d, 1)
	defer p.Close()

	acct := testAccount()
	ctx := context.Background()

	_, err := p.AcquireInbound(ctx, acct)
	require.True(t, mailer.IsAuthentication(err))

	// The breaker stays closed: the next acquire still reaches the dialer.
	_, err = p.AcquireInbound(ctx, acct)
	require.True(t, mailer.IsAuthentication(err))
	require.Equal(t, 2, d.dials)
}

func TestAuthFailureReleasesHalfOpenProbe(t *testing.T) {
	d := &fakeDialer{dialErr: mailer.Connectivity("dial", errors.New("refused"))}
	p := New(Config{
		Dialer:   d,
		Breakers: breaker.NewRegistry(1, 0), // zero recovery: half-open on the next acquire
		Retry:    retry.Policy{MaxAttempts: 1},
		MaxIdle:  2,
		IdleTTL:  time.Minute,
	})
	defer p.Close()

	acct := testAccount()
	ctx := context.Background()

	_, err := p.AcquireInbound(ctx, acct)
	require.True(t, mailer.IsConnectivity(err))

	// The half-open trial dial hits an auth error. That must not leave
	// the probe slot occupied, or the account could never recover.
	d.dialErr = &mailer.AuthenticationError{Account: "support", Err: errors.New("bad password")}
	_, err = p.AcquireInbound(ctx, acct)
	require.True(t, mailer.IsAuthentication(err))

	_, err = p.AcquireInbound(ctx, acct)
	require.True(t, mailer.IsAuthentication(err), "next attempt must reach the dialer")
	require.Equal(t, 3, d.dials)
}

func TestReleaseRespectsMaxIdle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 5) // MaxIdle is 2
	defer p.Close()

	acct := testAccount()
	ctx := context.Background()

	var sessions []mailer.InboundSession
	for i := 0; i < 3; i++ {
		s, err := p.AcquireInbound(ctx, acct)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		p.Release(acct, mailer.KindInbound, s, true)
	}

	// Two pooled, the third closed as excess.
	require.False(t, d.sessions[0].closed)
	require.False(t, d.sessions[1].closed)
	require.True(t, d.sessions[2].closed)
}

func TestEvictExpiredClosesIdleSessions(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 5)
	defer p.Close()

	acct := testAccount()
	s1, err := p.AcquireInbound(context.Background(), acct)
	require.NoError(t, err)
	p.Release(acct, mailer.KindInbound, s1, true)

	// Move the pool's clock past the TTL and sweep.
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	p.evictExpired()

	require.True(t, d.sessions[0].closed)
}

func TestCloseStopsAcquires(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 5)

	acct := testAccount()
	s1, err := p.AcquireInbound(context.Background(), acct)
	require.NoError(t, err)
	p.Release(acct, mailer.KindInbound, s1, true)

	p.Close()
	require.True(t, d.sessions[0].closed)

	_, err = p.AcquireInbound(context.Background(), acct)
	require.ErrorIs(t, err, ErrPoolClosed)
}
