package mailer

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeSendCloser struct {
	sendErr error
	sent    int
	closed  bool
}

func (f *fakeSendCloser) Send(from string, to []string, msg io.WriterTo) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent++
	return nil
}

func (f *fakeSendCloser) Close() error {
	f.closed = true
	return nil
}

func testOutgoing() *OutgoingMessage {
	return &OutgoingMessage{
		From:    "support@example.com",
		To:      "alice@example.com",
		Subject: "Re: help",
		Body:    "on it",
	}
}

func TestSMTPSendRedialsOnceOnDroppedConnection(t *testing.T) {
	stale := &fakeSendCloser{sendErr: errors.New("write: connection reset by peer")}
	fresh := &fakeSendCloser{}

	s := &smtpSession{
		account: "support",
		dial:    func() (gomail.SendCloser, error) { return fresh, nil },
		sender:  stale,
	}

	err := s.Send(context.Background(), testOutgoing())
	require.NoError(t, err)

	require.True(t, stale.closed)
	require.Equal(t, 0, stale.sent)
	require.Equal(t, 1, fresh.sent)
}

func TestSMTPSendConnectivityWhenRedialFails(t *testing.T) {
	stale := &fakeSendCloser{sendErr: errors.New("broken pipe")}

	s := &smtpSession{
		account: "support",
		dial:    func() (gomail.SendCloser, error) { return nil, errors.New("connection refused") },
		sender:  stale,
	}

	err := s.Send(context.Background(), testOutgoing())
	require.True(t, IsConnectivity(err))
	require.True(t, stale.closed)
}

func TestSMTPSendAuthFailureOnRedial(t *testing.T) {
	stale := &fakeSendCloser{sendErr: errors.New("broken pipe")}

	s := &smtpSession{
		account: "support",
		dial:    func() (gomail.SendCloser, error) { return nil, errors.New("535 5.7.8 authentication failed") },
		sender:  stale,
	}

	err := s.Send(context.Background(), testOutgoing())
	require.True(t, IsAuthentication(err))
}

func TestSMTPSendFailureAfterRedialSurfaces(t *testing.T) {
	stale := &fakeSendCloser{sendErr: errors.New("broken pipe")}
	fresh := &fakeSendCloser{sendErr: errors.New("451 try again later")}

	s := &smtpSession{
		account: "support",
		dial:    func() (gomail.SendCloser, error) { return fresh, nil },
		sender:  stale,
	}

	err := s.Send(context.Background(), testOutgoing())
	require.True(t, IsConnectivity(err))
	require.Equal(t, 0, fresh.sent)
}
