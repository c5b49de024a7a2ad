package mailer

import (
	"context"
	"crypto/tls"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/mixelka/mailtriage/pkg/models"
)

// SMTPDialer opens outbound sessions using gomail.
type SMTPDialer struct {
	DialTimeout time.Duration
}

// DialOutbound authenticates against the account's SMTP endpoint and
// keeps the connection open for reuse by the pool.
func (d *SMTPDialer) DialOutbound(ctx context.Context, account *models.EmailAccount) (OutboundSession, error) {
	dialer := gomail.NewDialer(
		account.SMTPHost,
		account.SMTPPort,
		account.LoginUsername(),
		account.Password,
	)
	dialer.TLSConfig = &tls.Config{ServerName: account.SMTPHost}

	dial := func() (gomail.SendCloser, error) { return dialer.Dial() }

	sender, err := dial()
	if err != nil {
		if looksLikeAuthFailure(err) {
			return nil, &AuthenticationError{Account: account.Name, Err: err}
		}
		return nil, Connectivity("smtp dial "+account.SMTPHost, err)
	}

	return &smtpSession{account: account.Name, dial: dial, sender: sender}, nil
}

type smtpSession struct {
	account string
	dial    func() (gomail.SendCloser, error)
	sender  gomail.SendCloser
}

// Probe has nothing cheap to ask an SMTP session; staleness is bounded
// by the pool's idle TTL and by the re-dial in Send.
func (s *smtpSession) Probe(ctx context.Context) error {
	return nil
}

// Send submits one reply over the open session. Servers drop idle SMTP
// connections silently, so the first failure triggers one re-dial
// before the error is surfaced to the job.
func (s *smtpSession) Send(ctx context.Context, msg *OutgoingMessage) error {
	m := buildMessage(msg)

	err := gomail.Send(s.sender, m)
	if err == nil {
		return nil
	}

	s.sender.Close()
	sender, dialErr := s.dial()
	if dialErr != nil {
		if looksLikeAuthFailure(dialErr) {
			return &AuthenticationError{Account: s.account, Err: dialErr}
		}
		return Connectivity("smtp redial", dialErr)
	}
	s.sender = sender

	if err := gomail.Send(s.sender, m); err != nil {
		return Connectivity("smtp send", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	return s.sender.Close()
}

// buildMessage converts an OutgoingMessage into the gomail wire form.
func buildMessage(msg *OutgoingMessage) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if msg.References != "" {
		m.SetHeader("References", msg.References)
	}

	// Mark the reply as automated so receiving systems do not loop.
	m.SetHeader("Auto-Submitted", "auto-replied")
	m.SetHeader("X-Auto-Response-Suppress", "All")

	m.SetBody("text/plain", msg.Body)
	return m
}
