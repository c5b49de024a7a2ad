package mailer

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/mailtriage/pkg/models"
)

// snippetBytes is how much of the body ListUnseen peeks at for the
// preview stored on the job.
const snippetBytes = 512

// IMAPDialer opens inbound sessions over IMAP with TLS.
type IMAPDialer struct {
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// DialInbound connects, authenticates and selects INBOX.
func (d *IMAPDialer) DialInbound(ctx context.Context, account *models.EmailAccount) (InboundSession, error) {
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", account.IMAPServer, nil)
	if err != nil {
		return nil, Connectivity("imap dial "+account.IMAPServer, err)
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, Connectivity("imap greeting", err)
	}
	imapClient.Timeout = timeout

	if err := imapClient.Login(account.LoginUsername(), account.Password); err != nil {
		imapClient.Logout()
		return nil, &AuthenticationError{Account: account.Name, Err: err}
	}

	if _, err := imapClient.Select("INBOX", false); err != nil {
		imapClient.Logout()
		return nil, Connectivity("imap select INBOX", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &imapSession{
		client: imapClient,
		logger: logger.With("account", account.Name),
	}, nil
}

type imapSession struct {
	client *client.Client
	logger *slog.Logger
}

// Probe issues a NOOP to verify the session is still alive.
func (s *imapSession) Probe(ctx context.Context) error {
	if err := s.client.Noop(); err != nil {
		return Connectivity("imap noop", err)
	}
	return nil
}

// ListUnseen searches for unseen messages and fetches their envelopes
// plus a short body peek, in mailbox order.
func (s *imapSession) ListUnseen(ctx context.Context) ([]MessageRef, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, Connectivity("imap search unseen", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	section.Partial = []int{0, snippetBytes}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var refs []MessageRef
	for msg := range messages {
		ref := MessageRef{UID: msg.Uid}

		if msg.Envelope != nil {
			ref.TransportID = msg.Envelope.MessageId
			ref.Subject = msg.Envelope.Subject
			ref.Date = msg.Envelope.Date
			if len(msg.Envelope.From) > 0 {
				from := msg.Envelope.From[0]
				ref.Sender = from.Address()
				ref.SenderName = from.PersonalName
			}
		}

		if body := msg.GetBody(section); body != nil {
			raw, err := io.ReadAll(body)
			if err == nil {
				ref.Snippet = string(raw)
			}
		}

		refs = append(refs, ref)
	}

	if err := <-done; err != nil {
		return refs, Connectivity("imap fetch envelopes", err)
	}
	return refs, nil
}

// FetchFull retrieves the complete message body for a reference.
func (s *imapSession) FetchFull(ctx context.Context, ref MessageRef) (*InboundMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(ref.UID)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, Connectivity("imap fetch message", err)
	}
	if fetched == nil {
		return nil, ErrMessageVanished
	}

	return s.parseMessage(fetched, section), nil
}

// parseMessage converts a raw IMAP message into an InboundMessage.
func (s *imapSession) parseMessage(msg *imap.Message, section *imap.BodySectionName) *InboundMessage {
	out := &InboundMessage{UID: msg.Uid}

	if msg.Envelope != nil {
		out.Subject = msg.Envelope.Subject
		out.Date = msg.Envelope.Date
		out.TransportID = msg.Envelope.MessageId
		if len(msg.Envelope.From) > 0 {
			from := msg.Envelope.From[0]
			out.Sender = from.Address()
			out.SenderName = from.PersonalName
		}
	}

	bodyReader := msg.GetBody(section)
	if bodyReader == nil {
		return out
	}

	mr, err := mail.CreateReader(bodyReader)
	if err != nil {
		s.logger.Warn("failed to create mail reader", "uid", msg.Uid, "error", err)
		return out
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("failed to read message part", "uid", msg.Uid, "error", err)
			break
		}

		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}

			if strings.HasPrefix(ct, "text/html") {
				out.BodyHTML = string(body)
			} else if strings.HasPrefix(ct, "text/plain") {
				out.BodyText = string(body)
			}
		}
	}

	return out
}

// MarkSeen adds the \Seen flag so the message stops showing up as
// unseen in later runs.
func (s *imapSession) MarkSeen(ctx context.Context, ref MessageRef) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(ref.UID)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}

	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return Connectivity("imap mark seen", err)
	}
	return nil
}

// Close logs out, falling back to a hard terminate when the server
// does not answer in time.
func (s *imapSession) Close() error {
	done := make(chan error, 1)
	go func() {
		done <- s.client.Logout()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return s.client.Terminate()
	}
}
