// Package mailer defines the mail transport capability the pipeline
// drives: authenticated sessions for fetching and sending, plus the
// error taxonomy remote failures are classified into. The pipeline
// manages lifecycle and failure of these calls; it does not implement
// the wire protocols.
package mailer

import (
	"context"
	"time"

	"github.com/mixelka/mailtriage/pkg/models"
)

// Kind distinguishes the two transport directions a session can serve.
type Kind string

const (
	KindInbound  Kind = "imap"
	KindOutbound Kind = "smtp"
)

// MessageRef identifies one unseen message plus the cheap identity
// fields available from its envelope.
type MessageRef struct {
	UID         uint32
	TransportID string // protocol Message-ID header; may be empty
	Sender      string
	SenderName  string
	Subject     string
	Snippet     string // first part of the body, best effort
	Date        time.Time
}

// InboundMessage is the full content of one fetched message.
type InboundMessage struct {
	UID         uint32
	TransportID string
	Sender      string
	SenderName  string
	Subject     string
	BodyText    string
	BodyHTML    string
	Date        time.Time
}

// OutgoingMessage is a reply to be sent through an outbound session.
type OutgoingMessage struct {
	From       string
	To         string
	Subject    string
	Body       string
	InReplyTo  string // Message-ID of the original, when known
	References string
}

// Session is the part of a transport session the connection pool
// manages: a liveness probe and a close.
type Session interface {
	// Probe checks that the session is still usable without doing work.
	Probe(ctx context.Context) error
	Close() error
}

// InboundSession fetches messages from one mailbox.
type InboundSession interface {
	Session

	// ListUnseen returns references for every unseen message, in the
	// order the server reports them.
	ListUnseen(ctx context.Context) ([]MessageRef, error)

	// FetchFull retrieves the complete message for a reference.
	// Returns ErrMessageVanished when the message no longer exists.
	FetchFull(ctx context.Context, ref MessageRef) (*InboundMessage, error)

	// MarkSeen flags a message as seen so later runs do not list it.
	MarkSeen(ctx context.Context, ref MessageRef) error
}

// OutboundSession sends messages for one account.
type OutboundSession interface {
	Session

	Send(ctx context.Context, msg *OutgoingMessage) error
}

// Dialer opens authenticated sessions for an account. Implementations
// must classify failures as ConnectivityError or AuthenticationError.
type Dialer interface {
	DialInbound(ctx context.Context, account *models.EmailAccount) (InboundSession, error)
	DialOutbound(ctx context.Context, account *models.EmailAccount) (OutboundSession, error)
}
