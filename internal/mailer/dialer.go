package mailer

import (
	"context"
	"log/slog"
	"time"

	"github.com/mixelka/mailtriage/pkg/models"
)

// NetDialer is the production Dialer: IMAP inbound, SMTP outbound.
type NetDialer struct {
	imap IMAPDialer
	smtp SMTPDialer
}

// NewNetDialer builds a dialer with a shared dial timeout.
func NewNetDialer(dialTimeout time.Duration, logger *slog.Logger) *NetDialer {
	return &NetDialer{
		imap: IMAPDialer{DialTimeout: dialTimeout, Logger: logger},
		smtp: SMTPDialer{DialTimeout: dialTimeout},
	}
}

func (d *NetDialer) DialInbound(ctx context.Context, account *models.EmailAccount) (InboundSession, error) {
	return d.imap.DialInbound(ctx, account)
}

func (d *NetDialer) DialOutbound(ctx context.Context, account *models.EmailAccount) (OutboundSession, error) {
	return d.smtp.DialOutbound(ctx, account)
}
