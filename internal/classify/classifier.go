// Package classify holds the classification and reply-composition
// capability the pipeline consumes. Both contracts are pure functions
// of their inputs: no network, no mutable state, bounded latency.
package classify

import (
	"strings"

	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/pkg/models"
)

// Classifier assigns a category, an urgency in 0..1 and an escalation
// flag to one message.
type Classifier interface {
	Classify(subject, body, sender string) models.Classification
}

// ReplyComposer builds the auto-reply for a classified message. The
// second return value is false when the category has no reply.
type ReplyComposer interface {
	Compose(account *models.EmailAccount, original *mailer.InboundMessage, category string) (*mailer.OutgoingMessage, bool)
}

// Category names produced by the rule classifier.
const (
	CategorySpam      = "spam"
	CategoryLegal     = "legal"
	CategoryComplaint = "complaint"
	CategoryBilling   = "billing"
	CategoryOrder     = "order"
	CategorySupport   = "support"
	CategoryGeneral   = "general"
)

// ShouldAutoReply decides whether a reply should be attempted for a
// classified message, before the rate limiter is consulted. Escalation
// always wins over replying, spam is never answered, and senders that
// cannot receive mail are skipped.
func ShouldAutoReply(account *models.EmailAccount, cls models.Classification) bool {
	if !account.AutoReplyEnabled {
		return false
	}
	if cls.RequiresEscalation {
		return false
	}
	return cls.Category != CategorySpam
}

// NeedsEscalation applies the account's urgency threshold on top of the
// classifier's own verdict. Spam is never escalated.
func NeedsEscalation(account *models.EmailAccount, cls models.Classification) bool {
	if cls.Category == CategorySpam {
		return false
	}
	return cls.RequiresEscalation || cls.Urgency >= account.EscalationThreshold
}

// IsNoReplyAddress reports whether an address is a no-reply style
// sender. Replying to those bounces or loops.
func IsNoReplyAddress(address string) bool {
	local := strings.ToLower(strings.SplitN(address, "@", 2)[0])
	for _, marker := range []string{"no-reply", "noreply", "do-not-reply", "donotreply", "mailer-daemon", "postmaster", "bounce"} {
		if strings.Contains(local, marker) {
			return true
		}
	}
	return false
}
