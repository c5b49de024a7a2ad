package models

// Classification is the verdict of the classifier capability for one
// message. It is a pure function of the message content.
type Classification struct {
	Category           string  // e.g. "support", "billing", "spam"
	Urgency            float64 // 0..1
	RequiresEscalation bool    // route to a human, never auto-reply
}

// Actions recorded on completed jobs and in the processed ledger.
const (
	ActionAutoReplied = "auto_replied"
	ActionEscalated   = "escalated"
	ActionArchived    = "archived"
	ActionCategorized = "categorized"

	// ActionRateLimited marks a reply-eligible message whose send was
	// denied by the rate limiter. The job still completes; the reply is
	// not retried later.
	ActionRateLimited = "categorized (rate_limited)"
)
