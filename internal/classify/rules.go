package classify

import (
	"regexp"

	"github.com/mixelka/mailtriage/pkg/models"
)

// RuleClassifier is the default keyword-based classifier. Rules are
// checked in order; the first matching category wins.
type RuleClassifier struct {
	rules  []*categoryRule
	urgent *regexp.Regexp
	shout  *regexp.Regexp
}

type categoryRule struct {
	Category string
	Base     float64 // urgency floor for the category
	Escalate bool    // route to a human regardless of urgency
	Regex    *regexp.Regexp
}

// NewRuleClassifier creates the classifier with the built-in rule set.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		rules: []*categoryRule{
			{
				Category: CategorySpam,
				Base:     0,
				Regex:    regexp.MustCompile(`(?i)\b(unsubscribe|viagra|casino|lottery|you (have )?won|free money|crypto giveaway|hot singles|limited time offer)\b`),
			},
			{
				Category: CategoryLegal,
				Base:     0.8,
				Escalate: true,
				Regex:    regexp.MustCompile(`(?i)\b(lawsuit|legal action|attorney|lawyer|subpoena|cease and desist|gdpr|data protection request)\b`),
			},
			{
				Category: CategoryComplaint,
				Base:     0.6,
				Escalate: true,
				Regex:    regexp.MustCompile(`(?i)\b(complaint|unacceptable|terrible|worst|disappointed|demand (a )?refund|never again|escalate)\b`),
			},
			{
				Category: CategoryBilling,
				Base:     0.4,
				Regex:    regexp.MustCompile(`(?i)\b(invoice|payment|charge[ds]?|billing|refund|receipt|subscription|credit card)\b`),
			},
			{
				Category: CategoryOrder,
				Base:     0.3,
				Regex:    regexp.MustCompile(`(?i)\b(order|shipping|delivery|tracking|package|return label|exchange)\b`),
			},
			{
				Category: CategorySupport,
				Base:     0.3,
				Regex:    regexp.MustCompile(`(?i)\b(help|support|issue|problem|error|broken|not working|can'?t (log ?in|access)|bug)\b`),
			},
		},
		urgent: regexp.MustCompile(`(?i)\b(urgent|immediately|asap|critical|emergency|right now|deadline|today)\b`),
		shout:  regexp.MustCompile(`[A-Z]{4,}`),
	}
}

// Classify matches subject and body against the rule table and scores
// urgency from urgent-keyword hits. Pure function of its inputs.
func (c *RuleClassifier) Classify(subject, body, sender string) models.Classification {
	text := subject + "\n" + body

	cls := models.Classification{Category: CategoryGeneral, Urgency: 0.2}
	for _, rule := range c.rules {
		if rule.Regex.MatchString(text) {
			cls.Category = rule.Category
			cls.Urgency = rule.Base
			cls.RequiresEscalation = rule.Escalate
			break
		}
	}

	if cls.Category == CategorySpam {
		// Spam urgency is meaningless; keep it at zero.
		return cls
	}

	hits := len(c.urgent.FindAllStringIndex(text, 3))
	cls.Urgency += 0.15 * float64(hits)
	if c.shout.MatchString(subject) {
		cls.Urgency += 0.1
	}
	if cls.Urgency > 1 {
		cls.Urgency = 1
	}

	return cls
}
