package classify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/pkg/models"
)

// Embedded reply templates per category. Categories without an entry
// get no auto-reply.
var replyTemplates = map[string]string{
	CategorySupport: `Hello,

Thanks for reaching out to {{.AccountName}}. We have received your message
{{with .Subject}}about "{{.}}" {{end}}and a member of our support team will
get back to you as soon as possible.

If your issue is urgent, please reply with "URGENT" in the subject line.

Best regards,
{{.FromName}}`,

	CategoryBilling: `Hello,

Thanks for contacting {{.AccountName}} about a billing matter. We have
logged your request and our billing team will review it shortly. Please do
not send card numbers or other payment details by email.

Best regards,
{{.FromName}}`,

	CategoryOrder: `Hello,

Thanks for your message{{with .Subject}} about "{{.}}"{{end}}. We have
received it and will follow up with an update on your order shortly.

Best regards,
{{.FromName}}`,

	CategoryGeneral: `Hello,

Thank you for contacting {{.AccountName}}. Your message has been received
and will be handled by the next available person.

Best regards,
{{.FromName}}`,
}

// TemplateComposer renders the built-in reply templates.
type TemplateComposer struct {
	templates map[string]*template.Template
}

// NewTemplateComposer parses the embedded templates once.
func NewTemplateComposer() (*TemplateComposer, error) {
	parsed := make(map[string]*template.Template, len(replyTemplates))
	for category, body := range replyTemplates {
		tmpl, err := template.New(category).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parsing reply template %q: %w", category, err)
		}
		parsed[category] = tmpl
	}
	return &TemplateComposer{templates: parsed}, nil
}

type replyData struct {
	AccountName string
	FromName    string
	Subject     string
}

// Compose renders the reply for a category. Returns false when the
// category has no template or the sender cannot receive replies.
func (c *TemplateComposer) Compose(account *models.EmailAccount, original *mailer.InboundMessage, category string) (*mailer.OutgoingMessage, bool) {
	tmpl, ok := c.templates[category]
	if !ok {
		return nil, false
	}
	if original.Sender == "" || IsNoReplyAddress(original.Sender) {
		return nil, false
	}

	fromName := account.DisplayName
	if fromName == "" {
		fromName = account.Name
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, replyData{
		AccountName: account.Name,
		FromName:    fromName,
		Subject:     original.Subject,
	})
	if err != nil {
		return nil, false
	}

	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	return &mailer.OutgoingMessage{
		From:       account.From(),
		To:         original.Sender,
		Subject:    subject,
		Body:       buf.String(),
		InReplyTo:  original.TransportID,
		References: original.TransportID,
	}, true
}
