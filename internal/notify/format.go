package notify

import (
	"fmt"
	"strings"

	"github.com/mixelka/mailtriage/pkg/models"
)

// maxPreviewLength bounds the quoted message body in a notification.
const maxPreviewLength = 800

func formatEscalation(accountName string, job *models.Job, cls models.Classification) string {
	var sb strings.Builder

	sb.WriteString("🚨 <b>Escalated message</b>\n\n")
	sb.WriteString(fmt.Sprintf("<b>Account:</b> %s\n", escapeHTML(accountName)))
	sb.WriteString(fmt.Sprintf("<b>From:</b> %s\n", escapeHTML(job.Sender)))
	sb.WriteString(fmt.Sprintf("<b>Subject:</b> %s\n", escapeHTML(job.Subject)))
	sb.WriteString(fmt.Sprintf("<b>Category:</b> %s (urgency %.2f)\n", escapeHTML(cls.Category), cls.Urgency))

	if job.BodyPreview != "" {
		sb.WriteString("\n")
		sb.WriteString(escapeHTML(truncate(job.BodyPreview, maxPreviewLength)))
	}

	return sb.String()
}

func formatSummary(summary *models.RunSummary) string {
	var sb strings.Builder

	sb.WriteString("📬 <b>Run summary</b>\n")
	sb.WriteString(fmt.Sprintf(
		"processed %d, replied %d, escalated %d, archived %d, failed %d\n",
		summary.Totals.Processed,
		summary.Totals.Replied,
		summary.Totals.Escalated,
		summary.Totals.Archived,
		summary.Totals.Failed,
	))

	for name, acc := range summary.Accounts {
		if acc.Processed == 0 && acc.FetchErrors == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf(
			"\n<b>%s</b>: processed %d, replied %d, escalated %d, failed %d",
			escapeHTML(name), acc.Processed, acc.Replied, acc.Escalated, acc.Failed,
		))
		if acc.FetchErrors > 0 {
			sb.WriteString(fmt.Sprintf(" (fetch errors: %d)", acc.FetchErrors))
		}
	}

	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate shortens s to max runes with an ellipsis
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
