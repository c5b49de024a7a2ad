// Package notify delivers escalations and run summaries to a human
// channel. The Telegram notifier is optional; with no token configured
// the pipeline simply runs without one.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"

	"github.com/mixelka/mailtriage/pkg/models"
)

// Notifier is what the pipeline calls for human-facing events. Failures
// are logged by callers and never fail a job.
type Notifier interface {
	NotifyEscalation(ctx context.Context, accountName string, job *models.Job, cls models.Classification) error
	NotifySummary(ctx context.Context, summary *models.RunSummary) error
}

// TelegramNotifier posts messages to one chat.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates a notifier for the given bot token and chat.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		bot:    b,
		chatID: chatID,
		logger: logger.With("component", "notifier"),
	}, nil
}

// NotifyEscalation posts one escalated message for human attention.
func (n *TelegramNotifier) NotifyEscalation(ctx context.Context, accountName string, job *models.Job, cls models.Classification) error {
	text := formatEscalation(accountName, job, cls)

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    n.chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to send escalation notification: %w", err)
	}
	return nil
}

// NotifySummary posts the per-run report.
func (n *TelegramNotifier) NotifySummary(ctx context.Context, summary *models.RunSummary) error {
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    n.chatID,
		Text:      formatSummary(summary),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to send summary notification: %w", err)
	}
	return nil
}
