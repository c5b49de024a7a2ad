package models

import "fmt"

// EmailAccount is the identity and policy for one mailbox. Accounts are
// loaded from the accounts file at startup and are immutable for the
// lifetime of a run.
type EmailAccount struct {
	// Name is the unique key for the account across the whole system.
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Provider tag used to resolve default endpoints (e.g. "gmail",
	// "yandex"). Optional when both endpoints are set explicitly.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Address is the mailbox address, also used as the default From.
	Address string `mapstructure:"address" yaml:"address" validate:"required"`

	// DisplayName is used in the From header of outgoing replies.
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`

	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`

	// IMAPServer is the inbound endpoint as host:port.
	IMAPServer string `mapstructure:"imap_server" yaml:"imap_server"`

	// SMTPHost and SMTPPort form the outbound endpoint.
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port" validate:"gte=0,lte=65535"`

	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	AutoReplyEnabled bool `mapstructure:"auto_reply_enabled" yaml:"auto_reply_enabled"`

	// EscalationThreshold is the urgency above which a message is routed
	// to a human instead of auto-replied. Range 0..1.
	EscalationThreshold float64 `mapstructure:"escalation_threshold" yaml:"escalation_threshold" validate:"gte=0,lte=1"`

	// MaxRepliesPerHour caps outbound auto-replies in a rolling hour.
	// Zero disables auto-replies entirely.
	MaxRepliesPerHour int `mapstructure:"max_replies_per_hour" yaml:"max_replies_per_hour" validate:"gte=0"`
}

// LoginUsername returns the credential username, falling back to the
// mailbox address when none is configured.
func (a *EmailAccount) LoginUsername() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Address
}

// From returns the From header value for outgoing replies.
func (a *EmailAccount) From() string {
	if a.DisplayName != "" {
		return fmt.Sprintf("%s <%s>", a.DisplayName, a.Address)
	}
	return a.Address
}
