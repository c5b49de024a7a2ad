package registry

import "strings"

// providerDefaults holds the known endpoints for a provider tag.
type providerDefaults struct {
	IMAPServer string
	SMTPHost   string
	SMTPPort   int
}

// Default endpoints for popular email providers, keyed by provider tag
// or by mailbox domain.
var knownProviders = map[string]providerDefaults{
	"gmail":       {"imap.gmail.com:993", "smtp.gmail.com", 587},
	"googlemail":  {"imap.gmail.com:993", "smtp.gmail.com", 587},
	"outlook":     {"outlook.office365.com:993", "smtp.office365.com", 587},
	"hotmail":     {"outlook.office365.com:993", "smtp.office365.com", 587},
	"yahoo":       {"imap.mail.yahoo.com:993", "smtp.mail.yahoo.com", 587},
	"yandex":      {"imap.yandex.com:993", "smtp.yandex.com", 587},
	"mailru":      {"imap.mail.ru:993", "smtp.mail.ru", 587},
	"icloud":      {"imap.mail.me.com:993", "smtp.mail.me.com", 587},
	"aol":         {"imap.aol.com:993", "smtp.aol.com", 587},
	"zoho":        {"imap.zoho.com:993", "smtp.zoho.com", 587},
	"fastmail":    {"imap.fastmail.com:993", "smtp.fastmail.com", 587},
	"gmx":         {"imap.gmx.com:993", "mail.gmx.com", 587},
	"protonmail":  {"127.0.0.1:1143", "127.0.0.1", 1025}, // ProtonMail Bridge
}

var domainProviders = map[string]string{
	"gmail.com":      "gmail",
	"googlemail.com": "googlemail",
	"outlook.com":    "outlook",
	"hotmail.com":    "hotmail",
	"live.com":       "outlook",
	"msn.com":        "outlook",
	"yahoo.com":      "yahoo",
	"yahoo.co.uk":    "yahoo",
	"yandex.ru":      "yandex",
	"yandex.com":     "yandex",
	"mail.ru":        "mailru",
	"bk.ru":          "mailru",
	"list.ru":        "mailru",
	"inbox.ru":       "mailru",
	"icloud.com":     "icloud",
	"me.com":         "icloud",
	"mac.com":        "icloud",
	"aol.com":        "aol",
	"zoho.com":       "zoho",
	"fastmail.com":   "fastmail",
	"gmx.com":        "gmx",
	"gmx.de":         "gmx",
	"protonmail.com": "protonmail",
	"proton.me":      "protonmail",
}

// resolveProvider returns the defaults for an account, looked up by its
// provider tag first and by the mailbox domain second. The fallback
// guesses imap.<domain>/smtp.<domain>; resolution is purely static and
// never touches the network.
func resolveProvider(tag, address string) providerDefaults {
	if tag != "" {
		if d, ok := knownProviders[strings.ToLower(tag)]; ok {
			return d
		}
	}

	domain := domainFromAddress(address)
	if provider, ok := domainProviders[domain]; ok {
		return knownProviders[provider]
	}

	if domain == "" {
		return providerDefaults{}
	}
	return providerDefaults{
		IMAPServer: "imap." + domain + ":993",
		SMTPHost:   "smtp." + domain,
		SMTPPort:   587,
	}
}

// domainFromAddress extracts the lowercased domain of an email address.
func domainFromAddress(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}
