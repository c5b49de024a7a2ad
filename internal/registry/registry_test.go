package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccountsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadResolvesProviderDefaults(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: support
    provider: gmail
    address: support@gmail.com
    password: secret
    enabled: true
    auto_reply_enabled: true
    escalation_threshold: 0.7
    max_replies_per_hour: 10
`)

	reg, err := Load(path)
	require.NoError(t, err)

	acc := reg.Get("support")
	require.NotNil(t, acc)
	assert.Equal(t, "imap.gmail.com:993", acc.IMAPServer)
	assert.Equal(t, "smtp.gmail.com", acc.SMTPHost)
	assert.Equal(t, 587, acc.SMTPPort)
}

func TestLoadInfersProviderFromDomain(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: sales
    address: sales@outlook.com
    password: secret
    enabled: true
`)

	reg, err := Load(path)
	require.NoError(t, err)

	acc := reg.Get("sales")
	require.NotNil(t, acc)
	assert.Equal(t, "outlook.office365.com:993", acc.IMAPServer)
	assert.Equal(t, "smtp.office365.com", acc.SMTPHost)
}

func TestLoadKeepsExplicitEndpoints(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: corp
    address: help@corp.example
    password: secret
    imap_server: mail.corp.example:993
    smtp_host: mail.corp.example
    smtp_port: 465
    enabled: true
`)

	reg, err := Load(path)
	require.NoError(t, err)

	acc := reg.Get("corp")
	require.NotNil(t, acc)
	assert.Equal(t, "mail.corp.example:993", acc.IMAPServer)
	assert.Equal(t, "mail.corp.example", acc.SMTPHost)
	assert.Equal(t, 465, acc.SMTPPort)
}

func TestLoadGuessesEndpointsForUnknownDomain(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: selfhosted
    address: who@unknown-provider.example
    password: secret
    enabled: true
`)

	reg, err := Load(path)
	require.NoError(t, err)

	acc := reg.Get("selfhosted")
	require.NotNil(t, acc)
	assert.Equal(t, "imap.unknown-provider.example:993", acc.IMAPServer)
	assert.Equal(t, "smtp.unknown-provider.example", acc.SMTPHost)
	assert.Equal(t, 587, acc.SMTPPort)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: support
    address: a@gmail.com
    password: secret
  - name: support
    address: b@gmail.com
    password: secret
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadRejectsInvalidAddress(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: broken
    address: not-an-address
    password: secret
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingPassword(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: support
    address: support@gmail.com
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnabledFiltersDisabledAccounts(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: active
    address: active@gmail.com
    password: secret
    enabled: true
  - name: paused
    address: paused@gmail.com
    password: secret
    enabled: false
`)

	reg, err := Load(path)
	require.NoError(t, err)

	assert.Len(t, reg.All(), 2)

	enabled := reg.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "active", enabled[0].Name)
}
