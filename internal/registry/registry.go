// Package registry loads and validates the set of email accounts the
// pipeline operates on. The registry is built once at startup and is
// immutable for the lifetime of a run.
package registry

import (
	"fmt"

	"github.com/badoux/checkmail"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mixelka/mailtriage/pkg/models"
)

// Registry is the validated, immutable account set.
type Registry struct {
	accounts []*models.EmailAccount
	byName   map[string]*models.EmailAccount
}

// accountsFile is the shape of the YAML accounts file.
type accountsFile struct {
	Accounts []models.EmailAccount `mapstructure:"accounts"`
}

// Load reads the accounts file at path, validates every entry and
// resolves provider defaults for endpoints that are not set explicitly.
func Load(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading accounts file %s: %w", path, err)
	}

	var file accountsFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("parsing accounts file %s: %w", path, err)
	}
	if len(file.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s contains no accounts", path)
	}

	validate := validator.New()
	reg := &Registry{
		byName: make(map[string]*models.EmailAccount, len(file.Accounts)),
	}

	for i := range file.Accounts {
		acc := &file.Accounts[i]

		if err := validate.Struct(acc); err != nil {
			return nil, fmt.Errorf("account %q: %w", acc.Name, err)
		}
		if err := checkmail.ValidateFormat(acc.Address); err != nil {
			return nil, fmt.Errorf("account %q: invalid address %q: %w", acc.Name, acc.Address, err)
		}
		if _, dup := reg.byName[acc.Name]; dup {
			return nil, fmt.Errorf("duplicate account name %q", acc.Name)
		}

		applyDefaults(acc)
		if acc.IMAPServer == "" {
			return nil, fmt.Errorf("account %q: no imap_server and no resolvable provider", acc.Name)
		}
		if acc.SMTPHost == "" {
			return nil, fmt.Errorf("account %q: no smtp_host and no resolvable provider", acc.Name)
		}

		reg.accounts = append(reg.accounts, acc)
		reg.byName[acc.Name] = acc
	}

	return reg, nil
}

// New builds a registry from accounts that are already complete and
// validated. Load is the usual entry point; New serves callers that
// assemble accounts programmatically.
func New(accounts ...*models.EmailAccount) *Registry {
	reg := &Registry{
		byName: make(map[string]*models.EmailAccount, len(accounts)),
	}
	for _, acc := range accounts {
		reg.accounts = append(reg.accounts, acc)
		reg.byName[acc.Name] = acc
	}
	return reg
}

// applyDefaults fills unset endpoints from the provider table.
func applyDefaults(acc *models.EmailAccount) {
	defaults := resolveProvider(acc.Provider, acc.Address)
	if acc.IMAPServer == "" {
		acc.IMAPServer = defaults.IMAPServer
	}
	if acc.SMTPHost == "" {
		acc.SMTPHost = defaults.SMTPHost
	}
	if acc.SMTPPort == 0 {
		acc.SMTPPort = defaults.SMTPPort
	}
}

// All returns every configured account in file order.
func (r *Registry) All() []*models.EmailAccount {
	return r.accounts
}

// Enabled returns the accounts the pipeline should process.
func (r *Registry) Enabled() []*models.EmailAccount {
	var out []*models.EmailAccount
	for _, acc := range r.accounts {
		if acc.Enabled {
			out = append(out, acc)
		}
	}
	return out
}

// Get returns the account with the given name, or nil.
func (r *Registry) Get(name string) *models.EmailAccount {
	return r.byName[name]
}
