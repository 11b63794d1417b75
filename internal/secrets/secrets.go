// Package secrets defines a pluggable source for sensitive credentials
// (wallet private key, API key/secret/passphrase) so the signing-wallet
// material never has to live only in config.Config. The default
// implementation reads from an already-loaded Config; a deployment that
// wants a vault or KMS-backed source implements Provider instead.
package secrets

import (
	"tradingcore/internal/config"
	"tradingcore/internal/errs"
)

// Credentials bundles everything needed to sign and authenticate.
type Credentials struct {
	PrivateKeyHex string
	ApiKey        string
	ApiSecret     string
	Passphrase    string
}

// Provider resolves credentials at startup (and, for rotation-capable
// providers, on demand thereafter).
type Provider interface {
	Credentials() (Credentials, error)
}

// ConfigProvider reads credentials straight out of a loaded Config. It is
// the default provider; config.Load already applies TC_* env overrides for
// these fields before this is constructed.
type ConfigProvider struct {
	cfg *config.Config
}

// NewConfigProvider wraps a config for credential access.
func NewConfigProvider(cfg *config.Config) *ConfigProvider {
	return &ConfigProvider{cfg: cfg}
}

func (p *ConfigProvider) Credentials() (Credentials, error) {
	if p.cfg.Wallet.PrivateKey == "" {
		return Credentials{}, &errs.AuthError{Reason: "no private key configured"}
	}
	return Credentials{
		PrivateKeyHex: p.cfg.Wallet.PrivateKey,
		ApiKey:        p.cfg.API.ApiKey,
		ApiSecret:     p.cfg.API.Secret,
		Passphrase:    p.cfg.API.Passphrase,
	}, nil
}

// StaticProvider returns a fixed set of credentials, useful in tests.
type StaticProvider struct {
	Creds Credentials
}

func (p StaticProvider) Credentials() (Credentials, error) {
	return p.Creds, nil
}
