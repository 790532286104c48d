package secrets

import (
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
)

const vaultVenuePath = "secret/data/venues/%s"

// VaultSource reads venue credentials from a Vault KV v2 mount. Each
// venue lives at secret/data/venues/<venue> with api_key, api_secret and
// an optional passphrase field.
type VaultSource struct {
	client *api.Client
	log    *logrus.Entry
}

// NewVaultSource connects to Vault and verifies it is unsealed. A sealed
// or unreachable Vault is a startup failure; there is nothing sensible
// to trade with if no venue can get credentials.
func NewVaultSource(addr, token string, log *logrus.Entry) (*VaultSource, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)

	health, err := client.Sys().Health()
	if err != nil {
		return nil, fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return nil, fmt.Errorf("vault is sealed")
	}

	return &VaultSource{
		client: client,
		log:    log.WithField("component", "vault"),
	}, nil
}

func (v *VaultSource) Lookup(venue string) (*Credentials, error) {
	secret, err := v.client.Logical().Read(fmt.Sprintf(vaultVenuePath, venue))
	if err != nil {
		return nil, fmt.Errorf("read venue secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials for venue %s", venue)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for venue %s", venue)
	}

	creds := &Credentials{}
	if s, ok := data["api_key"].(string); ok {
		creds.APIKey = s
	}
	if s, ok := data["api_secret"].(string); ok {
		creds.APISecret = s
	}
	if s, ok := data["passphrase"].(string); ok {
		creds.Passphrase = s
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("incomplete credentials for venue %s", venue)
	}

	v.log.WithField("venue", venue).Debug("credentials resolved")
	return creds, nil
}
