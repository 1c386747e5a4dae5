// Package vault loads exchange and model-service credentials from HashiCorp
// Vault so they never have to live in config files.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"crypto-signal-engine/config"
)

// Credentials is the secret bundle the engine pulls at startup.
type Credentials struct {
	ExchangeAPIKey    string
	ExchangeSecretKey string
	ValidatorAPIKey   string
	TelegramBotToken  string
}

// Client wraps the KV v2 secrets engine.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient connects to Vault with the configured token.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("vault TLS config: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// LoadCredentials reads the secret bundle. Missing fields stay empty so the
// caller can fall back to config values per credential.
func (c *Client) LoadCredentials(ctx context.Context) (*Credentials, error) {
	kv := c.client.KVv2(c.cfg.MountPath)

	secret, err := kv.Get(ctx, c.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", c.cfg.SecretPath, err)
	}

	creds := &Credentials{
		ExchangeAPIKey:    stringField(secret.Data, "exchange_api_key"),
		ExchangeSecretKey: stringField(secret.Data, "exchange_secret_key"),
		ValidatorAPIKey:   stringField(secret.Data, "validator_api_key"),
		TelegramBotToken:  stringField(secret.Data, "telegram_bot_token"),
	}
	return creds, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
