// Package secrets fetches the Postgres and Redis passwords from HashiCorp
// Vault at startup instead of storing them in config.json or plain
// environment variables. Disabled by default (config.VaultConfig.Enabled
// == false); when disabled, config's own env-sourced values are used
// as-is.
//
// Grounded on the teacher's internal/vault.Client, refocused from
// per-user exchange API keys (APIKeyData{APIKey, SecretKey, Exchange,
// IsTestnet}) to process-wide infrastructure credentials (Postgres/Redis
// passwords), keeping the same cache-then-fetch shape and the
// Enabled-flag escape hatch for local development.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"recoengine/config"
)

// Infra is the set of secrets this process needs at startup.
type Infra struct {
	PostgresPassword string
	RedisPassword    string
}

// Client wraps the HashiCorp Vault client, caching the one Infra payload
// this process needs for its lifetime.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu     sync.RWMutex
	cached *Infra
}

// NewClient creates a Client. When cfg.Enabled is false, Load always
// returns an empty Infra and never contacts Vault.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// Load fetches the infra secrets once and caches them for the life of the
// process. Safe to call repeatedly; later calls return the cached value.
func (c *Client) Load(ctx context.Context) (*Infra, error) {
	c.mu.RLock()
	if c.cached != nil {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		infra := &Infra{}
		c.mu.Lock()
		c.cached = infra
		c.mu.Unlock()
		return infra, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("read vault secret %s: %w", c.cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", c.cfg.SecretPath)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	infra := &Infra{
		PostgresPassword: stringField(data, "postgres_password"),
		RedisPassword:    stringField(data, "redis_password"),
	}

	c.mu.Lock()
	c.cached = infra
	c.mu.Unlock()

	return infra, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
