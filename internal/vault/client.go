package vault

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"trading-fee-billing/config"
	"trading-fee-billing/internal/brokerage"
)

// DefaultCacheTTL bounds how long a token read from Vault is reused. Tokens
// rotated by another process are picked up after at most this long.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	creds     brokerage.Credentials
	expiresAt time.Time
}

// Client stores brokerage credentials in a Vault KV v2 mount. When Vault is
// disabled the credentials live only in process memory.
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[int64]cacheEntry
	cacheEnabled bool
	cacheTTL     time.Duration
	now          func() time.Time
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return NewMemoryClient(), nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled {
		tlsConfig := &api.TLSConfig{
			CACert:        cfg.CACert,
			ClientCert:    cfg.ClientCert,
			ClientKey:     cfg.ClientKey,
			TLSServerName: cfg.TLSServerName,
			Insecure:      cfg.TLSSkipVerify,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[int64]cacheEntry),
		cacheEnabled: true,
		cacheTTL:     ttl,
		now:          time.Now,
	}, nil
}

// NewMemoryClient returns a client that never talks to Vault
func NewMemoryClient() *Client {
	return &Client{
		config:       config.VaultConfig{Enabled: false},
		cache:        make(map[int64]cacheEntry),
		cacheEnabled: true,
		now:          time.Now,
	}
}

// SetClock overrides the clock used for cache expiry
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Client) remember(userID int64, creds brokerage.Credentials) {
	c.mu.Lock()
	c.cache[userID] = cacheEntry{creds: creds, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
}

// cached returns a live cache entry. Without Vault the cache is the only
// copy, so entries never expire.
func (c *Client) cached(userID int64) (brokerage.Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[userID]
	if !ok {
		return brokerage.Credentials{}, false
	}
	if c.config.Enabled && !c.now().Before(entry.expiresAt) {
		return brokerage.Credentials{}, false
	}
	return entry.creds, true
}

// Put stores a user's brokerage credentials
func (c *Client) Put(ctx context.Context, userID int64, creds brokerage.Credentials) error {
	if !c.config.Enabled {
		c.remember(userID, creds)
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"account_id":   creds.AccountID,
			"access_token": creds.AccessToken,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID), secretData); err != nil {
		return fmt.Errorf("failed to store brokerage credentials in vault: %w", err)
	}

	if c.cacheEnabled {
		c.remember(userID, creds)
	}
	return nil
}

// Get returns a user's brokerage credentials or brokerage.ErrNoCredentials
func (c *Client) Get(ctx context.Context, userID int64) (*brokerage.Credentials, error) {
	if c.cacheEnabled || !c.config.Enabled {
		if cached, ok := c.cached(userID); ok {
			return &cached, nil
		}
	}

	if !c.config.Enabled {
		return nil, brokerage.ErrNoCredentials
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read brokerage credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, brokerage.ErrNoCredentials
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// KV v2 returns data=null for a soft-deleted version
		return nil, brokerage.ErrNoCredentials
	}

	creds := brokerage.Credentials{
		AccountID:   getString(data, "account_id"),
		AccessToken: getString(data, "access_token"),
	}
	if creds.AccessToken == "" {
		return nil, brokerage.ErrNoCredentials
	}

	if c.cacheEnabled {
		c.remember(userID, creds)
	}
	return &creds, nil
}

// Delete removes every version of a user's credentials
func (c *Client) Delete(ctx context.Context, userID int64) error {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID)); err != nil {
		return fmt.Errorf("failed to delete brokerage credentials from vault: %w", err)
	}
	return nil
}

// InvalidateCacheForUser drops a cached token so the next Get rereads Vault.
// Called after the brokerage rejects a token. Without Vault there is nothing
// to reread, so the entry is kept.
func (c *Client) InvalidateCacheForUser(userID int64) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path for a user
func (c *Client) secretPath(userID int64) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, strconv.FormatInt(userID, 10))
}

// metadataPath returns the KV v2 metadata path for a user
func (c *Client) metadataPath(userID int64) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, strconv.FormatInt(userID, 10))
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

var (
	_ brokerage.CredentialStore  = (*Client)(nil)
	_ brokerage.CacheInvalidator = (*Client)(nil)
)
