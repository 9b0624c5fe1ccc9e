package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-fee-billing/config"
	"trading-fee-billing/internal/brokerage"
)

func TestMemoryClientRoundTrip(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	_, err := c.Get(ctx, 7)
	assert.ErrorIs(t, err, brokerage.ErrNoCredentials)

	require.NoError(t, c.Put(ctx, 7, brokerage.Credentials{AccountID: "VA1", AccessToken: "tok"}))
	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "VA1", got.AccountID)
	assert.Equal(t, "tok", got.AccessToken)

	require.NoError(t, c.Delete(ctx, 7))
	_, err = c.Get(ctx, 7)
	assert.ErrorIs(t, err, brokerage.ErrNoCredentials)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(ctx))
}

// fakeKV serves the subset of the KV v2 API the client uses
type fakeKV struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{}
	reads   int
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.secrets[r.URL.Path] = body.Data
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		f.reads++
		data, ok := f.secrets[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data, "metadata": map[string]interface{}{"version": 1}},
		})
	case http.MethodDelete:
		delete(f.secrets, "/v1/secret/data/billing/brokerage/7")
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestVaultClientUsesKVv2Paths(t *testing.T) {
	kv := &fakeKV{secrets: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "billing/brokerage",
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, 7, brokerage.Credentials{AccountID: "VA1", AccessToken: "tok"}))
	assert.Contains(t, kv.secrets, "/v1/secret/data/billing/brokerage/7")

	c.InvalidateCacheForUser(7)
	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, 1, kv.reads)

	_, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, kv.reads, "second read is served from cache")

	_, err = c.Get(ctx, 8)
	assert.ErrorIs(t, err, brokerage.ErrNoCredentials)

	require.NoError(t, c.Delete(ctx, 7))
	_, err = c.Get(ctx, 7)
	assert.ErrorIs(t, err, brokerage.ErrNoCredentials)
}

func (f *fakeKV) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeKV) rotate(path, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[path] = map[string]interface{}{"account_id": "VA1", "access_token": token}
}

func TestVaultCacheExpiresAndInvalidates(t *testing.T) {
	kv := &fakeKV{secrets: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "billing/brokerage",
		CacheTTL:   time.Minute,
	})
	require.NoError(t, err)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, 7, brokerage.Credentials{AccountID: "VA1", AccessToken: "old"}))

	// Another process rotates the token.
	kv.rotate("/v1/secret/data/billing/brokerage/7", "new")

	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "old", got.AccessToken, "served from cache within the TTL")
	assert.Equal(t, 0, kv.readCount())

	now = now.Add(time.Minute)
	got, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken, "expired entry is reread")
	assert.Equal(t, 1, kv.readCount())

	kv.rotate("/v1/secret/data/billing/brokerage/7", "newer")
	c.InvalidateCacheForUser(7)
	got, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.AccessToken)
	assert.Equal(t, 2, kv.readCount())
}

func TestMemoryClientKeepsEntriesOnInvalidate(t *testing.T) {
	c := NewMemoryClient()
	c.SetClock(func() time.Time { return time.Now().Add(24 * time.Hour) })
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, 7, brokerage.Credentials{AccountID: "VA1", AccessToken: "tok"}))

	c.InvalidateCacheForUser(7)
	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
}

func TestNewClientTLS(t *testing.T) {
	srv := httptest.NewTLSServer(&fakeKV{secrets: map[string]map[string]interface{}{}})
	t.Cleanup(srv.Close)

	_, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		TLSEnabled: true,
		CACert:     filepath.Join(t.TempDir(), "missing-ca.pem"),
	})
	assert.ErrorContains(t, err, "failed to configure TLS")

	c, err := NewClient(config.VaultConfig{
		Enabled:       true,
		Address:       srv.URL,
		Token:         "root",
		TLSEnabled:    true,
		TLSSkipVerify: true,
	})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), 7)
	assert.ErrorIs(t, err, brokerage.ErrNoCredentials, "skip-verify accepts the self-signed test certificate")
}
