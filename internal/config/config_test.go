package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "marketpipe/pkg/market/coingecko"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "marketpipe.yaml", `
Name: marketpipe
Host: 0.0.0.0
Port: 8888
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.True(t, cfg.IsTestEnv())

	r := cfg.Resilience
	assert.Equal(t, 30, r.MaxRequestsPerWindow)
	assert.Equal(t, time.Minute, r.Window())
	assert.Equal(t, 300*time.Millisecond, r.Debounce())
	assert.Equal(t, 2, r.MaxQueueConcurrency)
	assert.Equal(t, 3, r.MaxRetries)
	assert.Equal(t, time.Second, r.BackoffBase())
	assert.Equal(t, 3, r.CircuitFailureThreshold)
	assert.Equal(t, time.Minute, r.CircuitResetTimeout())
	assert.Equal(t, 30*time.Second, r.CacheTTL())
	assert.True(t, r.StaleCacheAllowed)

	assert.Equal(t, 10, cfg.TTL.Short)
	assert.Equal(t, 60, cfg.TTL.Medium)
	assert.Equal(t, 300, cfg.TTL.Long)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval())
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "marketpipe.yaml", `
Name: marketpipe
Host: 0.0.0.0
Port: 8888
Env: prod
Tokens:
  - bitcoin
  - ethereum
Resilience:
  MaxRequestsPerWindow: 10
  WindowMs: 30000
  DebounceMs: 150
  MaxQueueConcurrency: 4
  StaleCacheAllowed: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.False(t, cfg.IsTestEnv())
	assert.Equal(t, []string{"bitcoin", "ethereum"}, cfg.Tokens)
	assert.Equal(t, 10, cfg.Resilience.MaxRequestsPerWindow)
	assert.Equal(t, 30*time.Second, cfg.Resilience.Window())
	assert.Equal(t, 150*time.Millisecond, cfg.Resilience.Debounce())
	assert.Equal(t, 4, cfg.Resilience.MaxQueueConcurrency)
	assert.False(t, cfg.Resilience.StaleCacheAllowed)
}

func TestLoadHydratesMarketSection(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "market.yaml", `
default: coingecko
providers:
  coingecko:
    type: coingecko
    currency: usd
`)
	path := writeConfig(t, dir, "marketpipe.yaml", `
Name: marketpipe
Host: 0.0.0.0
Port: 8888
Market:
  File: market.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Market.Value)
	assert.Equal(t, "coingecko", cfg.Market.Value.Default)
	assert.Equal(t, filepath.Join(dir, "market.yaml"), cfg.Market.File)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "marketpipe.yaml", `
Name: marketpipe
Host: 0.0.0.0
Port: 8888
Env: staging
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env must be one of")
}
