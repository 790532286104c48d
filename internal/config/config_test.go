package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log:
  level: debug

venues:
  binance:
    enabled: true
    testnet: true
    rate_budget: 1200
    rate_window: 1m
  bybit:
    enabled: true
    rate_budget: 600
    rate_window: 1m
  okx:
    enabled: false
    rate_budget: 100
    rate_window: 1m

cache:
  initial_ttl: 1s
  min_ttl: 200ms
  max_ttl: 10s

preload:
  watch:
    - binance:BTCUSDT
    - bybit:BTCUSDT

secrets:
  backend: static
  static:
    binance:
      api_key: k1
      api_secret: s1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Venues, 2, "disabled venues must be dropped")
	assert.Equal(t, "binance", cfg.Venues[0].Name)
	assert.True(t, cfg.Venues[0].Testnet)
	assert.Equal(t, 1200, cfg.Venues[0].RateBudget)
	assert.Equal(t, "bybit", cfg.Venues[1].Name)
	assert.Equal(t, time.Minute, cfg.Venues[1].RateWindow)

	assert.Equal(t, time.Second, cfg.Cache.InitialTTL)
	assert.Equal(t, 200*time.Millisecond, cfg.Cache.MinTTL)

	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Health.Threshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Preload.Interval)
	assert.InDelta(t, 0.9, cfg.Performance.ShrinkFactor, 1e-9)

	assert.Equal(t, []string{"binance:BTCUSDT", "bybit:BTCUSDT"}, cfg.Preload.Watch)
	require.Contains(t, cfg.Secrets.Static, "binance")
	assert.Equal(t, "k1", cfg.Secrets.Static["binance"].APIKey)
}

func TestLoadRejectsEmptyVenues(t *testing.T) {
	_, err := Load(writeConfig(t, "venues: {}\n"))
	assert.Error(t, err)
}

func TestLoadRejectsBadBudget(t *testing.T) {
	_, err := Load(writeConfig(t, `
venues:
  binance:
    enabled: true
    rate_budget: 0
    rate_window: 1m
`))
	assert.Error(t, err)
}

func TestLoadRejectsBadWatchEntry(t *testing.T) {
	_, err := Load(writeConfig(t, `
venues:
  binance:
    enabled: true
    rate_budget: 10
    rate_window: 1m
preload:
  watch:
    - BTCUSDT
`))
	assert.Error(t, err)
}

func TestValidateTTLBounds(t *testing.T) {
	_, err := Load(writeConfig(t, `
venues:
  binance:
    enabled: true
    rate_budget: 10
    rate_window: 1m
cache:
  initial_ttl: 1m
  min_ttl: 1s
  max_ttl: 10s
`))
	assert.Error(t, err, "initial ttl outside bounds must be rejected")
}
