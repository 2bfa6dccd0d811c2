package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("RELAY_TEST_PORT", "9000")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set variable", "port: ${RELAY_TEST_PORT}", "port: 9000"},
		{"set variable ignores default", "port: ${RELAY_TEST_PORT:-1}", "port: 9000"},
		{"unset uses default", "dir: ${RELAY_TEST_MISSING:-/tmp/accounts}", "dir: /tmp/accounts"},
		{"unset without default", "key: ${RELAY_TEST_MISSING}", "key: "},
		{"no references", "plain: value", "plain: value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnvWithDefaults(tt.input))
		})
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "secret")
	data := []byte(`
server:
  port: 9100
  api_key: ${RELAY_TEST_KEY}
scheduling:
  strategy: round_robin
  max_retries: 5
rate_limit:
  quota_backoff_ladder: [30s, 2m]
models:
  mapping:
    "claude-3-5-sonnet-*": claude-sonnet-4-5
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, StrategyRoundRobin, cfg.Scheduling.Strategy)
	assert.Equal(t, 5, cfg.Scheduling.MaxRetries)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, cfg.RateLimit.QuotaBackoffLadder)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Models.Mapping["claude-3-5-sonnet-*"])

	// Untouched sections keep their defaults.
	assert.True(t, cfg.Scheduling.StickySessions)
	assert.Equal(t, DefaultSummaryThreshold, cfg.Compression.SummaryThreshold)
	assert.Equal(t, DefaultTokenURL, cfg.Upstream.OAuth.TokenURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"bad strategy", func(c *Config) { c.Scheduling.Strategy = "random" }, true},
		{"thresholds out of order", func(c *Config) { c.Compression.ThinkingThreshold = 0.95 }, true},
		{"negative ladder step", func(c *Config) { c.RateLimit.QuotaBackoffLadder = []time.Duration{-1} }, true},
		{"protection above 100", func(c *Config) { c.Scheduling.QuotaProtection.ThresholdPercent = 120 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
