// Package config loads the gateway configuration.
//
// DESIGN: A single YAML file with ${VAR} / ${VAR:-default} expansion applied
// before parsing. Every field has a default (see defaults.go) so an empty file
// yields a working gateway that reads accounts from the default directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scheduling strategies.
const (
	StrategyP2C        = "p2c"
	StrategyRoundRobin = "round_robin"
)

// Config is the top-level configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Accounts       AccountsConfig       `yaml:"accounts"`
	Scheduling     SchedulingConfig     `yaml:"scheduling"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Compression    CompressionConfig    `yaml:"compression"`
	Models         ModelsConfig         `yaml:"models"`
	SignatureCache SignatureCacheConfig `yaml:"signature_cache"`
	QuotaRefresh   QuotaRefreshConfig   `yaml:"quota_refresh"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// ServerConfig controls the listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	APIKey       string        `yaml:"api_key"` // optional inbound key
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AccountsConfig points at the credential store.
type AccountsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// SchedulingConfig controls account selection.
type SchedulingConfig struct {
	Strategy        string                `yaml:"strategy"`
	StickySessions  bool                  `yaml:"sticky_sessions"`
	StickyTTL       time.Duration         `yaml:"sticky_ttl"`
	MaxRetries      int                   `yaml:"max_retries"`
	QuotaProtection QuotaProtectionConfig `yaml:"quota_protection"`
}

// QuotaProtectionConfig excludes accounts running low on a model's quota.
type QuotaProtectionConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ThresholdPercent float64 `yaml:"threshold_percent"`
}

// RateLimitConfig tunes lockout durations.
type RateLimitConfig struct {
	QuotaBackoffLadder    []time.Duration `yaml:"quota_backoff_ladder"`
	OptimisticResetBuffer time.Duration   `yaml:"optimistic_reset_buffer"`
}

// UpstreamConfig describes the backend.
type UpstreamConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	OAuth     OAuthConfig   `yaml:"oauth"`
}

// OAuthConfig holds the client used for refresh-token grants.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// CompressionConfig controls progressive context compression.
type CompressionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	ToolTrimThreshold   float64 `yaml:"tool_trim_threshold"`
	ThinkingThreshold   float64 `yaml:"thinking_threshold"`
	SummaryThreshold    float64 `yaml:"summary_threshold"`
	KeepToolMessages    int     `yaml:"keep_tool_messages"`
	KeepThinkingTurns   int     `yaml:"keep_thinking_turns"`
	DefaultContextLimit int     `yaml:"default_context_limit"`
	SummaryModel        string  `yaml:"summary_model"`
}

// ModelsConfig maps client model names onto backend models.
type ModelsConfig struct {
	Mapping       map[string]string `yaml:"mapping"`
	ContextLimits map[string]int    `yaml:"context_limits"`
}

// SignatureCacheConfig sets cache TTLs.
type SignatureCacheConfig struct {
	ToolTTL    time.Duration `yaml:"tool_ttl"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// QuotaRefreshConfig controls the background quota job.
type QuotaRefreshConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MonitoringConfig controls logs and telemetry sinks.
type MonitoringConfig struct {
	LogLevel      string `yaml:"log_level"`
	TelemetryPath string `yaml:"telemetry_path"`
	UsageDBPath   string `yaml:"usage_db_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultServerPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Accounts: AccountsConfig{
			Dir:   filepath.Join(home, ".config", "relay-gateway", "accounts"),
			Watch: true,
		},
		Scheduling: SchedulingConfig{
			Strategy:       StrategyP2C,
			StickySessions: true,
			StickyTTL:      DefaultStickyTTL,
			MaxRetries:     DefaultMaxRetries,
			QuotaProtection: QuotaProtectionConfig{
				Enabled:          true,
				ThresholdPercent: DefaultQuotaProtectionPercent,
			},
		},
		RateLimit: RateLimitConfig{
			QuotaBackoffLadder:    append([]time.Duration(nil), DefaultQuotaBackoffLadder...),
			OptimisticResetBuffer: DefaultOptimisticResetBuffer,
		},
		Upstream: UpstreamConfig{
			Endpoints: append([]string(nil), DefaultUpstreamEndpoints...),
			UserAgent: DefaultUserAgent,
			Timeout:   DefaultUpstreamTimeout,
			OAuth:     OAuthConfig{TokenURL: DefaultTokenURL},
		},
		Compression: CompressionConfig{
			Enabled:             true,
			ToolTrimThreshold:   DefaultToolTrimThreshold,
			ThinkingThreshold:   DefaultThinkingThreshold,
			SummaryThreshold:    DefaultSummaryThreshold,
			KeepToolMessages:    DefaultKeepToolMessages,
			KeepThinkingTurns:   DefaultKeepThinkingTurns,
			DefaultContextLimit: DefaultContextLimit,
			SummaryModel:        "gemini-2.5-flash",
		},
		SignatureCache: SignatureCacheConfig{
			ToolTTL:    DefaultToolSignatureTTL,
			SessionTTL: DefaultSessionSignatureTTL,
		},
		QuotaRefresh: QuotaRefreshConfig{
			Enabled:  true,
			Interval: DefaultQuotaRefreshInterval,
		},
		Monitoring: MonitoringConfig{
			LogLevel: "info",
		},
	}
	return cfg
}

// DefaultPath returns the config file location used when --config is not given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "relay-gateway", "config.yaml")
}

// Load reads and validates a config file. A missing file at the default
// location yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	// #nosec G304 -- path is operator supplied
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references and decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFallbacks restores defaults for fields explicitly zeroed in YAML.
func (c *Config) applyFallbacks() {
	if c.Scheduling.Strategy == "" {
		c.Scheduling.Strategy = StrategyP2C
	}
	if c.Scheduling.MaxRetries == 0 {
		c.Scheduling.MaxRetries = DefaultMaxRetries
	}
	if len(c.RateLimit.QuotaBackoffLadder) == 0 {
		c.RateLimit.QuotaBackoffLadder = append([]time.Duration(nil), DefaultQuotaBackoffLadder...)
	}
	if len(c.Upstream.Endpoints) == 0 {
		c.Upstream.Endpoints = append([]string(nil), DefaultUpstreamEndpoints...)
	}
	if c.Upstream.OAuth.TokenURL == "" {
		c.Upstream.OAuth.TokenURL = DefaultTokenURL
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if c.Compression.DefaultContextLimit == 0 {
		c.Compression.DefaultContextLimit = DefaultContextLimit
	}
	c.Accounts.Dir = expandHome(c.Accounts.Dir)
	c.Monitoring.TelemetryPath = expandHome(c.Monitoring.TelemetryPath)
	c.Monitoring.UsageDBPath = expandHome(c.Monitoring.UsageDBPath)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	switch c.Scheduling.Strategy {
	case StrategyP2C, StrategyRoundRobin:
	default:
		return fmt.Errorf("scheduling.strategy must be %q or %q, got %q", StrategyP2C, StrategyRoundRobin, c.Scheduling.Strategy)
	}
	if c.Scheduling.MaxRetries < 1 {
		return fmt.Errorf("scheduling.max_retries must be >= 1, got %d", c.Scheduling.MaxRetries)
	}
	if p := c.Scheduling.QuotaProtection.ThresholdPercent; p < 0 || p > 100 {
		return fmt.Errorf("scheduling.quota_protection.threshold_percent must be in 0-100, got %f", p)
	}
	for i, step := range c.RateLimit.QuotaBackoffLadder {
		if step <= 0 {
			return fmt.Errorf("rate_limit.quota_backoff_ladder[%d] must be positive", i)
		}
	}
	cc := c.Compression
	if !(cc.ToolTrimThreshold > 0 && cc.ToolTrimThreshold <= cc.ThinkingThreshold &&
		cc.ThinkingThreshold <= cc.SummaryThreshold && cc.SummaryThreshold <= 1) {
		return fmt.Errorf("compression thresholds must satisfy 0 < tool_trim <= thinking <= summary <= 1, got %.2f/%.2f/%.2f",
			cc.ToolTrimThreshold, cc.ThinkingThreshold, cc.SummaryThreshold)
	}
	if cc.KeepToolMessages < 0 || cc.KeepThinkingTurns < 0 {
		return fmt.Errorf("compression keep counts must be >= 0")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return ""
	})
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
