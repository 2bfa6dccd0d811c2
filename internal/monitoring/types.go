// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - RequestEvent:  Telemetry data for each request
//   - InitEvent:     Startup configuration snapshot
//   - Config types:  TelemetryConfig
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures a request through the gateway.
type RequestEvent struct {
	RequestID         string    `json:"request_id"`
	Timestamp         time.Time `json:"timestamp"`
	Protocol          string    `json:"protocol"`
	Path              string    `json:"path"`
	ClientIP          string    `json:"client_ip"`
	SessionID         string    `json:"session_id,omitempty"`
	Model             string    `json:"model,omitempty"`
	MappedModel       string    `json:"mapped_model,omitempty"`
	Account           string    `json:"account,omitempty"` // email of the last account tried
	Stream            bool      `json:"stream"`
	StatusCode        int       `json:"status_code"`
	Attempts          int       `json:"attempts"`
	Success           bool      `json:"success"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	Error             string    `json:"error,omitempty"`
	ThinkingEnabled   bool      `json:"thinking_enabled"`
	CompressionTiers  []string  `json:"compression_tiers,omitempty"`
	EstimatedTokens   int       `json:"estimated_tokens,omitempty"`
	InputTokens       int       `json:"input_tokens,omitempty"`
	OutputTokens      int       `json:"output_tokens,omitempty"`
	CacheReadTokens   int       `json:"cache_read_tokens,omitempty"`
	UpstreamLatencyMs int64     `json:"upstream_latency_ms"`
	TotalLatencyMs    int64     `json:"total_latency_ms"`
}

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	Event              string    `json:"event"`
	Version            string    `json:"version,omitempty"`
	ServerPort         int       `json:"server_port"`
	Accounts           int       `json:"accounts"`
	Strategy           string    `json:"strategy"`
	StickySessions     bool      `json:"sticky_sessions"`
	QuotaProtection    bool      `json:"quota_protection"`
	CompressionEnabled bool      `json:"compression_enabled"`
	Endpoints          []string  `json:"endpoints,omitempty"`
	InboundAuth        bool      `json:"inbound_auth"`
	TelemetryPath      string    `json:"telemetry_path,omitempty"`
	UsageDBPath        string    `json:"usage_db_path,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}
