// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when the tokenizer is unavailable.
const TokenEstimateRatio = 4

// DefaultContextLimit is the context window assumed for unknown models.
const DefaultContextLimit = 1_000_000

// =============================================================================
// ACCOUNT SCHEDULING
// =============================================================================

// Concurrency ceilings per subscription tier.
const (
	UltraConcurrencyLimit = 8
	ProConcurrencyLimit   = 3
	FreeConcurrencyLimit  = 1
)

// TokenRefreshSkew refreshes access tokens this long before they expire.
const TokenRefreshSkew = 5 * time.Minute

// ResetTimeTieWindow treats quota reset times closer than this as equal when sorting.
const ResetTimeTieWindow = 10 * time.Minute

// P2CPoolSize is how many leading candidates power-of-two-choices samples from.
const P2CPoolSize = 5

// DefaultMaxRetries caps account rotations per client request.
const DefaultMaxRetries = 3

// DefaultStickyTTL is how long an idle session keeps its account binding.
const DefaultStickyTTL = time.Hour

// DefaultQuotaProtectionPercent excludes an account for a model below this remaining quota.
const DefaultQuotaProtectionPercent = 10.0

// DefaultQuotaRefreshInterval is how often the quota job polls the backend.
const DefaultQuotaRefreshInterval = 10 * time.Minute

// =============================================================================
// RATE LIMITING
// =============================================================================

// MinLockout is the floor applied to every lockout to avoid retry storms.
const MinLockout = 2 * time.Second

// RateLimitExceededLockout is the default lockout for per-minute rate limits.
const RateLimitExceededLockout = 5 * time.Second

// CapacityLockoutStep is the escalation step for model capacity exhaustion (5s, 10s, 15s).
const CapacityLockoutStep = 5 * time.Second

// CapacityLockoutMax caps the capacity escalation.
const CapacityLockoutMax = 15 * time.Second

// ServerErrorLockout is the soft-avoidance window after a 5xx.
const ServerErrorLockout = 8 * time.Second

// UnknownReasonLockout is used when no reason can be parsed.
const UnknownReasonLockout = 60 * time.Second

// FailureCounterTTL expires consecutive-failure counters after inactivity.
const FailureCounterTTL = time.Hour

// DefaultOptimisticResetBuffer is the window cleared when every account looks locked.
const DefaultOptimisticResetBuffer = 2 * time.Second

// DefaultQuotaBackoffLadder is indexed by consecutive quota failures.
var DefaultQuotaBackoffLadder = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// =============================================================================
// SIGNATURE CACHE
// =============================================================================

// DefaultToolSignatureTTL covers the tool and family tables.
const DefaultToolSignatureTTL = 2 * time.Hour

// DefaultSessionSignatureTTL covers the session table.
const DefaultSessionSignatureTTL = 30 * time.Minute

// MinSignatureLength is the shortest signature worth caching.
const MinSignatureLength = 50

// =============================================================================
// COMPRESSION DEFAULTS
// =============================================================================

// Progressive compression thresholds as a fraction of the context limit.
const (
	DefaultToolTrimThreshold = 0.70
	DefaultThinkingThreshold = 0.85
	DefaultSummaryThreshold  = 0.90
)

// DefaultKeepToolMessages is how many recent tool-result messages survive tier 1.
const DefaultKeepToolMessages = 5

// DefaultKeepThinkingTurns is how many recent assistant turns keep thinking text in tier 2.
const DefaultKeepThinkingTurns = 2

// DefaultCalibrationTTL is how long observed usage ratios are remembered.
const DefaultCalibrationTTL = time.Hour

// =============================================================================
// THINKING
// =============================================================================

// ConstrainedThinkingBudget caps the thinking budget for flash-class models.
const ConstrainedThinkingBudget = 24576

// DefaultThinkingBudget is used when thinking is requested without a budget.
const DefaultThinkingBudget = 16000

// ThinkingOutputHeadroom is added to max output tokens when the budget would exceed it.
const ThinkingOutputHeadroom = 4096

// DefaultSignatureFallbackTTL remembers sessions whose signature was rejected.
const DefaultSignatureFallbackTTL = time.Hour

// =============================================================================
// STREAMING
// =============================================================================

// MaxMalformedChunks is how many malformed chunks a stream tolerates before erroring.
const MaxMalformedChunks = 3

// =============================================================================
// CLEANUP AND MAINTENANCE
// =============================================================================

// DefaultCleanupInterval is the frequency for background cleanup goroutines.
const DefaultCleanupInterval = 5 * time.Minute

// AccountReloadDebounce coalesces bursts of file events from the account directory.
const AccountReloadDebounce = 100 * time.Millisecond

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// DefaultServerPort is the listen port when none is configured.
const DefaultServerPort = 8045

// DefaultUpstreamTimeout bounds the wait for a backend response's headers.
// Streamed bodies are bounded by the request context instead.
const DefaultUpstreamTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 2 * time.Minute

// DefaultServerWriteTimeout for HTTP server. SSE responses clear it.
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds the drain of in-flight requests on shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// DefaultUserAgent identifies the gateway to the backend.
const DefaultUserAgent = "antigravity/1.11.5 windows/amd64"

// DefaultTokenURL is the OAuth token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// DefaultUpstreamEndpoints are tried in order.
var DefaultUpstreamEndpoints = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}
