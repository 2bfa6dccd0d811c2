// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: Total and successful request counts
//   - retries:            Extra upstream attempts and their causes
//   - compressions:       Compression runs and summary forks
//   - tokens:             Backend-reported input and output tokens
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64
	streamed  atomic.Int64

	// Retry counters
	retries           atomic.Int64
	rateLimited       atomic.Int64
	serverErrors      atomic.Int64
	authFailures      atomic.Int64
	signatureRetries  atomic.Int64
	optimisticResets  atomic.Int64
	exhaustedRequests atomic.Int64 // requests that ran out of accounts

	// Compression counters
	compressions atomic.Int64
	summaries    atomic.Int64
	tooLong      atomic.Int64

	// Usage from backend responses
	totalInputTokens     atomic.Int64
	totalOutputTokens    atomic.Int64
	totalCacheReadTokens atomic.Int64

	totalLatencyMs atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequest records a finished request.
func (mc *MetricsCollector) RecordRequest(success, stream bool, latency time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
	if stream {
		mc.streamed.Add(1)
	}
	mc.totalLatencyMs.Add(latency.Milliseconds())
}

// RetryCause labels why another attempt was made.
type RetryCause int

const (
	RetryRateLimit RetryCause = iota
	RetryServer
	RetryAuth
	RetrySignature
)

// RecordRetry records one extra upstream attempt.
func (mc *MetricsCollector) RecordRetry(cause RetryCause) {
	mc.retries.Add(1)
	switch cause {
	case RetryRateLimit:
		mc.rateLimited.Add(1)
	case RetryServer:
		mc.serverErrors.Add(1)
	case RetryAuth:
		mc.authFailures.Add(1)
	case RetrySignature:
		mc.signatureRetries.Add(1)
	}
}

// RecordOptimisticReset records a pool-wide lockout clear.
func (mc *MetricsCollector) RecordOptimisticReset() { mc.optimisticResets.Add(1) }

// RecordExhausted records a request that failed after every allowed attempt.
func (mc *MetricsCollector) RecordExhausted() { mc.exhaustedRequests.Add(1) }

// RecordCompression records a compression run.
func (mc *MetricsCollector) RecordCompression(summarized bool) {
	mc.compressions.Add(1)
	if summarized {
		mc.summaries.Add(1)
	}
}

// RecordContextTooLong records a request rejected after every compression tier.
func (mc *MetricsCollector) RecordContextTooLong() { mc.tooLong.Add(1) }

// RecordAPIUsage records actual token usage from the backend response.
func (mc *MetricsCollector) RecordAPIUsage(inputTokens, outputTokens, cacheReadTokens int) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
	mc.totalCacheReadTokens.Add(int64(cacheReadTokens))
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":          mc.requests.Load(),
		"successes":         mc.successes.Load(),
		"retries":           mc.retries.Load(),
		"compressions":      mc.compressions.Load(),
		"signature_retries": mc.signatureRetries.Load(),
	}
}

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()

	var avgLatency int64
	if requests > 0 {
		avgLatency = mc.totalLatencyMs.Load() / requests
	}

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:        requests,
			Successful:   successes,
			Failed:       requests - successes,
			Streamed:     mc.streamed.Load(),
			Exhausted:    mc.exhaustedRequests.Load(),
			AvgLatencyMs: avgLatency,
		},
		Retries: RetryStats{
			Total:            mc.retries.Load(),
			RateLimited:      mc.rateLimited.Load(),
			ServerErrors:     mc.serverErrors.Load(),
			AuthFailures:     mc.authFailures.Load(),
			SignatureRetries: mc.signatureRetries.Load(),
			OptimisticResets: mc.optimisticResets.Load(),
		},
		Tokens: TokenStatsData{
			InputTokens:     mc.totalInputTokens.Load(),
			OutputTokens:    mc.totalOutputTokens.Load(),
			CacheReadTokens: mc.totalCacheReadTokens.Load(),
		},
		Compression: CompressionStats{
			Operations:     mc.compressions.Load(),
			Summaries:      mc.summaries.Load(),
			ContextTooLong: mc.tooLong.Load(),
		},
	}
}

// StatsResponse is the structured metrics section of the /stats endpoint.
type StatsResponse struct {
	Uptime        string           `json:"uptime"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartedAt     string           `json:"started_at"`
	Requests      RequestStats     `json:"requests"`
	Retries       RetryStats       `json:"retries"`
	Tokens        TokenStatsData   `json:"tokens"`
	Compression   CompressionStats `json:"compression"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total        int64 `json:"total"`
	Successful   int64 `json:"successful"`
	Failed       int64 `json:"failed"`
	Streamed     int64 `json:"streamed"`
	Exhausted    int64 `json:"exhausted"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// RetryStats holds retry metrics.
type RetryStats struct {
	Total            int64 `json:"total"`
	RateLimited      int64 `json:"rate_limited"`
	ServerErrors     int64 `json:"server_errors"`
	AuthFailures     int64 `json:"auth_failures"`
	SignatureRetries int64 `json:"signature_retries"`
	OptimisticResets int64 `json:"optimistic_resets"`
}

// TokenStatsData holds backend-reported token usage.
type TokenStatsData struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`
}

// CompressionStats holds compression metrics.
type CompressionStats struct {
	Operations     int64 `json:"operations"`
	Summaries      int64 `json:"summaries"`
	ContextTooLong int64 `json:"context_too_long"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
