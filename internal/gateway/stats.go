// Package gateway - stats.go exposes health and operational state as JSON.
//
// GET /health is public; GET /stats returns metrics, per-account state,
// active lockouts and recent failures, and is restricted to localhost.
package gateway

import (
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/monitoring"
	"github.com/compresr/relay-gateway/internal/ratelimit"
)

const recentFailuresShown = 10

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Version  string                    `json:"version"`
	Metrics  monitoring.StatsResponse  `json:"metrics"`
	Accounts []AccountStatus           `json:"accounts"`
	Lockouts []ratelimit.Record        `json:"lockouts"`
	Failures monitoring.FailureSummary `json:"failures"`
	Recent   []monitoring.FailureEntry `json:"recent_failures"`
	Caches   CacheStats                `json:"caches"`
}

// AccountStatus is the operator view of one account. Credentials are never included.
type AccountStatus struct {
	ID                string             `json:"id"`
	Email             string             `json:"email"`
	Tier              accounts.Tier      `json:"tier,omitempty"`
	Disabled          bool               `json:"disabled"`
	DisabledReason    string             `json:"disabled_reason,omitempty"`
	Health            float64            `json:"health"`
	ActiveConnections int                `json:"active_connections"`
	RemainingQuota    float64            `json:"remaining_quota"`
	ModelQuota        map[string]float64 `json:"model_quota,omitempty"`
	TokenExpiresIn    string             `json:"token_expires_in,omitempty"`
}

// CacheStats reports the size of the in-memory session state.
type CacheStats struct {
	ToolSignatures    int `json:"tool_signatures"`
	SignatureFamilies int `json:"signature_families"`
	SessionSignatures int `json:"session_signatures"`
	StickySessions    int `json:"sticky_sessions"`
	ThinkingFallbacks int `json:"thinking_fallbacks"`
}

// handleHealth serves GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := g.pool.Size()
	health := map[string]any{
		"status":   "ok",
		"time":     time.Now().Format(time.RFC3339),
		"version":  g.version,
		"accounts": available,
	}
	status := http.StatusOK
	if available == 0 {
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleStats serves GET /stats.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	now := time.Now()
	tools, families, sessions := g.cache.Len()

	resp := StatsResponse{
		Version: g.version,
		Metrics: g.metrics.FullStats(),
		Accounts: lo.Map(g.pool.Snapshot(), func(a accounts.Account, _ int) AccountStatus {
			st := AccountStatus{
				ID:                a.ID,
				Email:             a.Email,
				Tier:              a.Tier,
				Disabled:          a.Disabled,
				DisabledReason:    a.DisabledReason,
				Health:            a.Health,
				ActiveConnections: a.ActiveConnections,
				RemainingQuota:    a.RemainingQuota,
				ModelQuota:        a.ModelQuota,
			}
			if !a.TokenExpiry.IsZero() {
				st.TokenExpiresIn = a.TokenExpiry.Sub(now).Truncate(time.Second).String()
			}
			return st
		}),
		Lockouts: g.limits.Active(),
		Failures: g.failures.Summary(),
		Recent:   g.failures.Recent(recentFailuresShown),
		Caches: CacheStats{
			ToolSignatures:    tools,
			SignatureFamilies: families,
			SessionSignatures: sessions,
			StickySessions:    g.pool.StickySessions(),
			ThinkingFallbacks: g.sigFallback.Len(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}
