// Package accounts holds the upstream credential pool and the scheduler that
// leases one credential per request.
package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/compresr/relay-gateway/internal/config"
)

// ErrNoAvailableAccounts is returned when every candidate was tried or filtered out.
var ErrNoAvailableAccounts = errors.New("no available accounts")

// Tier is the subscription tier of an account.
type Tier string

const (
	TierFree  Tier = "FREE"
	TierPro   Tier = "PRO"
	TierUltra Tier = "ULTRA"
)

// ParseTier maps free-form tier names ("g1-ultra-tier", "standard-tier", ...) onto a Tier.
func ParseTier(s string) Tier {
	u := strings.ToUpper(s)
	switch {
	case strings.Contains(u, "ULTRA"):
		return TierUltra
	case strings.Contains(u, "PRO"), strings.Contains(u, "STANDARD"), strings.Contains(u, "PAID"):
		return TierPro
	}
	return TierFree
}

func (t Tier) rank() int {
	switch t {
	case TierUltra:
		return 2
	case TierPro:
		return 1
	}
	return 0
}

// ConcurrencyLimit is the number of simultaneous requests an account of this tier serves
// before it sorts behind non-overloaded accounts.
func (t Tier) ConcurrencyLimit() int {
	switch t {
	case TierUltra:
		return config.UltraConcurrencyLimit
	case TierPro:
		return config.ProConcurrencyLimit
	}
	return config.FreeConcurrencyLimit
}

// Account is one upstream credential. Fields tagged json:"-" are runtime state
// and are only populated on snapshots.
type Account struct {
	ID             string             `json:"id"`
	Email          string             `json:"email"`
	AccessToken    string             `json:"access_token"`
	RefreshToken   string             `json:"refresh_token"`
	TokenExpiry    time.Time          `json:"token_expiry"`
	ProjectID      string             `json:"project_id,omitempty"`
	Tier           Tier               `json:"tier,omitempty"`
	RemainingQuota float64            `json:"remaining_quota,omitempty"`
	ModelQuota     map[string]float64 `json:"model_quota,omitempty"`
	ResetTime      time.Time          `json:"reset_time,omitempty"`
	Disabled       bool               `json:"disabled,omitempty"`
	DisabledReason string             `json:"disabled_reason,omitempty"`

	ProtectedModels   map[string]bool `json:"-"`
	Health            float64         `json:"-"`
	ActiveConnections int             `json:"-"`
}

// NeedsRefresh reports whether the access token expires within the refresh skew.
func (a *Account) NeedsRefresh(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	if a.TokenExpiry.IsZero() {
		return false
	}
	return a.TokenExpiry.Sub(now) < config.TokenRefreshSkew
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (accessToken string, expiresIn time.Duration, err error)
}

// ProjectResolver resolves the backend project bound to an access token.
type ProjectResolver interface {
	ResolveProjectID(ctx context.Context, accessToken string) (string, error)
}

// CredentialStore persists accounts.
type CredentialStore interface {
	LoadAccounts() ([]Account, error)
	SaveRefreshedToken(accountID, accessToken string, expiry time.Time) error
	DisableAccount(accountID, reason string) error
}

// RateLimitChecker reports how long an account stays locked for a model.
type RateLimitChecker interface {
	RemainingWait(accountID, model string) time.Duration
}

// unrecoverable is implemented by auth errors that mean the grant is revoked.
type unrecoverable interface {
	Unrecoverable() bool
}

// IsUnrecoverable reports whether err carries an unrecoverable auth failure.
func IsUnrecoverable(err error) bool {
	var u unrecoverable
	return errors.As(err, &u) && u.Unrecoverable()
}

// FailureKind classifies a failed attempt for health scoring.
type FailureKind int

const (
	FailureRateLimit FailureKind = iota
	FailureServer
	FailureAuth
)

func (k FailureKind) healthPenalty() float64 {
	if k == FailureAuth {
		return 0.3
	}
	return 0.1
}

// quotaFamilies maps model-name prefixes to quota groups, longest prefix first.
var quotaFamilies = []struct {
	prefix string
	group  string
}{
	{"gemini-3-pro-image", "gemini-image"},
	{"gemini-2.5-flash-image", "gemini-image"},
	{"gemini-3-flash", "gemini-flash"},
	{"gemini-3-pro", "gemini-pro"},
	{"gemini-2.5-flash", "gemini-flash"},
	{"gemini-2.5-pro", "gemini-pro"},
	{"gemini-2.0-flash", "gemini-flash"},
	{"claude-opus", "claude"},
	{"claude-sonnet", "claude"},
	{"claude-haiku", "claude"},
	{"claude", "claude"},
}

// NormalizeQuotaGroup collapses a model id onto the quota group it draws from,
// so that every flash variant shares one protection and sticky key.
func NormalizeQuotaGroup(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	m = strings.TrimPrefix(m, "models/")
	for _, f := range quotaFamilies {
		if strings.HasPrefix(m, f.prefix) {
			return f.group
		}
	}
	switch {
	case strings.Contains(m, "image"):
		return "gemini-image"
	case strings.Contains(m, "flash"):
		return "gemini-flash"
	case strings.Contains(m, "gemini"):
		return "gemini-pro"
	}
	return m
}

// protectedGroups returns the quota groups whose lowest per-model quota is under threshold.
func protectedGroups(modelQuota map[string]float64, threshold float64) map[string]bool {
	if threshold <= 0 || len(modelQuota) == 0 {
		return nil
	}
	out := make(map[string]bool)
	for model, pct := range modelQuota {
		if pct < threshold {
			out[NormalizeQuotaGroup(model)] = true
		}
	}
	return out
}
