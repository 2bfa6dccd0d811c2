package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/relay-gateway/internal/accounts"
)

// FetchQuota reads per-model remaining quota for a token. Fractions are
// converted to percentages; the account-level figure is the lowest model's and
// the reset time the earliest. It satisfies accounts.QuotaFetcher.
func (c *Client) FetchQuota(ctx context.Context, accessToken, projectID string) (accounts.QuotaUpdate, error) {
	body := []byte(`{}`)
	if projectID != "" {
		body, _ = sjson.SetBytes(body, "project", projectID)
	}
	data, err := c.postJSON(ctx, MethodFetchModels, accessToken, body)
	if err != nil {
		return accounts.QuotaUpdate{}, fmt.Errorf("fetchAvailableModels: %w", err)
	}
	return ParseQuota(data)
}

// ParseQuota converts a fetchAvailableModels response into a quota update.
func ParseQuota(data []byte) (accounts.QuotaUpdate, error) {
	models := gjson.GetBytes(data, "models")
	if !models.IsObject() {
		return accounts.QuotaUpdate{}, errors.New("fetchAvailableModels: no models field in response")
	}

	out := accounts.QuotaUpdate{ModelQuota: make(map[string]float64), RemainingQuota: 100}
	models.ForEach(func(key, value gjson.Result) bool {
		info := value.Get("quotaInfo")
		if !info.Exists() {
			return true
		}
		// A missing fraction with quotaInfo present means the model is exhausted.
		pct := info.Get("remainingFraction").Float() * 100
		out.ModelQuota[key.String()] = pct
		out.RemainingQuota = min(out.RemainingQuota, pct)

		if reset := info.Get("resetTime").String(); reset != "" {
			if t, err := time.Parse(time.RFC3339, reset); err == nil {
				if out.ResetTime.IsZero() || t.Before(out.ResetTime) {
					out.ResetTime = t
				}
			}
		}
		return true
	})
	if len(out.ModelQuota) == 0 {
		out.RemainingQuota = 0
	}
	return out, nil
}
