package accounts

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/config"
)

// QuotaFetcher reads current quota numbers for one credential.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken, projectID string) (QuotaUpdate, error)
}

// QuotaRefresher periodically pulls quota for every enabled account.
type QuotaRefresher struct {
	pool     *Pool
	fetcher  QuotaFetcher
	interval time.Duration
	running  atomic.Bool
}

// NewQuotaRefresher creates a refresher. A non-positive interval uses the default.
func NewQuotaRefresher(pool *Pool, fetcher QuotaFetcher, interval time.Duration) *QuotaRefresher {
	if interval <= 0 {
		interval = config.DefaultQuotaRefreshInterval
	}
	return &QuotaRefresher{pool: pool, fetcher: fetcher, interval: interval}
}

// Run refreshes immediately, then on every tick until ctx is done.
func (r *QuotaRefresher) Run(ctx context.Context) {
	r.RefreshAll(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll fetches quota for every enabled account and returns how many
// were updated. Overlapping runs are skipped.
func (r *QuotaRefresher) RefreshAll(ctx context.Context) int {
	if !r.running.CompareAndSwap(false, true) {
		log.Debug().Msg("quota: refresh already running, skipped")
		return 0
	}
	defer r.running.Store(false)

	updated := 0
	for _, id := range r.pool.IDs() {
		if ctx.Err() != nil {
			break
		}
		token, projectID, err := r.pool.Credentials(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("account", id).Msg("quota: credentials unavailable")
			continue
		}
		q, err := r.fetcher.FetchQuota(ctx, token, projectID)
		if err != nil {
			if IsUnrecoverable(err) {
				r.pool.Disable(id, err.Error())
			}
			log.Warn().Err(err).Str("account", id).Msg("quota: fetch failed")
			continue
		}
		r.pool.UpdateQuota(id, q)
		updated++
	}
	log.Info().Int("updated", updated).Msg("quota: refresh complete")
	return updated
}
