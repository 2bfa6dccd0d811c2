// Package gateway - executor.go runs one client request against the pool.
//
// DESIGN: Up to min(max_retries, pool size) accounts are tried per request and
// no account is tried twice (the attempted set). Per failure:
//   - 429 / 5xx / network: lock the account in the tracker, rotate (counted)
//   - 401: expire the token so the next lease refreshes it, rotate (not counted)
//   - 403: disable the account, rotate (not counted)
//   - 400 signature: strip thinking, retry once on the same account
//   - anything else: terminal
//
// When every account is locked but the shortest wait fits the optimistic
// buffer, the nearly expired lockouts are cleared once and selection retried.
// After the last attempt the last backend error is surfaced unchanged.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/monitoring"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
)

// upstreamCall describes one client request as the retry loop sees it.
type upstreamCall struct {
	requestID string
	model     string // backend model id, also the rate-limit key
	sessionID string
	method    string
	query     string

	// build renders the backend body for a leased account.
	build func(lease *accounts.Lease, disableThinking bool) ([]byte, *transform.Result, error)
	// disableThinking starts the request with thinking off.
	disableThinking bool

	// Filled in by execute.
	attempts int
	account  string
}

// upstreamResult is an open backend response that still holds its lease.
type upstreamResult struct {
	resp  *http.Response
	lease *accounts.Lease
	built *transform.Result
}

// Close releases the body and the lease. Safe on nil.
func (r *upstreamResult) Close() {
	if r == nil {
		return
	}
	if r.resp != nil && r.resp.Body != nil {
		_ = r.resp.Body.Close()
	}
	r.lease.Release()
}

// callState is carried across the attempts of one request.
type callState struct {
	attempted        map[string]struct{}
	budgetUsed       int
	disableThinking  bool
	signatureRetried bool
	resetTried       bool
	lastErr          error
}

// execute leases accounts until the backend accepts the call. The caller must
// Close the result.
func (g *Gateway) execute(ctx context.Context, call *upstreamCall) (*upstreamResult, error) {
	maxAttempts := max(1, min(g.config.Scheduling.MaxRetries, g.pool.Size()))
	st := &callState{
		attempted:       make(map[string]struct{}),
		disableThinking: call.disableThinking || g.sigFallback.ShouldSkipThinking(call.sessionID),
	}

	for st.budgetUsed < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sessionID := call.sessionID
		lease, err := g.pool.Select(ctx, accounts.SelectRequest{
			TargetModel: call.model,
			SessionID:   &sessionID,
			ForceRotate: len(st.attempted) > 0,
			Attempted:   st.attempted,
		})
		if err != nil {
			if errors.Is(err, accounts.ErrNoAvailableAccounts) && g.optimisticReset(call, st) {
				continue
			}
			return nil, g.exhausted(call, st, err)
		}
		st.attempted[lease.AccountID] = struct{}{}
		call.account = lease.Email

		res, rotate, err := g.attemptAccount(ctx, call, st, lease)
		if err == nil {
			return res, nil
		}
		if !rotate {
			return nil, err
		}
		st.lastErr = err
	}
	return nil, g.exhausted(call, st, nil)
}

// attemptAccount runs the call on one leased account. rotate reports whether
// another account should be tried. The lease is released unless a result is returned.
func (g *Gateway) attemptAccount(ctx context.Context, call *upstreamCall, st *callState, lease *accounts.Lease) (res *upstreamResult, rotate bool, err error) {
	handedOff := false
	defer func() {
		if !handedOff {
			lease.Release()
		}
	}()

	for {
		body, built, err := call.build(lease, st.disableThinking)
		if err != nil {
			return nil, false, err
		}

		call.attempts++
		resp, err := g.upstream.CallBackend(ctx, call.method, lease.AccessToken, body, call.query)
		if err == nil {
			g.limits.RecordSuccess(lease.AccountID, call.model)
			g.pool.ReportSuccess(lease.AccountID)
			handedOff = true
			return &upstreamResult{resp: resp, lease: lease, built: built}, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}

		var serr *upstream.StatusError
		if !errors.As(err, &serr) {
			st.budgetUsed++
			g.pool.ReportFailure(lease.AccountID, accounts.FailureServer)
			g.metrics.RecordRetry(monitoring.RetryServer)
			log.Warn().Err(err).Str("request_id", call.requestID).Str("account", lease.Email).Msg("gateway: backend unreachable, rotating")
			return nil, true, err
		}

		switch {
		case isSignatureError(serr):
			if built == nil || !built.ThinkingEnabled || st.signatureRetried {
				return nil, false, err
			}
			st.signatureRetried = true
			st.disableThinking = true
			g.sigFallback.MarkSkipThinking(call.sessionID)
			if call.sessionID != "" {
				g.cache.ClearSession(call.sessionID)
			}
			g.metrics.RecordRetry(monitoring.RetrySignature)
			log.Warn().
				Str("request_id", call.requestID).
				Str("account", lease.Email).
				Str("session", call.sessionID).
				Msg("gateway: thinking signature rejected, retrying without thinking")
			continue

		case serr.Status == http.StatusUnauthorized:
			g.pool.ExpireToken(lease.AccountID)
			g.pool.ReportFailure(lease.AccountID, accounts.FailureAuth)
			g.metrics.RecordRetry(monitoring.RetryAuth)
			log.Warn().Str("request_id", call.requestID).Str("account", lease.Email).Msg("gateway: access token rejected, rotating")
			return nil, true, err

		case serr.Status == http.StatusForbidden:
			g.pool.Disable(lease.AccountID, fmt.Sprintf("backend returned %d: %s", serr.Status, upstreamMessage(serr.Body)))
			g.metrics.RecordRetry(monitoring.RetryAuth)
			return nil, true, err

		case serr.Status == http.StatusTooManyRequests || serr.Status >= 500:
			st.budgetUsed++
			lockout, _ := g.limits.RecordFailure(lease.AccountID, serr.Status, serr.RetryAfter, serr.Body, call.model)
			kind, cause := accounts.FailureServer, monitoring.RetryServer
			if serr.Status == http.StatusTooManyRequests {
				kind, cause = accounts.FailureRateLimit, monitoring.RetryRateLimit
			}
			g.pool.ReportFailure(lease.AccountID, kind)
			g.metrics.RecordRetry(cause)
			ev := log.Warn().
				Str("request_id", call.requestID).
				Str("account", lease.Email).
				Str("model", call.model).
				Int("status", serr.Status).
				Dur("lockout", lockout)
			if rec, ok := g.limits.Lookup(lease.AccountID, call.model); ok {
				ev = ev.Str("reason", string(rec.Reason))
			}
			ev.Msg("gateway: backend refused, rotating")
			return nil, true, err

		default:
			return nil, false, err
		}
	}
}

// optimisticReset clears lockouts that are about to expire anyway. It runs at
// most once per request and reports whether selection should be retried.
func (g *Gateway) optimisticReset(call *upstreamCall, st *callState) bool {
	if st.resetTried {
		return false
	}
	st.resetTried = true

	ids := lo.Filter(g.pool.IDs(), func(id string, _ int) bool {
		_, done := st.attempted[id]
		return !done
	})
	if len(ids) == 0 {
		return false
	}
	buffer := g.config.RateLimit.OptimisticResetBuffer
	wait := g.limits.MinRemainingWait(ids, call.model)
	if wait <= 0 || wait > buffer {
		return false
	}
	if g.limits.OptimisticReset(buffer) == 0 {
		return false
	}
	g.metrics.RecordOptimisticReset()
	log.Info().Str("request_id", call.requestID).Str("model", call.model).Dur("wait", wait).Msg("gateway: optimistic reset")
	return true
}

// exhausted builds the error returned once no further attempt is possible.
func (g *Gateway) exhausted(call *upstreamCall, st *callState, selectErr error) error {
	if selectErr != nil && !errors.Is(selectErr, accounts.ErrNoAvailableAccounts) {
		return selectErr
	}
	g.metrics.RecordExhausted()
	log.Warn().
		Str("request_id", call.requestID).
		Str("model", call.model).
		Int("accounts_tried", len(st.attempted)).
		Int("attempts", call.attempts).
		AnErr("last_error", st.lastErr).
		Msg("gateway: no account could serve the request")

	if st.lastErr != nil {
		return st.lastErr
	}
	if selectErr == nil {
		selectErr = accounts.ErrNoAvailableAccounts
	}
	gerr := classify(selectErr)
	if wait := g.limits.MinRemainingWait(g.pool.IDs(), call.model); wait > 0 {
		gerr.RetryAfter = wait
		gerr.Message = fmt.Sprintf("all upstream accounts are rate limited for %s; retry in %s", call.model, wait.Round(time.Second))
	}
	return gerr
}
