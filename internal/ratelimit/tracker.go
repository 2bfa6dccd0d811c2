// Package ratelimit tracks per-account and per-model lockouts driven by
// backend failure signals.
//
// DESIGN: Lockout duration resolution order:
//  1. Retry-After header
//  2. a retry delay embedded in the JSON error body
//  3. a reason default (quota ladder, 5s rate limit, 5/10/15s capacity, 8s 5xx, 60s unknown)
//
// A 2s floor always applies. Quota exhaustion is isolated per accountID:model,
// every other reason locks the whole account. Records whose reset time has
// passed are logically absent.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/config"
)

// Record is one active lockout.
type Record struct {
	Key        string    `json:"key"`
	ResetTime  time.Time `json:"reset_time"`
	Reason     Reason    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

type failureCount struct {
	count  int
	lastAt time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]Record
	failures map[string]failureCount
	ladder   []time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a tracker with the given quota backoff ladder and starts cleanup.
func NewTracker(ladder []time.Duration) *Tracker {
	t := newTracker(ladder, time.Now)
	go t.cleanupLoop()
	return t
}

func newTracker(ladder []time.Duration, now func() time.Time) *Tracker {
	if len(ladder) == 0 {
		ladder = config.DefaultQuotaBackoffLadder
	}
	return &Tracker{
		records:  make(map[string]Record),
		failures: make(map[string]failureCount),
		ladder:   append([]time.Duration(nil), ladder...),
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

func modelKey(accountID, model string) string {
	return accountID + ":" + model
}

// RecordFailure registers a failed upstream call. It returns the lockout
// applied and false when the status is not rate-limit relevant.
func (t *Tracker) RecordFailure(accountID string, status int, retryAfter string, body []byte, model string) (time.Duration, bool) {
	if !Relevant(status) || accountID == "" {
		return 0, false
	}
	now := t.now()
	reason := ParseReason(status, body)

	t.mu.Lock()
	defer t.mu.Unlock()

	fc := t.failures[accountID]
	if now.Sub(fc.lastAt) > config.FailureCounterTTL {
		fc.count = 0
	}
	fc.count++
	fc.lastAt = now
	t.failures[accountID] = fc

	lockout, explicit := ParseRetryAfter(retryAfter, now)
	if !explicit {
		lockout, explicit = ParseRetryDelay(body, now)
	}
	if !explicit {
		lockout = t.defaultLockout(reason, fc.count)
	}
	if lockout < config.MinLockout {
		lockout = config.MinLockout
	}

	key := accountID
	if reason == ReasonQuotaExhausted && model != "" {
		key = modelKey(accountID, model)
	}
	t.records[key] = Record{
		Key:        key,
		ResetTime:  now.Add(lockout),
		Reason:     reason,
		DetectedAt: now,
	}

	log.Warn().
		Str("account", accountID).
		Str("model", model).
		Int("status", status).
		Str("reason", string(reason)).
		Dur("lockout", lockout).
		Bool("explicit", explicit).
		Int("consecutive_failures", fc.count).
		Msg("rate_limit: account locked")

	return lockout, true
}

func (t *Tracker) defaultLockout(reason Reason, failures int) time.Duration {
	switch reason {
	case ReasonQuotaExhausted:
		idx := failures - 1
		if idx >= len(t.ladder) {
			idx = len(t.ladder) - 1
		}
		return t.ladder[idx]
	case ReasonRateLimitExceeded:
		return config.RateLimitExceededLockout
	case ReasonModelCapacityExhausted:
		d := time.Duration(failures) * config.CapacityLockoutStep
		if d > config.CapacityLockoutMax {
			d = config.CapacityLockoutMax
		}
		return d
	case ReasonServerError:
		return config.ServerErrorLockout
	default:
		return config.UnknownReasonLockout
	}
}

// RemainingWait returns how long the account (and, if given, the account+model
// pair) stays locked.
func (t *Tracker) RemainingWait(accountID, model string) time.Duration {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var wait time.Duration
	if r, ok := t.records[accountID]; ok {
		wait = r.ResetTime.Sub(now)
	}
	if model != "" {
		if r, ok := t.records[modelKey(accountID, model)]; ok {
			if d := r.ResetTime.Sub(now); d > wait {
				wait = d
			}
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// IsLimited reports whether the account is locked for the model.
func (t *Tracker) IsLimited(accountID, model string) bool {
	return t.RemainingWait(accountID, model) > 0
}

// Lookup returns the active record for an account or account+model pair.
func (t *Tracker) Lookup(accountID, model string) (Record, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, key := range []string{modelKey(accountID, model), accountID} {
		if r, ok := t.records[key]; ok && r.ResetTime.After(now) {
			return r, true
		}
	}
	return Record{}, false
}

// RecordSuccess clears the account lockout, the account+model lockout and the
// consecutive-failure counter. An empty model clears every model of the account.
func (t *Tracker) RecordSuccess(accountID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, accountID)
	delete(t.failures, accountID)
	if model != "" {
		delete(t.records, modelKey(accountID, model))
		return
	}
	prefix := accountID + ":"
	for key := range t.records {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(t.records, key)
		}
	}
}

// MinRemainingWait returns the shortest wait among the given accounts for a model.
func (t *Tracker) MinRemainingWait(accountIDs []string, model string) time.Duration {
	min := time.Duration(-1)
	for _, id := range accountIDs {
		w := t.RemainingWait(id, model)
		if min < 0 || w < min {
			min = w
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// OptimisticReset clears records expiring within buffer and returns how many were cleared.
// Used when every account looks locked but the true wait is trivially short.
func (t *Tracker) OptimisticReset(buffer time.Duration) int {
	deadline := t.now().Add(buffer)
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := 0
	for key, r := range t.records {
		if !r.ResetTime.After(deadline) {
			delete(t.records, key)
			cleared++
		}
	}
	if cleared > 0 {
		log.Info().Int("cleared", cleared).Dur("buffer", buffer).Msg("rate_limit: optimistic reset")
	}
	return cleared
}

// Active returns a copy of every unexpired record.
func (t *Tracker) Active() []Record {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if r.ResetTime.After(now) {
			out = append(out, r)
		}
	}
	return out
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(config.DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

// Stop stops the cleanup goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Tracker) cleanup() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, r := range t.records {
		if !r.ResetTime.After(now) {
			delete(t.records, key)
		}
	}
	for id, fc := range t.failures {
		if now.Sub(fc.lastAt) > config.FailureCounterTTL {
			delete(t.failures, id)
		}
	}
}
