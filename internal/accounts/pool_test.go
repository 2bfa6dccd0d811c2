package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/relay-gateway/internal/config"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func firstIndex(int) int { return 0 }

type fakeLimits struct {
	mu     sync.Mutex
	locked map[string]time.Duration
}

func (f *fakeLimits) lock(id string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked == nil {
		f.locked = make(map[string]time.Duration)
	}
	f.locked[id] = d
}

func (f *fakeLimits) RemainingWait(accountID, _ string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[accountID]
}

type revokedError struct{}

func (revokedError) Error() string       { return "invalid_grant: token revoked" }
func (revokedError) Unrecoverable() bool { return true }

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	errs  map[string]error
}

func (f *fakeRefresher) RefreshAccessToken(_ context.Context, refreshToken string) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[refreshToken]; err != nil {
		return "", 0, err
	}
	return "fresh-" + refreshToken, time.Hour, nil
}

type fakeResolver struct {
	fail map[string]bool
}

func (f *fakeResolver) ResolveProjectID(_ context.Context, token string) (string, error) {
	if f.fail[token] {
		return "", errors.New("loadCodeAssist: 403")
	}
	return "proj-" + token, nil
}

type fakeStore struct {
	mu       sync.Mutex
	saved    map[string]string
	disabled map[string]string
}

func (f *fakeStore) LoadAccounts() ([]Account, error) { return nil, nil }

func (f *fakeStore) SaveRefreshedToken(id, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[id] = token
	return nil
}

func (f *fakeStore) DisableAccount(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled == nil {
		f.disabled = make(map[string]string)
	}
	f.disabled[id] = reason
	return nil
}

func account(id string, tier Tier, quota float64) Account {
	return Account{
		ID:             id,
		Email:          id + "@example.com",
		AccessToken:    "tok-" + id,
		RefreshToken:   "ref-" + id,
		TokenExpiry:    testNow.Add(time.Hour),
		ProjectID:      "proj-" + id,
		Tier:           tier,
		RemainingQuota: quota,
	}
}

func TestSelect_TierPriorityAndReuse(t *testing.T) {
	p := newPool([]Account{
		account("free", TierFree, 95),
		account("ultra", TierUltra, 40),
	}, Options{}, fixedNow, firstIndex)

	first, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude-sonnet"})
	require.NoError(t, err)
	defer first.Release()
	assert.Equal(t, "ultra", first.AccountID)

	second, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude-sonnet"})
	require.NoError(t, err)
	defer second.Release()
	assert.Equal(t, "ultra", second.AccountID)
}

func TestSelect_OverloadedSortsLast(t *testing.T) {
	p := newPool([]Account{
		account("pro", TierPro, 50),
		account("free", TierFree, 50),
	}, Options{}, fixedNow, firstIndex)

	var leases []*Lease
	for i := 0; i < config.ProConcurrencyLimit; i++ {
		l, err := p.Select(context.Background(), SelectRequest{TargetModel: "gemini-2.5-pro"})
		require.NoError(t, err)
		require.Equal(t, "pro", l.AccountID)
		leases = append(leases, l)
	}

	next, err := p.Select(context.Background(), SelectRequest{TargetModel: "gemini-2.5-pro"})
	require.NoError(t, err)
	assert.Equal(t, "free", next.AccountID)
	next.Release()
	for _, l := range leases {
		l.Release()
	}
}

func TestLease_ReleaseRestoresCounter(t *testing.T) {
	p := newPool([]Account{account("a", TierPro, 50)}, Options{}, fixedNow, firstIndex)

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Snapshot()[0].ActiveConnections)

	lease.Release()
	lease.Release()
	assert.Equal(t, 0, p.Snapshot()[0].ActiveConnections)

	var nilLease *Lease
	assert.NotPanics(t, nilLease.Release)
}

func TestLease_ConcurrentSelectRelease(t *testing.T) {
	p := newPool([]Account{
		account("a", TierUltra, 50),
		account("b", TierPro, 50),
		account("c", TierFree, 50),
	}, Options{}, fixedNow, firstIndex)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
			if err != nil {
				return
			}
			defer lease.Release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	for _, acc := range p.Snapshot() {
		assert.Zero(t, acc.ActiveConnections, acc.ID)
	}
}

func TestSelect_NeverRepeatsAttemptedAccount(t *testing.T) {
	p := newPool([]Account{
		account("a", TierPro, 90),
		account("b", TierPro, 50),
		account("c", TierFree, 50),
	}, Options{}, fixedNow, firstIndex)

	attempted := make(map[string]struct{})
	for i := 0; i < 3; i++ {
		lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude", Attempted: attempted})
		require.NoError(t, err)
		_, dup := attempted[lease.AccountID]
		assert.False(t, dup, "account %s selected twice", lease.AccountID)
		attempted[lease.AccountID] = struct{}{}
		lease.Release()
	}

	_, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude", Attempted: attempted})
	assert.ErrorIs(t, err, ErrNoAvailableAccounts)
}

func TestSelect_SkipsRateLimitedAccounts(t *testing.T) {
	limits := &fakeLimits{}
	limits.lock("ultra", 30*time.Second)
	p := newPool([]Account{
		account("ultra", TierUltra, 50),
		account("free", TierFree, 50),
	}, Options{Limits: limits}, fixedNow, firstIndex)

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "free", lease.AccountID)
}

func TestSelect_RefreshesExpiringToken(t *testing.T) {
	acc := account("a", TierPro, 50)
	acc.TokenExpiry = testNow.Add(time.Minute)
	refresher := &fakeRefresher{}
	store := &fakeStore{}
	p := newPool([]Account{acc}, Options{Refresher: refresher, Store: store}, fixedNow, firstIndex)

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, "fresh-ref-a", lease.AccessToken)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, "fresh-ref-a", store.saved["a"])
	assert.Equal(t, testNow.Add(time.Hour), p.Snapshot()[0].TokenExpiry)
}

func TestExpireToken_ForcesRefreshOnNextLease(t *testing.T) {
	refresher := &fakeRefresher{}
	p := newPool([]Account{account("a", TierPro, 50)}, Options{Refresher: refresher}, fixedNow, firstIndex)

	p.ExpireToken("a")
	p.ExpireToken("missing")

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "fresh-ref-a", lease.AccessToken)
	assert.Equal(t, 1, refresher.calls)
}

func TestSelect_RevokedGrantDisablesAndSkips(t *testing.T) {
	bad := account("bad", TierUltra, 50)
	bad.TokenExpiry = testNow.Add(-time.Minute)
	refresher := &fakeRefresher{errs: map[string]error{"ref-bad": revokedError{}}}
	store := &fakeStore{}
	p := newPool([]Account{bad, account("good", TierFree, 50)}, Options{Refresher: refresher, Store: store}, fixedNow, firstIndex)

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, "good", lease.AccountID)
	assert.Contains(t, store.disabled, "bad")
	assert.Equal(t, 1, p.Size())

	again, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, "good", again.AccountID)
	assert.Equal(t, 1, refresher.calls)
}

func TestSelect_TransientRefreshFailureKeepsAccount(t *testing.T) {
	acc := account("a", TierPro, 50)
	acc.TokenExpiry = testNow.Add(-time.Minute)
	refresher := &fakeRefresher{errs: map[string]error{"ref-a": errors.New("connection reset")}}
	p := newPool([]Account{acc}, Options{Refresher: refresher}, fixedNow, firstIndex)

	_, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	assert.ErrorIs(t, err, ErrNoAvailableAccounts)
	assert.Equal(t, 1, p.Size())
}

func TestSelect_ProjectResolutionFailureSkipsCandidate(t *testing.T) {
	noProject := account("np", TierUltra, 50)
	noProject.ProjectID = ""
	other := account("ok", TierFree, 50)
	other.ProjectID = ""
	resolver := &fakeResolver{fail: map[string]bool{"tok-np": true}}
	p := newPool([]Account{noProject, other}, Options{Resolver: resolver}, fixedNow, firstIndex)

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "ok", lease.AccountID)
	assert.Equal(t, "proj-tok-ok", lease.ProjectID)
	assert.Equal(t, 2, p.Size())
}

func TestSelect_StickyBindingReleasedOnRateLimit(t *testing.T) {
	limits := &fakeLimits{}
	p := newPool([]Account{
		account("a", TierPro, 80),
		account("b", TierPro, 40),
	}, Options{StickySessions: true, Limits: limits}, fixedNow, firstIndex)
	session := "sess-1"

	first, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude", SessionID: &session})
	require.NoError(t, err)
	first.Release()
	require.Equal(t, "a", first.AccountID)
	assert.Equal(t, 1, p.StickySessions())

	again, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude", SessionID: &session})
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, "a", again.AccountID)

	limits.lock("a", time.Minute)
	moved, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude", SessionID: &session})
	require.NoError(t, err)
	moved.Release()
	assert.Equal(t, "b", moved.AccountID)

	limits.lock("a", 0)
	stays, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude", SessionID: &session})
	require.NoError(t, err)
	stays.Release()
	assert.Equal(t, "b", stays.AccountID)
}

func TestSelect_QuotaProtectionExcludesGroup(t *testing.T) {
	p := newPool([]Account{
		account("a", TierUltra, 50),
		account("b", TierFree, 50),
	}, Options{QuotaProtection: true, ProtectionThreshold: 10}, fixedNow, firstIndex)

	p.UpdateQuota("a", QuotaUpdate{
		RemainingQuota: 50,
		ModelQuota:     map[string]float64{"claude-sonnet-4-5": 4, "gemini-2.5-flash": 80},
	})

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude-sonnet-4-5-thinking"})
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, "b", lease.AccountID)

	lease, err = p.Select(context.Background(), SelectRequest{TargetModel: "gemini-2.5-flash-lite"})
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, "a", lease.AccountID)
}

func TestSelect_RoundRobinRotates(t *testing.T) {
	p := newPool([]Account{
		account("a", TierPro, 50),
		account("b", TierPro, 50),
		account("c", TierPro, 50),
	}, Options{Strategy: config.StrategyRoundRobin}, fixedNow, firstIndex)

	var got []string
	for i := 0; i < 4; i++ {
		lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
		require.NoError(t, err)
		got = append(got, lease.AccountID)
		lease.Release()
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestSelect_CancelledContext(t *testing.T) {
	p := newPool([]Account{account("a", TierPro, 50)}, Options{}, fixedNow, firstIndex)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Select(ctx, SelectRequest{TargetModel: "claude"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.Snapshot()[0].ActiveConnections)
}

func TestReload_PreservesRuntimeState(t *testing.T) {
	acc := account("a", TierPro, 50)
	p := newPool([]Account{acc, account("gone", TierFree, 10)}, Options{}, fixedNow, firstIndex)

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude"})
	require.NoError(t, err)
	p.ReportFailure("a", FailureRateLimit)

	reloaded := acc
	reloaded.ProjectID = ""
	reloaded.RemainingQuota = 70
	p.Reload([]Account{reloaded})

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].ActiveConnections)
	assert.InDelta(t, 0.9, snap[0].Health, 1e-9)
	assert.Equal(t, "proj-a", snap[0].ProjectID)
	assert.Equal(t, 70.0, snap[0].RemainingQuota)

	lease.Release()
	assert.Zero(t, p.Snapshot()[0].ActiveConnections)
}

func TestReload_KeepsQuotaJobState(t *testing.T) {
	acc := account("a", TierFree, 0)
	p := newPool([]Account{acc}, Options{QuotaProtection: true, ProtectionThreshold: 10}, fixedNow, firstIndex)
	reset := testNow.Add(2 * time.Hour)
	p.UpdateQuota("a", QuotaUpdate{
		Tier:           TierUltra,
		RemainingQuota: 40,
		ModelQuota:     map[string]float64{"claude-sonnet-4-5": 3},
		ResetTime:      reset,
	})

	_, err := p.Select(context.Background(), SelectRequest{TargetModel: "claude-sonnet-4-5"})
	require.ErrorIs(t, err, ErrNoAvailableAccounts)

	// a refreshed token rewrites the file, which never carries quota fields
	refreshed := acc
	refreshed.AccessToken = "tok-a-2"
	refreshed.TokenExpiry = testNow.Add(2 * time.Hour)
	p.Reload([]Account{refreshed})

	snap := p.Snapshot()[0]
	assert.Equal(t, TierUltra, snap.Tier)
	assert.Equal(t, 40.0, snap.RemainingQuota)
	assert.Equal(t, map[string]float64{"claude-sonnet-4-5": 3}, snap.ModelQuota)
	assert.Equal(t, reset, snap.ResetTime)
	assert.Equal(t, "tok-a-2", snap.AccessToken)

	_, err = p.Select(context.Background(), SelectRequest{TargetModel: "claude-sonnet-4-5"})
	assert.ErrorIs(t, err, ErrNoAvailableAccounts, "quota protection survives the reload")

	lease, err := p.Select(context.Background(), SelectRequest{TargetModel: "gemini-2.5-flash"})
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, "tok-a-2", lease.AccessToken)
}

func TestHealthBounds(t *testing.T) {
	p := newPool([]Account{account("a", TierPro, 50)}, Options{}, fixedNow, firstIndex)
	p.ReportSuccess("a")
	assert.Equal(t, 1.0, p.Snapshot()[0].Health)

	for i := 0; i < 5; i++ {
		p.ReportFailure("a", FailureAuth)
	}
	assert.Equal(t, 0.0, p.Snapshot()[0].Health)
}

func TestSortCandidates(t *testing.T) {
	base := testNow
	cs := []candidate{
		{id: "late-reset", tier: TierPro, health: 1, resetTime: base.Add(3 * time.Hour)},
		{id: "busy-ultra", tier: TierUltra, health: 1, overloaded: true},
		{id: "near-tie-more-quota", tier: TierPro, health: 1, resetTime: base.Add(time.Hour + 5*time.Minute), quota: 90},
		{id: "early-reset", tier: TierPro, health: 1, resetTime: base.Add(time.Hour), quota: 10},
		{id: "sick", tier: TierPro, health: 0.5},
		{id: "ultra", tier: TierUltra, health: 1},
	}
	sortCandidates(cs)

	var ids []string
	for _, c := range cs {
		ids = append(ids, c.id)
	}
	assert.Equal(t, []string{"ultra", "near-tie-more-quota", "early-reset", "late-reset", "sick", "busy-ultra"}, ids)
}

func TestSortCandidates_ResetBucketsAreConsistent(t *testing.T) {
	base := testNow
	// pairwise comparisons must agree whatever the input order
	inputs := [][]candidate{
		{
			{id: "soon-low", tier: TierPro, health: 1, resetTime: base.Add(time.Hour), quota: 10},
			{id: "later-high", tier: TierPro, health: 1, resetTime: base.Add(3 * time.Hour), quota: 90},
			{id: "unknown", tier: TierPro, health: 1, quota: 50},
		},
		{
			{id: "unknown", tier: TierPro, health: 1, quota: 50},
			{id: "later-high", tier: TierPro, health: 1, resetTime: base.Add(3 * time.Hour), quota: 90},
			{id: "soon-low", tier: TierPro, health: 1, resetTime: base.Add(time.Hour), quota: 10},
		},
	}
	for _, cs := range inputs {
		sortCandidates(cs)
		assert.Equal(t, []string{"soon-low", "later-high", "unknown"}, []string{cs[0].id, cs[1].id, cs[2].id})
	}

	assert.Equal(t, resetBucket(base.Add(time.Minute)), resetBucket(base.Add(9*time.Minute)))
	assert.Less(t, resetBucket(base.Add(9*time.Minute)), resetBucket(base.Add(11*time.Minute)))
}

func TestP2COrder_StaysWithinPriorityBand(t *testing.T) {
	cs := []candidate{
		{id: "ultra", tier: TierUltra, quota: 5},
		{id: "pro-1", tier: TierPro, quota: 99},
		{id: "pro-2", tier: TierPro, quota: 98},
	}
	out := p2cOrder(cs, func(n int) int { return n - 1 })
	assert.Equal(t, "ultra", out[0].id)

	band := []candidate{
		{id: "p1", tier: TierPro, quota: 10},
		{id: "p2", tier: TierPro, quota: 70},
		{id: "p3", tier: TierPro, quota: 40},
	}
	out = p2cOrder(band, firstIndex)
	assert.Equal(t, "p2", out[0].id)
	assert.Len(t, out, 3)
}

func TestNormalizeQuotaGroup(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4-5-thinking":  "claude",
		"claude-opus-4-5":             "claude",
		"gemini-2.5-flash":            "gemini-flash",
		"gemini-2.5-flash-lite":       "gemini-flash",
		"models/gemini-3-flash":       "gemini-flash",
		"gemini-3-pro-high":           "gemini-pro",
		"gemini-3-pro-image-preview":  "gemini-image",
		"gemini-2.5-flash-image":      "gemini-image",
		"gpt-oss-120b-medium":         "gpt-oss-120b-medium",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeQuotaGroup(in), in)
	}
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierUltra, ParseTier("g1-ultra-tier"))
	assert.Equal(t, TierPro, ParseTier("g1-pro-tier"))
	assert.Equal(t, TierPro, ParseTier("standard-tier"))
	assert.Equal(t, TierFree, ParseTier("free-tier"))
	assert.Equal(t, TierFree, ParseTier(""))
}
