package accounts

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/utils"
)

// entry is the live record for one account. The pool map lock is never held
// while an entry is refreshed; only entry.mu guards the account fields.
type entry struct {
	mu     sync.Mutex
	acc    Account
	health float64
	active atomic.Int64
	// quotaAt is when the quota job last updated tier and quota fields.
	quotaAt time.Time
}

func (e *entry) view() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.acc
	a.ModelQuota = cloneQuota(e.acc.ModelQuota)
	a.Health = e.health
	a.ActiveConnections = int(e.active.Load())
	return a
}

func cloneQuota(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Options configures a Pool.
type Options struct {
	Strategy            string
	StickySessions      bool
	StickyTTL           time.Duration
	QuotaProtection     bool
	ProtectionThreshold float64

	Refresher TokenRefresher
	Resolver  ProjectResolver
	Store     CredentialStore
	Limits    RateLimitChecker
}

// OptionsFromConfig builds pool options from the scheduling section.
func OptionsFromConfig(cfg config.SchedulingConfig) Options {
	return Options{
		Strategy:            cfg.Strategy,
		StickySessions:      cfg.StickySessions,
		StickyTTL:           cfg.StickyTTL,
		QuotaProtection:     cfg.QuotaProtection.Enabled,
		ProtectionThreshold: cfg.QuotaProtection.ThresholdPercent,
	}
}

// Pool is the set of leasable accounts. Safe for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	opts    Options
	sticky  *stickyStore
	cursors sync.Map // quota group -> *atomic.Uint64
	now     func() time.Time
	intn    func(int) int
}

// NewPool builds a pool from loaded accounts. Disabled accounts are kept but never selected.
func NewPool(accounts []Account, opts Options) *Pool {
	p := newPool(accounts, opts, time.Now, rand.IntN)
	go p.sticky.cleanupLoop()
	return p
}

func newPool(accounts []Account, opts Options, now func() time.Time, intn func(int) int) *Pool {
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyP2C
	}
	p := &Pool{
		entries: make(map[string]*entry),
		opts:    opts,
		sticky:  newStickyStore(opts.StickyTTL, now),
		now:     now,
		intn:    intn,
	}
	p.Reload(accounts)
	return p
}

// Stop releases background resources.
func (p *Pool) Stop() {
	p.sticky.Stop()
}

// SelectRequest describes one scheduling decision.
type SelectRequest struct {
	// QuotaGroup overrides the group derived from TargetModel.
	QuotaGroup  string
	ForceRotate bool
	SessionID   *string
	TargetModel string
	// Attempted holds account ids already tried for this client request.
	Attempted map[string]struct{}
}

// Lease is an exclusive claim on one account for one request.
type Lease struct {
	AccountID   string
	Email       string
	AccessToken string
	ProjectID   string
	Tier        Tier

	entry *entry
	once  sync.Once
}

// Release returns the account's connection slot. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.entry != nil {
			l.entry.active.Add(-1)
		}
	})
}

// Select leases the best available account for a request.
func (p *Pool) Select(ctx context.Context, req SelectRequest) (*Lease, error) {
	group := req.QuotaGroup
	if group == "" {
		group = req.TargetModel
	}
	group = NormalizeQuotaGroup(group)

	sessionID := ""
	if req.SessionID != nil {
		sessionID = *req.SessionID
	}
	useSticky := p.opts.StickySessions && sessionID != ""

	tried := make(map[string]struct{})

	if useSticky && !req.ForceRotate {
		if lease, ok := p.selectSticky(ctx, sessionID, group, req, tried); ok {
			return lease, nil
		}
	}

	p.mu.RLock()
	all := make([]*entry, 0, len(p.order))
	for _, id := range p.order {
		all = append(all, p.entries[id])
	}
	p.mu.RUnlock()

	cands := lo.FilterMap(all, func(e *entry, _ int) (candidate, bool) {
		return p.candidateFor(e, group, req)
	})
	cands = lo.Filter(cands, func(c candidate, _ int) bool {
		_, done := tried[c.id]
		return !done
	})
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAvailableAccounts, group)
	}

	sortCandidates(cands)
	switch p.opts.Strategy {
	case config.StrategyRoundRobin:
		cands = roundRobinOrder(cands, p.cursor(group).Add(1)-1)
	default:
		cands = p2cOrder(cands, p.intn)
	}

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lease, err := p.prepare(ctx, c.entry)
		if err != nil {
			log.Warn().Err(err).Str("account", c.id).Str("group", group).Msg("scheduler: candidate skipped")
			continue
		}
		if useSticky {
			p.sticky.Bind(sessionID, lease.AccountID)
		}
		log.Debug().
			Str("account", lease.Email).
			Str("group", group).
			Str("strategy", p.opts.Strategy).
			Int("candidates", len(cands)).
			Msg("scheduler: account selected")
		return lease, nil
	}
	return nil, fmt.Errorf("%w: %d candidates failed preparation for %s", ErrNoAvailableAccounts, len(cands), group)
}

func (p *Pool) selectSticky(ctx context.Context, sessionID, group string, req SelectRequest, tried map[string]struct{}) (*Lease, bool) {
	id, ok := p.sticky.Get(sessionID)
	if !ok {
		return nil, false
	}
	if _, done := req.Attempted[id]; done {
		return nil, false
	}
	p.mu.RLock()
	e := p.entries[id]
	p.mu.RUnlock()
	if e == nil {
		p.sticky.Unbind(sessionID)
		return nil, false
	}

	e.mu.Lock()
	disabled := e.acc.Disabled
	protected := p.opts.QuotaProtection && e.acc.ProtectedModels[group]
	tier := e.acc.Tier
	e.mu.Unlock()

	limited := p.opts.Limits != nil && p.opts.Limits.RemainingWait(id, req.TargetModel) > 0
	if disabled || protected || limited {
		p.sticky.Unbind(sessionID)
		log.Info().
			Str("session", sessionID).
			Str("account", id).
			Bool("protected", protected).
			Bool("rate_limited", limited).
			Msg("scheduler: sticky binding released")
		return nil, false
	}
	if int(e.active.Load()) >= tier.ConcurrencyLimit() {
		return nil, false
	}

	lease, err := p.prepare(ctx, e)
	if err != nil {
		tried[id] = struct{}{}
		log.Warn().Err(err).Str("account", id).Msg("scheduler: sticky account unusable")
		return nil, false
	}
	p.sticky.Bind(sessionID, id)
	return lease, true
}

func (p *Pool) candidateFor(e *entry, group string, req SelectRequest) (candidate, bool) {
	e.mu.Lock()
	acc := e.acc
	protected := acc.ProtectedModels[group]
	health := e.health
	e.mu.Unlock()

	if acc.Disabled {
		return candidate{}, false
	}
	if _, done := req.Attempted[acc.ID]; done {
		return candidate{}, false
	}
	if p.opts.QuotaProtection && protected {
		return candidate{}, false
	}
	if p.opts.Limits != nil && p.opts.Limits.RemainingWait(acc.ID, req.TargetModel) > 0 {
		return candidate{}, false
	}

	active := int(e.active.Load())
	quota := acc.RemainingQuota
	if q, ok := groupQuota(acc.ModelQuota, group); ok {
		quota = q
	}
	return candidate{
		entry:      e,
		id:         acc.ID,
		tier:       acc.Tier,
		health:     health,
		resetTime:  acc.ResetTime,
		active:     active,
		quota:      quota,
		overloaded: active >= acc.Tier.ConcurrencyLimit(),
	}, true
}

// groupQuota returns the lowest per-model quota within a quota group.
func groupQuota(modelQuota map[string]float64, group string) (float64, bool) {
	found := false
	min := 0.0
	for model, pct := range modelQuota {
		if NormalizeQuotaGroup(model) != group {
			continue
		}
		if !found || pct < min {
			min = pct
		}
		found = true
	}
	return min, found
}

func (p *Pool) cursor(group string) *atomic.Uint64 {
	v, _ := p.cursors.LoadOrStore(group, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// prepare makes sure the account has a fresh token and a project, then takes a slot.
func (p *Pool) prepare(ctx context.Context, e *entry) (*Lease, error) {
	token, projectID, err := p.credentials(ctx, e)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	acc := e.acc
	e.mu.Unlock()
	if acc.Disabled {
		return nil, fmt.Errorf("account %s disabled", acc.ID)
	}

	e.active.Add(1)
	return &Lease{
		AccountID:   acc.ID,
		Email:       acc.Email,
		AccessToken: token,
		ProjectID:   projectID,
		Tier:        acc.Tier,
		entry:       e,
	}, nil
}

// credentials refreshes the token if it is close to expiry and resolves the
// project id on first use. No pool lock is held during network calls.
func (p *Pool) credentials(ctx context.Context, e *entry) (string, string, error) {
	e.mu.Lock()
	acc := e.acc
	e.mu.Unlock()

	token := acc.AccessToken
	if acc.NeedsRefresh(p.now()) {
		if p.opts.Refresher == nil {
			if token == "" {
				return "", "", fmt.Errorf("account %s has no access token", acc.ID)
			}
		} else {
			newToken, expiresIn, err := p.opts.Refresher.RefreshAccessToken(ctx, acc.RefreshToken)
			if err != nil {
				if IsUnrecoverable(err) {
					p.Disable(acc.ID, err.Error())
					p.ReportFailure(acc.ID, FailureAuth)
				}
				return "", "", fmt.Errorf("refresh token for %s: %w", acc.ID, err)
			}
			expiry := p.now().Add(expiresIn)
			e.mu.Lock()
			e.acc.AccessToken = newToken
			e.acc.TokenExpiry = expiry
			e.mu.Unlock()
			token = newToken
			log.Info().Str("account", acc.Email).Str("token", utils.MaskKey(newToken)).Time("expiry", expiry).Msg("scheduler: token refreshed")
			if p.opts.Store != nil {
				if err := p.opts.Store.SaveRefreshedToken(acc.ID, newToken, expiry); err != nil {
					log.Error().Err(err).Str("account", acc.ID).Msg("scheduler: failed to persist refreshed token")
				}
			}
		}
	}

	projectID := acc.ProjectID
	if projectID == "" && p.opts.Resolver != nil {
		resolved, err := p.opts.Resolver.ResolveProjectID(ctx, token)
		if err != nil {
			if IsUnrecoverable(err) {
				p.ReportFailure(acc.ID, FailureAuth)
			}
			return "", "", fmt.Errorf("resolve project for %s: %w", acc.ID, err)
		}
		if resolved == "" {
			return "", "", fmt.Errorf("resolve project for %s: empty project id", acc.ID)
		}
		e.mu.Lock()
		e.acc.ProjectID = resolved
		e.mu.Unlock()
		projectID = resolved
	}
	return token, projectID, nil
}

// Credentials returns a usable token and project for an account without taking a slot.
func (p *Pool) Credentials(ctx context.Context, accountID string) (string, string, error) {
	e := p.get(accountID)
	if e == nil {
		return "", "", fmt.Errorf("unknown account %s", accountID)
	}
	return p.credentials(ctx, e)
}

func (p *Pool) get(id string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[id]
}

// Disable removes an account from selection and persists the reason.
func (p *Pool) Disable(accountID, reason string) {
	e := p.get(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	already := e.acc.Disabled
	e.acc.Disabled = true
	e.acc.DisabledReason = reason
	email := e.acc.Email
	e.mu.Unlock()
	if already {
		return
	}
	unbound := p.sticky.UnbindAccount(accountID)
	log.Warn().Str("account", email).Str("reason", reason).Int("sessions_unbound", unbound).Msg("scheduler: account disabled")
	if p.opts.Store != nil {
		if err := p.opts.Store.DisableAccount(accountID, reason); err != nil {
			log.Error().Err(err).Str("account", accountID).Msg("scheduler: failed to persist disabled account")
		}
	}
}

// ExpireToken marks an account's access token as expired so its next lease refreshes it.
func (p *Pool) ExpireToken(accountID string) {
	e := p.get(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.acc.TokenExpiry = p.now().Add(-time.Second)
	e.mu.Unlock()
}

// ReportSuccess nudges the account's health up.
func (p *Pool) ReportSuccess(accountID string) {
	p.adjustHealth(accountID, 0.05)
}

// ReportFailure lowers the account's health.
func (p *Pool) ReportFailure(accountID string, kind FailureKind) {
	p.adjustHealth(accountID, -kind.healthPenalty())
}

func (p *Pool) adjustHealth(accountID string, delta float64) {
	e := p.get(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.health = min(1, max(0, e.health+delta))
	e.mu.Unlock()
}

// Unbind drops a session's sticky binding.
func (p *Pool) Unbind(sessionID string) {
	p.sticky.Unbind(sessionID)
}

// Reload replaces the persisted fields of the pool with a freshly loaded set.
// Runtime state (active connections, health, resolved project) survives, and so
// do tier and quota once the quota job has reported them.
func (p *Pool) Reload(accounts []Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*entry, len(accounts))
	order := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		if acc.ID == "" {
			continue
		}
		if _, dup := next[acc.ID]; dup {
			continue
		}
		e, ok := p.entries[acc.ID]
		if ok {
			e.mu.Lock()
			if !e.quotaAt.IsZero() {
				// The quota job's view is newer than anything in the file.
				acc.Tier = e.acc.Tier
				acc.RemainingQuota = e.acc.RemainingQuota
				acc.ModelQuota = cloneQuota(e.acc.ModelQuota)
				acc.ResetTime = e.acc.ResetTime
			}
			acc.ProtectedModels = protectedGroups(acc.ModelQuota, p.opts.ProtectionThreshold)
			if acc.ProjectID == "" {
				acc.ProjectID = e.acc.ProjectID
			}
			if e.acc.TokenExpiry.After(acc.TokenExpiry) {
				acc.AccessToken = e.acc.AccessToken
				acc.TokenExpiry = e.acc.TokenExpiry
			}
			e.acc = acc
			e.mu.Unlock()
		} else {
			acc.ProtectedModels = protectedGroups(acc.ModelQuota, p.opts.ProtectionThreshold)
			e = &entry{acc: acc, health: 1}
		}
		next[acc.ID] = e
		order = append(order, acc.ID)
	}
	removed := 0
	for id := range p.entries {
		if _, ok := next[id]; !ok {
			p.sticky.UnbindAccount(id)
			removed++
		}
	}
	p.entries = next
	p.order = order
	log.Info().Int("accounts", len(order)).Int("removed", removed).Msg("scheduler: pool loaded")
}

// QuotaUpdate is the result of one quota fetch for an account.
type QuotaUpdate struct {
	Tier           Tier
	RemainingQuota float64
	ModelQuota     map[string]float64
	ResetTime      time.Time
}

// UpdateQuota applies fresh quota numbers and recomputes protected groups.
func (p *Pool) UpdateQuota(accountID string, q QuotaUpdate) {
	e := p.get(accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if q.Tier != "" {
		e.acc.Tier = q.Tier
	}
	e.acc.RemainingQuota = q.RemainingQuota
	e.acc.ModelQuota = cloneQuota(q.ModelQuota)
	e.acc.ResetTime = q.ResetTime
	e.acc.ProtectedModels = protectedGroups(q.ModelQuota, p.opts.ProtectionThreshold)
	e.quotaAt = p.now()
}

// Snapshot returns copies of every account including runtime state.
func (p *Pool) Snapshot() []Account {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.order))
	for _, id := range p.order {
		entries = append(entries, p.entries[id])
	}
	p.mu.RUnlock()
	return lo.Map(entries, func(e *entry, _ int) Account { return e.view() })
}

// Size returns the number of selectable accounts.
func (p *Pool) Size() int {
	return len(lo.Filter(p.Snapshot(), func(a Account, _ int) bool { return !a.Disabled }))
}

// IDs returns the ids of selectable accounts.
func (p *Pool) IDs() []string {
	enabled := lo.Filter(p.Snapshot(), func(a Account, _ int) bool { return !a.Disabled })
	return lo.Map(enabled, func(a Account, _ int) string { return a.ID })
}

// StickySessions returns the number of live session bindings.
func (p *Pool) StickySessions() int {
	return p.sticky.Len()
}
