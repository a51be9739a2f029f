// Package filter implements the packet classification engine: ordered,
// masked attribute rules per scope, a non-hashable sub-table that always
// takes precedence over the hashable one, an LRU match cache fed only by
// hashable matches, and fast/bulk placement of the non-hashable table.
package filter

import (
	"fmt"
	"sort"
	"sync"

	"grimm.is/pktfilter/internal/logging"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultFastTierCapacity        = 16
	DefaultAction           Action = "default"
)

// Options configures an Engine.
type Options struct {
	// FastTierCapacity is the largest non-hashable rule count that still
	// fits the fast tier.
	FastTierCapacity int
	// CacheSize is the per-scope match cache capacity in entries.
	CacheSize int
	// MaxRulesPerScope caps the rules a scope may hold; 0 disables the cap.
	MaxRulesPerScope int
	// DefaultAction is returned for packets no rule matches.
	DefaultAction Action
	// FingerprintFields selects the fields hashed into the cache key.
	FingerprintFields Field

	Logger   *logging.Logger
	Observer Observer
}

// scopeState is everything owned by one scope.
type scopeState struct {
	scope Scope

	// mu guards table, tier, pending and retired. Classify takes it for
	// reading; commit, delete, apply and reset take it for writing.
	mu      sync.RWMutex
	table   *ruleTable
	tier    tierManager
	pending map[Handle]struct{}
	retired bool

	cache *matchCache
}

// ScopeStats is a point-in-time view of one scope.
type ScopeStats struct {
	Scope            Scope  `json:"scope"`
	NonHashableRules int    `json:"non_hashable_rules"`
	HashableRules    int    `json:"hashable_rules"`
	PendingDeletes   int    `json:"pending_deletes"`
	Tier             string `json:"tier"`
	CacheEntries     int    `json:"cache_entries"`
	CacheHits        uint64 `json:"cache_hits"`
	CacheMisses      uint64 `json:"cache_misses"`
	CacheEvictions   uint64 `json:"cache_evictions"`
}

// Engine owns the per-scope rule tables, caches and tier managers.
type Engine struct {
	opts       Options
	classifier classifier
	logger     *logging.Logger
	observer   Observer

	mu     sync.RWMutex
	scopes map[Scope]*scopeState
}

// New creates an engine. Zero options fall back to package defaults.
func New(opts Options) *Engine {
	if opts.FastTierCapacity <= 0 {
		opts.FastTierCapacity = DefaultFastTierCapacity
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.DefaultAction == "" {
		opts.DefaultAction = DefaultAction
	}
	if opts.FingerprintFields == 0 {
		opts.FingerprintFields = DefaultFingerprintFields
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &Engine{
		opts:       opts,
		classifier: classifier{fields: opts.FingerprintFields, fallback: opts.DefaultAction},
		logger:     opts.Logger.WithComponent("filter"),
		observer:   opts.Observer,
		scopes:     make(map[Scope]*scopeState),
	}
}

// Options returns the effective options after defaults were applied.
func (e *Engine) Options() Options { return e.opts }

func (e *Engine) lookup(scope Scope) *scopeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scopes[scope]
}

func (e *Engine) getOrCreate(scope Scope) *scopeState {
	if st := e.lookup(scope); st != nil {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.scopes[scope]; ok {
		return st
	}
	st := &scopeState{
		scope:   scope,
		table:   newRuleTable(),
		tier:    tierManager{capacity: e.opts.FastTierCapacity},
		pending: make(map[Handle]struct{}),
		cache:   newMatchCache(e.opts.CacheSize),
	}
	e.scopes[scope] = st
	e.logger.Debug("scope created", "scope", scope.String())
	return st
}

// lockLive returns the scope's state write-locked. A state retired by a
// concurrent reset is skipped and a fresh one created.
func (e *Engine) lockLive(scope Scope) *scopeState {
	for {
		st := e.getOrCreate(scope)
		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
	}
}

// Commit validates and installs rules into scope. With replace, the existing
// table is cleared first. Staged deletions are applied before insertion.
// Each rule gets its own result; a failing rule does not abort the others.
func (e *Engine) Commit(scope Scope, specs []RuleSpec, replace bool) (CommitResults, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	// A plain commit only brings a scope into existence if a rule installs.
	if !replace && e.lookup(scope) == nil {
		if results, rejected := e.rejectAll(scope, specs); rejected {
			e.logger.Info("rules rejected", "scope", scope.String(), "requested", len(specs))
			return results, nil
		}
	}

	st := e.lockLive(scope)
	defer st.mu.Unlock()

	invalidate := replace
	if replace {
		st.table.clear()
		clear(st.pending)
	} else if len(st.pending) > 0 {
		if e.removeLocked(st, pendingHandles(st)) {
			invalidate = true
		}
	}

	results := make(CommitResults, len(specs))
	added := 0
	for i, spec := range specs {
		if err := spec.Validate(scope.IP, e.opts.FingerprintFields); err != nil {
			results[i].Err = err
			continue
		}
		if limit := e.opts.MaxRulesPerScope; limit > 0 && st.table.len() >= limit {
			results[i].Err = fmt.Errorf("%w: %s already holds %d rules", ErrCapacityExceeded, scope, limit)
			continue
		}
		results[i].Handle = st.table.add(spec)
		added++
	}

	// Any new rule can claim a cached flow: a non-hashable one because it is
	// evaluated first, a hashable one if it sorts ahead by max-priority.
	if added > 0 {
		invalidate = true
	}
	if invalidate {
		e.invalidateLocked(st)
	}
	e.retierLocked(st)

	e.logger.Info("rules committed",
		"scope", scope.String(),
		"requested", len(specs),
		"committed", added,
		"failed", results.Failed(),
		"replace", replace)
	return results, nil
}

// rejectAll validates specs for a scope that does not exist yet. It reports
// true with the per-rule errors when none of them would install.
func (e *Engine) rejectAll(scope Scope, specs []RuleSpec) (CommitResults, bool) {
	results := make(CommitResults, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(scope.IP, e.opts.FingerprintFields); err != nil {
			results[i].Err = err
			continue
		}
		return nil, false
	}
	return results, true
}

// Delete removes rules by handle. Every handle must exist in the scope or the
// call fails with ErrUnknownRule and nothing changes. Without commitNow the
// deletion is staged until Apply or the next Commit on the scope.
func (e *Engine) Delete(scope Scope, handles []Handle, commitNow bool) error {
	st := e.lookup(scope)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retired {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}

	for _, h := range handles {
		if !st.table.has(h) {
			return fmt.Errorf("%w: handle %s in %s", ErrUnknownRule, h, scope)
		}
	}

	if !commitNow {
		for _, h := range handles {
			st.pending[h] = struct{}{}
		}
		e.logger.Debug("rule deletion staged", "scope", scope.String(), "count", len(handles))
		return nil
	}

	if e.removeLocked(st, handles) {
		e.invalidateLocked(st)
	}
	e.retierLocked(st)
	e.logger.Info("rules deleted", "scope", scope.String(), "count", len(handles))
	return nil
}

// Apply removes every staged deletion of scope.
func (e *Engine) Apply(scope Scope) error {
	st := e.lookup(scope)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retired {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	if len(st.pending) == 0 {
		return nil
	}

	handles := pendingHandles(st)
	if e.removeLocked(st, handles) {
		e.invalidateLocked(st)
	}
	e.retierLocked(st)
	e.logger.Info("staged deletions applied", "scope", scope.String(), "count", len(handles))
	return nil
}

// Reset drops every rule of scope, clears its cache and forgets the scope.
// Its tier reads as fast afterwards.
func (e *Engine) Reset(scope Scope) error {
	e.mu.Lock()
	st, ok := e.scopes[scope]
	delete(e.scopes, scope)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.retired = true
	st.table.clear()
	clear(st.pending)
	e.invalidateLocked(st)
	e.retierLocked(st)
	e.logger.Info("scope reset", "scope", scope.String())
	return nil
}

// Classify resolves one packet. It never fails: packets in unknown scopes or
// matching no rule get the default action.
func (e *Engine) Classify(scope Scope, f Fields) Outcome {
	var (
		out     Outcome
		evicted bool
	)
	if st := e.lookup(scope); st != nil {
		st.mu.RLock()
		out, evicted = e.classifier.classify(st.table, st.cache, &f)
		st.mu.RUnlock()
	} else {
		out = Outcome{Decision: Decision{Action: e.opts.DefaultAction}, Status: Miss}
	}

	if evicted {
		e.observer.CacheEvicted(scope)
	}
	e.observer.Classified(scope, out)
	return out
}

// CurrentTier reports the placement of scope's non-hashable table. Unknown
// scopes are empty and therefore fast.
func (e *Engine) CurrentTier(scope Scope) Tier {
	st := e.lookup(scope)
	if st == nil {
		return TierFast
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.tier.current()
}

// Rules lists the installed rules of scope in evaluation order.
func (e *Engine) Rules(scope Scope) ([]InstalledRule, error) {
	st := e.lookup(scope)
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.table.installed(), nil
}

// Snapshot returns the installed rules of scope in evaluation order and
// the last handle it issued.
func (e *Engine) Snapshot(scope Scope) (Snapshot, error) {
	st := e.lookup(scope)
	if st == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Snapshot{Rules: st.table.installed(), LastHandle: st.table.lastHandle}, nil
}

// Restore replaces scope's table with a snapshot, keeping handles and
// insertion order. New handles continue after the larger of the snapshot's
// LastHandle and its highest rule handle.
func (e *Engine) Restore(scope Scope, snap Snapshot) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	rules := snap.Rules
	for _, r := range rules {
		if err := r.Validate(scope.IP, e.opts.FingerprintFields); err != nil {
			return fmt.Errorf("restore %s handle %s: %w", scope, r.Handle, err)
		}
	}

	table := newRuleTable()
	if err := table.restore(rules); err != nil {
		return err
	}
	if snap.LastHandle > table.lastHandle {
		table.lastHandle = snap.LastHandle
	}

	st := e.lockLive(scope)
	defer st.mu.Unlock()

	if last := st.table.lastHandle; last > table.lastHandle {
		table.lastHandle = last
	}
	st.table = table
	clear(st.pending)
	e.invalidateLocked(st)
	e.retierLocked(st)
	e.logger.Info("scope restored", "scope", scope.String(), "rules", len(rules))
	return nil
}

// Scopes lists the live scopes, sorted.
func (e *Engine) Scopes() []Scope {
	e.mu.RLock()
	out := make([]Scope, 0, len(e.scopes))
	for s := range e.scopes {
		out = append(out, s)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Table < out[j].Table
	})
	return out
}

// Stats reports counters for one scope.
func (e *Engine) Stats(scope Scope) (ScopeStats, error) {
	st := e.lookup(scope)
	if st == nil {
		return ScopeStats{}, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	hits, misses, evictions := st.cache.stats()
	return ScopeStats{
		Scope:            scope,
		NonHashableRules: len(st.table.nonHashable.rules),
		HashableRules:    len(st.table.hashable.rules),
		PendingDeletes:   len(st.pending),
		Tier:             st.tier.current().String(),
		CacheEntries:     st.cache.len(),
		CacheHits:        hits,
		CacheMisses:      misses,
		CacheEvictions:   evictions,
	}, nil
}

// removeLocked deletes handles from the table and from the staged set. It
// reports whether a hashable rule was removed.
func (e *Engine) removeLocked(st *scopeState, handles []Handle) (hashableRemoved bool) {
	for _, h := range handles {
		delete(st.pending, h)
		if r, ok := st.table.remove(h); ok && r.spec.Hashable {
			hashableRemoved = true
		}
	}
	return hashableRemoved
}

func (e *Engine) invalidateLocked(st *scopeState) {
	dropped := st.cache.invalidate()
	e.observer.CacheInvalidated(st.scope, dropped)
	if dropped > 0 {
		e.logger.Debug("match cache invalidated", "scope", st.scope.String(), "dropped", dropped)
	}
}

// retierLocked recomputes placement from the non-hashable count. It runs
// under the same write lock as the change that moved the count.
func (e *Engine) retierLocked(st *scopeState) {
	nonHashable := len(st.table.nonHashable.rules)
	from, to := st.tier.update(nonHashable)
	if from != to {
		e.logger.Info("non-hashable table moved",
			"scope", st.scope.String(),
			"from", from.String(),
			"to", to.String(),
			"rules", nonHashable,
			"capacity", st.tier.capacity)
		e.observer.TierChanged(st.scope, from, to)
	}
	e.observer.RulesChanged(st.scope, nonHashable, len(st.table.hashable.rules))
}

func pendingHandles(st *scopeState) []Handle {
	out := make([]Handle, 0, len(st.pending))
	for h := range st.pending {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
