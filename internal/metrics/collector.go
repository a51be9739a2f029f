package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
)

// StatsSource is the part of the engine the collector samples.
type StatsSource interface {
	Scopes() []filter.Scope
	Stats(scope filter.Scope) (filter.ScopeStats, error)
}

// Collector periodically samples per-scope engine state into the registry's
// gauges. Event-driven counters are fed by the registry's Observer methods;
// the collector covers values the engine does not push, such as cache
// occupancy.
type Collector struct {
	registry *Registry
	source   StatsSource
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time

	mu         sync.RWMutex
	started    time.Time
	lastUpdate time.Time
	known      map[string]bool
}

// NewCollector creates a new metrics collector.
func NewCollector(registry *Registry, source StatsSource, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{
		registry: registry,
		source:   source,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
		known:    make(map[string]bool),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())
	c.mu.Lock()
	c.started = c.now()
	c.mu.Unlock()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample of every live scope.
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.registry
	scopes := c.source.Scopes()
	live := make(map[string]bool, len(scopes))

	for _, scope := range scopes {
		st, err := c.source.Stats(scope)
		if err != nil {
			// Reset between Scopes and Stats.
			c.logger.Debug("scope vanished during collection", "scope", scope.String(), "error", err)
			continue
		}
		s := scope.String()
		live[s] = true

		r.CacheEntries.WithLabelValues(s).Set(float64(st.CacheEntries))
		if lookups := st.CacheHits + st.CacheMisses; lookups > 0 {
			r.CacheHitRate.WithLabelValues(s).Set(float64(st.CacheHits) / float64(lookups))
		}
		r.Rules.WithLabelValues(s, "non_hashable").Set(float64(st.NonHashableRules))
		r.Rules.WithLabelValues(s, "hashable").Set(float64(st.HashableRules))
		tier := filter.TierFast
		if st.Tier == filter.TierBulk.String() {
			tier = filter.TierBulk
		}
		r.Tier.WithLabelValues(s).Set(float64(tier))
	}

	for s := range c.known {
		if !live[s] {
			r.CacheEntries.DeleteLabelValues(s)
			r.CacheHitRate.DeleteLabelValues(s)
			r.Rules.DeleteLabelValues(s, "non_hashable")
			r.Rules.DeleteLabelValues(s, "hashable")
			r.Tier.DeleteLabelValues(s)
		}
	}
	c.known = live

	r.Scopes.Set(float64(len(live)))
	now := c.now()
	if !c.started.IsZero() {
		r.Uptime.Set(now.Sub(c.started).Seconds())
	}
	c.lastUpdate = now
}

// LastUpdate returns the time of the last completed sample.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
