package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/pktfilter/internal/filter"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all classification engine metrics. It implements
// filter.Observer so it can be handed to the engine directly.
type Registry struct {
	// Data path
	Classifications *prometheus.CounterVec
	Matches         *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec

	// Administrative path
	CacheInvalidations *prometheus.CounterVec
	InvalidatedEntries *prometheus.CounterVec
	Rules              *prometheus.GaugeVec
	Tier               *prometheus.GaugeVec
	TierTransitions    *prometheus.CounterVec

	// Sampled by the Collector
	CacheEntries *prometheus.GaugeVec
	CacheHitRate *prometheus.GaugeVec
	Scopes       prometheus.Gauge
	Uptime       prometheus.Gauge

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

var _ filter.Observer = (*Registry)(nil)

// Get returns the global metrics registry, registered with the default
// Prometheus registerer, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates the metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	r := &Registry{}

	r.Classifications = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_classifications_total",
		Help: "Packets classified, by scope and cache status",
	}, []string{"scope", "status"})

	r.Matches = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_rule_matches_total",
		Help: "Classifications resolved by a rule, by scope and sub-table",
	}, []string{"scope", "table"})

	r.CacheEvictions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_cache_evictions_total",
		Help: "Match cache entries evicted to make room",
	}, []string{"scope"})

	r.CacheInvalidations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_cache_invalidations_total",
		Help: "Match cache flushes caused by rule changes",
	}, []string{"scope"})

	r.InvalidatedEntries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_cache_invalidated_entries_total",
		Help: "Match cache entries dropped by flushes",
	}, []string{"scope"})

	r.Rules = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pktfilter_rules",
		Help: "Installed rules, by scope and sub-table",
	}, []string{"scope", "table"})

	r.Tier = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pktfilter_tier",
		Help: "Placement of the non-hashable table (0 fast, 1 bulk)",
	}, []string{"scope"})

	r.TierTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_tier_transitions_total",
		Help: "Placement changes of the non-hashable table, by destination tier",
	}, []string{"scope", "to"})

	r.CacheEntries = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pktfilter_cache_entries",
		Help: "Current match cache occupancy",
	}, []string{"scope"})

	r.CacheHitRate = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pktfilter_cache_hit_ratio",
		Help: "Match cache hits over lookups since the scope was created",
	}, []string{"scope"})

	r.Scopes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "pktfilter_scopes",
		Help: "Live scopes",
	})

	r.Uptime = factory.NewGauge(prometheus.GaugeOpts{
		Name: "pktfilter_uptime_seconds",
		Help: "Seconds since the collector started",
	})

	r.APIRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pktfilter_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pktfilter_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// Classified records one classification.
func (r *Registry) Classified(scope filter.Scope, out filter.Outcome) {
	s := scope.String()
	r.Classifications.WithLabelValues(s, out.Status.String()).Inc()
	if !out.Matched {
		return
	}
	table := "non_hashable"
	if out.Hashable {
		table = "hashable"
	}
	r.Matches.WithLabelValues(s, table).Inc()
}

// CacheEvicted records an LRU eviction.
func (r *Registry) CacheEvicted(scope filter.Scope) {
	r.CacheEvictions.WithLabelValues(scope.String()).Inc()
}

// CacheInvalidated records a cache flush.
func (r *Registry) CacheInvalidated(scope filter.Scope, dropped int) {
	s := scope.String()
	r.CacheInvalidations.WithLabelValues(s).Inc()
	r.InvalidatedEntries.WithLabelValues(s).Add(float64(dropped))
}

// RulesChanged updates the rule gauges.
func (r *Registry) RulesChanged(scope filter.Scope, nonHashable, hashable int) {
	s := scope.String()
	r.Rules.WithLabelValues(s, "non_hashable").Set(float64(nonHashable))
	r.Rules.WithLabelValues(s, "hashable").Set(float64(hashable))
}

// TierChanged records a placement change.
func (r *Registry) TierChanged(scope filter.Scope, _, to filter.Tier) {
	s := scope.String()
	r.Tier.WithLabelValues(s).Set(float64(to))
	r.TierTransitions.WithLabelValues(s, to.String()).Inc()
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}
