package metrics

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
)

var lan = filter.Scope{IP: filter.IPv4, Table: "lan"}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(prometheus.NewRegistry())
}

func TestRegistry_ObservesEngine(t *testing.T) {
	r := newTestRegistry(t)
	e := filter.New(filter.Options{
		FastTierCapacity: 1,
		CacheSize:        1,
		Logger:           logging.Discard(),
		Observer:         r,
	})

	dst := func(a string) filter.Attribute {
		return filter.DstAddr{Addr: netip.MustParseAddr(a), Mask: netip.MustParseAddr("255.255.255.255")}
	}
	res, err := e.Commit(lan, []filter.RuleSpec{
		{Predicate: filter.Predicate{dst("10.0.0.1")}, Action: "n0"},
		{Predicate: filter.Predicate{dst("10.0.0.2")}, Action: "n1"},
		{Predicate: filter.Predicate{dst("10.0.0.3")}, Action: "h1", Hashable: true},
		{Predicate: filter.Predicate{dst("10.0.0.4")}, Action: "h2", Hashable: true},
	}, false)
	require.NoError(t, err)
	require.NoError(t, res.Err())

	pkt := func(a string) filter.Fields {
		return filter.Fields{Version: filter.IPv4, Dst: netip.MustParseAddr(a)}
	}
	e.Classify(lan, pkt("10.0.0.2")) // non-hashable match
	e.Classify(lan, pkt("10.0.0.3")) // hashable miss, cached
	e.Classify(lan, pkt("10.0.0.3")) // hit
	e.Classify(lan, pkt("10.0.0.4")) // evicts 10.0.0.3
	e.Classify(lan, pkt("10.9.9.9")) // default

	s := lan.String()
	assert.Equal(t, 4.0, promtest.ToFloat64(r.Classifications.WithLabelValues(s, "miss")))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.Classifications.WithLabelValues(s, "hit")))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.Matches.WithLabelValues(s, "non_hashable")))
	assert.Equal(t, 3.0, promtest.ToFloat64(r.Matches.WithLabelValues(s, "hashable")))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.CacheEvictions.WithLabelValues(s)))

	assert.Equal(t, 2.0, promtest.ToFloat64(r.Rules.WithLabelValues(s, "non_hashable")))
	assert.Equal(t, 2.0, promtest.ToFloat64(r.Rules.WithLabelValues(s, "hashable")))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.Tier.WithLabelValues(s)))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.TierTransitions.WithLabelValues(s, "bulk")))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.CacheInvalidations.WithLabelValues(s)))

	require.NoError(t, e.Reset(lan))
	assert.Equal(t, 0.0, promtest.ToFloat64(r.Tier.WithLabelValues(s)))
	assert.Equal(t, 1.0, promtest.ToFloat64(r.InvalidatedEntries.WithLabelValues(s)))
}

func TestRegistry_RecordAPIRequest(t *testing.T) {
	r := newTestRegistry(t)
	r.RecordAPIRequest("GET", "/api/scopes", 200, 0.01)
	r.RecordAPIRequest("GET", "/api/scopes", 200, 0.02)
	assert.Equal(t, 2.0, promtest.ToFloat64(r.APIRequests.WithLabelValues("GET", "/api/scopes", "200")))
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
