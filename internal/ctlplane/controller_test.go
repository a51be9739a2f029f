package ctlplane

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
	"grimm.is/pktfilter/internal/store"
	"grimm.is/pktfilter/internal/testutil"
)

var v4lan = filter.Scope{IP: filter.IPv4, Table: "lan"}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveScope(scope filter.Scope, snap filter.Snapshot, change store.ChangeType, detail string) error {
	args := m.Called(scope, snap, change, detail)
	return args.Error(0)
}

func (m *mockStore) DeleteScope(scope filter.Scope) error {
	return m.Called(scope).Error(0)
}

func (m *mockStore) LoadAll() (map[filter.Scope]filter.Snapshot, error) {
	args := m.Called()
	all, _ := args.Get(0).(map[filter.Scope]filter.Snapshot)
	return all, args.Error(1)
}

func newEngine() *filter.Engine {
	return filter.New(filter.Options{Logger: logging.Discard()})
}

func dnsRule(t *testing.T) filter.RuleSpec {
	t.Helper()
	port, proto := 53, 17
	spec, err := config.RuleConfig{Name: "dns", Action: "wan1", Hashable: true, Protocol: &proto, DstPort: &port}.ToSpec(filter.IPv4)
	require.NoError(t, err)
	return spec
}

func loRule(t *testing.T) filter.RuleSpec {
	t.Helper()
	spec, err := config.RuleConfig{Name: "lo", Action: "table0", DstAddr: "127.0.0.1/255.0.0.255"}.ToSpec(filter.IPv4)
	require.NoError(t, err)
	return spec
}

func TestController_PersistsMutations(t *testing.T) {
	ms := new(mockStore)
	ms.On("SaveScope", v4lan, mock.Anything, store.ChangeCommit, "requested=2 failed=0").Return(nil).Once()
	ms.On("SaveScope", v4lan, mock.MatchedBy(func(snap filter.Snapshot) bool {
		return len(snap.Rules) == 1 && snap.LastHandle == 2
	}), store.ChangeDelete, "handles=1").Return(nil).Once()
	ms.On("DeleteScope", v4lan).Return(nil).Once()

	ctl := New(newEngine(), ms, logging.Discard())

	res, err := ctl.Commit(v4lan, []filter.RuleSpec{dnsRule(t), loRule(t)}, false)
	require.NoError(t, err)
	require.NoError(t, res.Err())

	require.NoError(t, ctl.Delete(v4lan, res.Handles()[:1], true))
	require.NoError(t, ctl.Reset(v4lan))

	ms.AssertExpectations(t)
}

func TestController_StagedDeleteWaitsForApply(t *testing.T) {
	ms := new(mockStore)
	ms.On("SaveScope", v4lan, mock.Anything, store.ChangeCommit, mock.Anything).Return(nil).Once()
	ms.On("SaveScope", v4lan, mock.MatchedBy(func(snap filter.Snapshot) bool {
		return len(snap.Rules) == 1
	}), store.ChangeApply, "").Return(nil).Once()

	ctl := New(newEngine(), ms, logging.Discard())
	res, err := ctl.Commit(v4lan, []filter.RuleSpec{dnsRule(t), loRule(t)}, false)
	require.NoError(t, err)

	require.NoError(t, ctl.Delete(v4lan, res.Handles()[1:], false))
	ms.AssertNumberOfCalls(t, "SaveScope", 1)

	require.NoError(t, ctl.Apply(v4lan))
	ms.AssertExpectations(t)
}

func TestController_PersistFailure(t *testing.T) {
	ms := new(mockStore)
	ms.On("SaveScope", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))

	ctl := New(newEngine(), ms, logging.Discard())
	res, err := ctl.Commit(v4lan, []filter.RuleSpec{dnsRule(t)}, false)
	assert.ErrorIs(t, err, ErrPersist)

	// The engine kept the change.
	require.Len(t, res.Handles(), 1)
	rules, err := ctl.Rules(v4lan)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestController_ErrorsPassThrough(t *testing.T) {
	ctl := New(newEngine(), nil, logging.Discard())

	_, err := ctl.Commit(filter.Scope{IP: 5, Table: "x"}, nil, false)
	assert.ErrorIs(t, err, filter.ErrInvalidScope)

	assert.ErrorIs(t, ctl.Delete(v4lan, []filter.Handle{1}, true), filter.ErrScopeNotFound)
	assert.ErrorIs(t, ctl.Apply(v4lan), filter.ErrScopeNotFound)
	assert.ErrorIs(t, ctl.Reset(v4lan), filter.ErrScopeNotFound)

	_, err = ctl.Commit(v4lan, []filter.RuleSpec{dnsRule(t)}, false)
	require.NoError(t, err)
	assert.ErrorIs(t, ctl.Delete(v4lan, []filter.Handle{99}, true), filter.ErrUnknownRule)
}

func TestController_BootstrapPrefersStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "rules.db"), logging.Discard())
	require.NoError(t, err)
	defer db.Close()

	// First run: rules come from the configuration and are persisted.
	cfg, err := config.LoadHCL([]byte(`
scope "v4" "lan" {
  rule "lo" {
    action   = "table0"
    dst_addr = "127.0.0.1/255.0.0.255"
  }
}
scope "v6" "lan" {
  rule "any" {
    action = "v6main"
  }
}
`), "boot.hcl")
	require.NoError(t, err)

	first := New(newEngine(), db, logging.Discard())
	require.NoError(t, first.Bootstrap(cfg))
	res, err := first.Commit(v4lan, []filter.RuleSpec{dnsRule(t)}, false)
	require.NoError(t, err)
	require.Len(t, res.Handles(), 1)

	// Second run: the stored table, including the runtime commit, wins over
	// the configured one and keeps its handles.
	second := New(newEngine(), db, logging.Discard())
	require.NoError(t, second.Bootstrap(cfg))

	rules, err := second.Rules(v4lan)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, res.Handles()[0], rules[1].Handle)

	v6, err := second.Rules(filter.Scope{IP: filter.IPv6, Table: "lan"})
	require.NoError(t, err)
	assert.Len(t, v6, 1)

	// New handles continue after the restored ones.
	res2, err := second.Commit(v4lan, []filter.RuleSpec{loRule(t)}, false)
	require.NoError(t, err)
	assert.Greater(t, res2.Handles()[0], res.Handles()[0])
}

func TestController_HandlesNotReusedAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")
	db, err := store.Open(path, logging.Discard())
	require.NoError(t, err)

	first := New(newEngine(), db, logging.Discard())
	res, err := first.Commit(v4lan, []filter.RuleSpec{dnsRule(t), loRule(t)}, false)
	require.NoError(t, err)
	hs := res.Handles()
	require.Len(t, hs, 2)
	require.NoError(t, first.Delete(v4lan, hs[1:], true))
	require.NoError(t, db.Close())

	db, err = store.Open(path, logging.Discard())
	require.NoError(t, err)
	defer db.Close()

	second := New(newEngine(), db, logging.Discard())
	require.NoError(t, second.Bootstrap(nil))
	res, err = second.Commit(v4lan, []filter.RuleSpec{loRule(t)}, false)
	require.NoError(t, err)
	require.Len(t, res.Handles(), 1)
	assert.NotEqual(t, hs[1], res.Handles()[0])
	assert.Greater(t, res.Handles()[0], hs[1])

	// Deleting every rule still keeps the counter.
	require.NoError(t, second.Delete(v4lan, []filter.Handle{hs[0], res.Handles()[0]}, true))
	third := New(newEngine(), db, logging.Discard())
	require.NoError(t, third.Bootstrap(nil))
	rules, err := third.Rules(v4lan)
	require.NoError(t, err)
	assert.Empty(t, rules)
	res2, err := third.Commit(v4lan, []filter.RuleSpec{dnsRule(t)}, false)
	require.NoError(t, err)
	assert.Greater(t, res2.Handles()[0], res.Handles()[0])
}

func TestController_EmptyCommitCreatesNothing(t *testing.T) {
	ms := new(mockStore)
	ctl := New(newEngine(), ms, logging.Discard())

	res, err := ctl.Commit(v4lan, nil, false)
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = ctl.Commit(v4lan, []filter.RuleSpec{{Action: ""}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())

	assert.Empty(t, ctl.Engine().Scopes())
	ms.AssertNotCalled(t, "SaveScope", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestController_BootstrapStoreError(t *testing.T) {
	ms := new(mockStore)
	ms.On("LoadAll").Return(nil, errors.New("corrupt"))

	ctl := New(newEngine(), ms, logging.Discard())
	assert.Error(t, ctl.Bootstrap(config.DefaultConfig()))
}

func TestController_ClassifyFrame(t *testing.T) {
	ctl := New(newEngine(), nil, logging.Discard())
	_, err := ctl.Commit(v4lan, []filter.RuleSpec{dnsRule(t), loRule(t)}, false)
	require.NoError(t, err)

	dns := testutil.IPv4(t,
		"10.0.0.2", "8.8.8.8",
		testutil.ProtoUDP, testutil.IPv4Opts{}, testutil.UDP(40000, 53, nil))

	out, err := ctl.ClassifyDatagram(v4lan, dns)
	require.NoError(t, err)
	assert.Equal(t, filter.Action("wan1"), out.Action)
	assert.Equal(t, filter.Miss, out.Status)

	out, err = ctl.ClassifyFrame(v4lan, testutil.Ethernet(dns, testutil.VLAN(10)))
	require.NoError(t, err)
	assert.Equal(t, filter.Hit, out.Status)

	lo := testutil.IPv4(t,
		"10.0.0.2", "127.9.9.1",
		testutil.ProtoTCP, testutil.IPv4Opts{}, testutil.TCP(1, 2, testutil.TCPSyn, nil))
	out, err = ctl.ClassifyFrame(v4lan, testutil.Ethernet(lo, nil))
	require.NoError(t, err)
	assert.Equal(t, filter.Action("table0"), out.Action)

	// A v4 packet has no business in a v6 scope.
	_, err = ctl.ClassifyDatagram(filter.Scope{IP: filter.IPv6, Table: "lan"}, dns)
	assert.ErrorIs(t, err, filter.ErrInvalidScope)

	_, err = ctl.ClassifyFrame(v4lan, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestController_Export(t *testing.T) {
	ctl := New(newEngine(), nil, logging.Discard())
	_, err := ctl.Commit(v4lan, []filter.RuleSpec{dnsRule(t), {Action: "anon"}}, false)
	require.NoError(t, err)

	scopes, err := ctl.Export()
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, "v4", scopes[0].IP)
	require.Len(t, scopes[0].Rules, 2)
	assert.Equal(t, "rule2", scopes[0].Rules[0].Name)

	cfg, err := config.LoadHCL(config.EncodeScopesHCL(scopes), "export.hcl")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}
