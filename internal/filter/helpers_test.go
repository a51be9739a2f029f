package filter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/pktfilter/internal/logging"
)

var (
	v4lan = Scope{IP: IPv4, Table: "lan"}
	v6lan = Scope{IP: IPv6, Table: "lan"}

	mask4 = netip.MustParseAddr("255.0.0.255")
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Logger = logging.Discard()
	return New(opts)
}

func dst4(addr string) Attribute {
	return DstAddr{Addr: netip.MustParseAddr(addr), Mask: mask4}
}

func dstRule(addr string, action Action, hashable bool) RuleSpec {
	return RuleSpec{
		Predicate: Predicate{dst4(addr)},
		Action:    action,
		Hashable:  hashable,
	}
}

func pkt4(dst string) Fields {
	return Fields{
		Version:  IPv4,
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr(dst),
		Protocol: ProtoUDP,
		SrcPort:  1000,
		DstPort:  53,
	}
}

func mustCommit(t *testing.T, e *Engine, scope Scope, replace bool, specs ...RuleSpec) []Handle {
	t.Helper()
	res, err := e.Commit(scope, specs, replace)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	return res.Handles()
}

func classify(e *Engine, scope Scope, f Fields) (Action, CacheStatus) {
	out := e.Classify(scope, f)
	return out.Action, out.Status
}
