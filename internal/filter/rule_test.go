package filter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleSpecValidate(t *testing.T) {
	a4 := netip.MustParseAddr("10.0.0.1")
	m4 := netip.MustParseAddr("255.255.255.0")
	a6 := netip.MustParseAddr("2001:db8::1")
	m6, err := PrefixMask(IPv6, 64)
	require.NoError(t, err)

	tests := []struct {
		name     string
		ip       IPVersion
		spec     RuleSpec
		hashable bool
		wantErr  bool
	}{
		{"dst v4", IPv4, RuleSpec{Predicate: Predicate{DstAddr{a4, m4}}}, false, false},
		{"dst v6", IPv6, RuleSpec{Predicate: Predicate{DstAddr{a6, m6}}}, false, false},
		{"wildcard", IPv4, RuleSpec{}, false, false},
		{"zero mask non-zero addr", IPv4, RuleSpec{Predicate: Predicate{SrcAddr{a4, netip.IPv4Unspecified()}}}, false, true},
		{"zero mask zero addr", IPv4, RuleSpec{Predicate: Predicate{SrcAddr{netip.IPv4Unspecified(), netip.IPv4Unspecified()}}}, false, false},
		{"v6 addr in v4 scope", IPv4, RuleSpec{Predicate: Predicate{DstAddr{a6, m6}}}, false, true},
		{"mixed family mask", IPv4, RuleSpec{Predicate: Predicate{DstAddr{a4, m6}}}, false, true},
		{"missing mask", IPv4, RuleSpec{Predicate: Predicate{DstAddr{Addr: a4}}}, false, true},
		{"duplicate kind", IPv4, RuleSpec{Predicate: Predicate{Protocol{6}, Protocol{17}}}, false, true},
		{"port and range", IPv4, RuleSpec{Predicate: Predicate{DstPort{80}, DstPortRange{1, 2}}}, false, true},
		{"src port and dst range", IPv4, RuleSpec{Predicate: Predicate{SrcPort{80}, DstPortRange{1, 2}}}, false, false},
		{"inverted range", IPv4, RuleSpec{Predicate: Predicate{SrcPortRange{10, 1}}}, false, true},
		{"icmp with port", IPv4, RuleSpec{Predicate: Predicate{Protocol{ProtoICMP}, DstPort{80}}}, false, true},
		{"tcp with port", IPv4, RuleSpec{Predicate: Predicate{Protocol{ProtoTCP}, DstPort{80}}}, false, false},
		{"tos zero mask", IPv4, RuleSpec{Predicate: Predicate{TOS{Value: 4}}}, false, true},
		{"flow label v4", IPv4, RuleSpec{Predicate: Predicate{FlowLabel{1}}}, false, true},
		{"flow label wide", IPv6, RuleSpec{Predicate: Predicate{FlowLabel{0x100000}}}, false, true},
		{"flow label v6", IPv6, RuleSpec{Predicate: Predicate{FlowLabel{0xABCDE}}}, false, false},
		{"vlan wide", IPv4, RuleSpec{Predicate: Predicate{VLAN{4096}}}, false, true},
		{"version mismatch", IPv4, RuleSpec{Predicate: Predicate{Version{IPv6}}}, false, true},
		{"nil attribute", IPv4, RuleSpec{Predicate: Predicate{nil}}, false, true},
		{"hashable five-tuple", IPv4, RuleSpec{Predicate: Predicate{DstAddr{a4, m4}, Protocol{6}, DstPortRange{1, 1024}}}, true, false},
		{"hashable tos", IPv4, RuleSpec{Predicate: Predicate{TOS{Value: 4, Mask: 0xfc}}}, true, true},
		{"non-hashable tos", IPv4, RuleSpec{Predicate: Predicate{TOS{Value: 4, Mask: 0xfc}}}, false, false},
		{"hashable version", IPv4, RuleSpec{Predicate: Predicate{Version{IPv4}}}, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := tc.spec
			spec.Action = "t"
			spec.Hashable = tc.hashable
			err := spec.Validate(tc.ip, DefaultFingerprintFields)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPredicate)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("hashable port needs protocol in fingerprint", func(t *testing.T) {
		set := FieldDstAddr | FieldDstPort
		for _, a := range []Attribute{DstPort{80}, DstPortRange{80, 90}} {
			spec := RuleSpec{Predicate: Predicate{a}, Action: "web", Hashable: true}
			assert.ErrorIs(t, spec.Validate(IPv4, set), ErrInvalidPredicate, a.Kind().String())
			assert.NoError(t, spec.Validate(IPv4, set|FieldProtocol), a.Kind().String())
		}
		spec := RuleSpec{Predicate: Predicate{SrcPort{80}}, Action: "web", Hashable: true}
		assert.ErrorIs(t, spec.Validate(IPv4, FieldSrcPort), ErrInvalidPredicate)
	})

	t.Run("empty action", func(t *testing.T) {
		assert.ErrorIs(t, RuleSpec{}.Validate(IPv4, DefaultFingerprintFields), ErrInvalidPredicate)
	})
}

func TestAttributeMatch(t *testing.T) {
	f := Fields{
		Version:   IPv6,
		Src:       netip.MustParseAddr("2001:db8::10"),
		Dst:       netip.MustParseAddr("2001:db8:1::20"),
		Protocol:  ProtoTCP,
		SrcPort:   40000,
		DstPort:   443,
		TOS:       0xb8,
		FlowLabel: 0x12345,
		PureAck:   true,
		HasVLAN:   true,
		VLANID:    100,
	}
	m64, _ := PrefixMask(IPv6, 64)

	tests := []struct {
		name string
		attr Attribute
		want bool
	}{
		{"src prefix", SrcAddr{netip.MustParseAddr("2001:db8::"), m64}, true},
		{"dst prefix miss", DstAddr{netip.MustParseAddr("2001:db8::"), m64}, false},
		{"protocol", Protocol{ProtoTCP}, true},
		{"src port", SrcPort{40000}, true},
		{"dst port miss", DstPort{80}, false},
		{"dst range", DstPortRange{400, 500}, true},
		{"src range edge", SrcPortRange{40000, 40000}, true},
		{"tos masked", TOS{Value: 0xb9, Mask: 0xfc}, true},
		{"tos miss", TOS{Value: 0x00, Mask: 0xfc}, false},
		{"flow label", FlowLabel{0x12345}, true},
		{"fragment", Fragment{}, false},
		{"pure ack", PureAck{}, true},
		{"vlan", VLAN{100}, true},
		{"vlan miss", VLAN{101}, false},
		{"version", Version{IPv6}, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.attr.match(&f), tc.name)
	}

	t.Run("ports need a port protocol", func(t *testing.T) {
		icmp := f
		icmp.Protocol = ProtoICMPv6
		assert.False(t, DstPort{443}.match(&icmp))
		assert.False(t, DstPortRange{0, 65535}.match(&icmp))
	})

	t.Run("vlan needs a tag", func(t *testing.T) {
		untagged := f
		untagged.HasVLAN = false
		untagged.VLANID = 0
		assert.False(t, VLAN{0}.match(&untagged))
	})

	t.Run("mapped v4 field", func(t *testing.T) {
		g := Fields{Version: IPv4, Dst: netip.MustParseAddr("::ffff:192.168.1.1")}
		assert.True(t, DstAddr{netip.MustParseAddr("192.168.7.1"), mask4}.match(&g))
	})

	t.Run("irregular mask", func(t *testing.T) {
		g := Fields{Version: IPv4, Dst: netip.MustParseAddr("127.55.66.1")}
		assert.True(t, DstAddr{netip.MustParseAddr("127.0.0.1"), mask4}.match(&g))
		assert.False(t, DstAddr{netip.MustParseAddr("127.0.0.2"), mask4}.match(&g))
	})
}

func TestPrefixMask(t *testing.T) {
	m, err := PrefixMask(IPv4, 20)
	require.NoError(t, err)
	assert.Equal(t, "255.255.240.0", m.String())

	m, err = PrefixMask(IPv6, 0)
	require.NoError(t, err)
	assert.Equal(t, "::", m.String())

	_, err = PrefixMask(IPv4, 33)
	assert.Error(t, err)
}

func TestTableOrdering(t *testing.T) {
	tbl := newRuleTable()
	spec := func(name string, hashable, maxPrio bool) RuleSpec {
		return RuleSpec{Name: name, Action: Action(name), Hashable: hashable, MaxPriority: maxPrio}
	}
	tbl.add(spec("h1", true, false))
	tbl.add(spec("n1", false, false))
	tbl.add(spec("h2", true, true))
	tbl.add(spec("n2", false, true))
	tbl.add(spec("n3", false, false))
	tbl.add(spec("n4", false, true))

	var names []string
	for _, r := range tbl.installed() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"n2", "n4", "n1", "n3", "h2", "h1"}, names)

	// Every rule is a wildcard, so the first non-hashable one wins.
	r := tbl.firstMatch(&Fields{Version: IPv4})
	require.NotNil(t, r)
	assert.Equal(t, "n2", r.spec.Name)

	_, ok := tbl.remove(r.handle)
	require.True(t, ok)
	assert.Equal(t, "n4", tbl.firstMatch(&Fields{}).spec.Name)
	_, ok = tbl.remove(r.handle)
	assert.False(t, ok)
}

func TestCommitResults(t *testing.T) {
	rs := CommitResults{
		{Handle: 1},
		{Err: ErrInvalidPredicate},
		{Handle: 3},
	}
	assert.Equal(t, []Handle{1, 3}, rs.Handles())
	assert.Equal(t, 1, rs.Failed())
	err := rs.Err()
	assert.ErrorIs(t, err, ErrInvalidPredicate)
	assert.Contains(t, err.Error(), "rule 1")

	assert.NoError(t, CommitResults{{Handle: 1}}.Err())
}
