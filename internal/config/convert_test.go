package config

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pktfilter/internal/filter"
)

func intp(v int) *int { return &v }

func TestParseAddrMask(t *testing.T) {
	tests := []struct {
		in       string
		v        filter.IPVersion
		wantAddr string
		wantMask string
		wantErr  bool
	}{
		{"10.0.0.1", filter.IPv4, "10.0.0.1", "255.255.255.255", false},
		{"10.0.0.0/8", filter.IPv4, "10.0.0.0", "255.0.0.0", false},
		{"127.0.0.1/255.0.0.255", filter.IPv4, "127.0.0.1", "255.0.0.255", false},
		{"2001:db8::/32", filter.IPv6, "2001:db8::", "ffff:ffff::", false},
		{"::ffff:10.0.0.1", filter.IPv4, "10.0.0.1", "255.255.255.255", false},
		{"10.0.0.0/33", filter.IPv4, "", "", true},
		{"10.0.0.0/bogus", filter.IPv4, "", "", true},
		{"not-an-ip", filter.IPv4, "", "", true},
	}
	for _, tc := range tests {
		addr, mask, err := ParseAddrMask(tc.in, tc.v)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.wantAddr, addr.String(), tc.in)
		assert.Equal(t, tc.wantMask, mask.String(), tc.in)
	}
}

func TestFormatAddrMask(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.0")
	assert.Equal(t, "10.0.0.0/8", FormatAddrMask(a, netip.MustParseAddr("255.0.0.0")))
	assert.Equal(t, "10.0.0.0", FormatAddrMask(a, netip.MustParseAddr("255.255.255.255")))
	assert.Equal(t, "10.0.0.0/255.0.0.255", FormatAddrMask(a, netip.MustParseAddr("255.0.0.255")))
}

func TestParsePortRange(t *testing.T) {
	lo, hi, err := ParsePortRange("1000-2000")
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), lo)
	assert.Equal(t, uint16(2000), hi)

	lo, hi, err = ParsePortRange("53")
	require.NoError(t, err)
	assert.Equal(t, lo, hi)

	_, _, err = ParsePortRange("1-70000")
	assert.Error(t, err)
}

func TestRuleConfigToSpec(t *testing.T) {
	rc := RuleConfig{
		Name:         "all",
		Action:       "t",
		MaxPriority:  true,
		RetainHeader: true,
		SrcAddr:      "10.0.0.0/8",
		DstAddr:      "192.168.1.1",
		Protocol:     intp(6),
		SrcPortRange: "1024-65535",
		DstPort:      intp(443),
		TOS:          intp(0x10),
		Fragment:     true,
		PureAck:      true,
		VLAN:         intp(7),
	}
	spec, err := rc.ToSpec(filter.IPv4)
	require.NoError(t, err)
	require.NoError(t, spec.Validate(filter.IPv4, filter.DefaultFingerprintFields))

	assert.Equal(t, filter.Action("t"), spec.Action)
	assert.True(t, spec.MaxPriority)
	assert.True(t, spec.RetainHeader)
	for _, k := range []filter.AttrKind{
		filter.KindSrcAddr, filter.KindDstAddr, filter.KindProtocol, filter.KindSrcPortRange,
		filter.KindDstPort, filter.KindTOS, filter.KindFragment, filter.KindPureAck, filter.KindVLAN,
	} {
		assert.True(t, spec.Predicate.Has(k), k.String())
	}
	assert.Contains(t, spec.Predicate, filter.Attribute(filter.TOS{Value: 0x10, Mask: 0xFF}))

	// And back again.
	assert.Equal(t, rc, FromSpec(spec))
}

func TestRuleConfigToSpec_Errors(t *testing.T) {
	bad := []RuleConfig{
		{Action: "t", Protocol: intp(256)},
		{Action: "t", DstPort: intp(-1)},
		{Action: "t", TOSMask: intp(3)},
		{Action: "t", VLAN: intp(5000)},
		{Action: "t", FlowLabel: intp(1 << 20)},
		{Action: "t", DstAddr: "nope"},
		{Action: "t", SrcPortRange: "a-b"},
	}
	for _, rc := range bad {
		_, err := rc.ToSpec(filter.IPv6)
		assert.ErrorIs(t, err, filter.ErrInvalidPredicate, "%+v", rc)
	}
}

func TestEncodeScopesHCL_RoundTrip(t *testing.T) {
	scopes := []ScopeConfig{
		{IP: "v4", Table: "lan", Rules: []RuleConfig{
			{Name: "dns", Action: "wan1", Hashable: true, Protocol: intp(17), DstPort: intp(53)},
			{Name: "lo", Action: "table0", DstAddr: "127.0.0.1/255.0.0.255", TOS: intp(8), TOSMask: intp(0xfc)},
		}},
		{IP: "v6", Table: "wan", Rules: []RuleConfig{
			{Name: "fl", Action: "x", FlowLabel: intp(99), PureAck: true, DstPortRange: "1-2"},
		}},
	}

	cfg, err := LoadHCL(EncodeScopesHCL(scopes), "dump.hcl")
	require.NoError(t, err)
	assert.Equal(t, scopes, cfg.Scopes)
	assert.NoError(t, cfg.Validate())
}

func TestScopeConfigSpecs(t *testing.T) {
	sc := ScopeConfig{IP: "ipv4", Table: "lan", Rules: []RuleConfig{{Name: "a", Action: "t"}}}
	scope, specs, err := sc.Specs()
	require.NoError(t, err)
	assert.Equal(t, filter.Scope{IP: filter.IPv4, Table: "lan"}, scope)
	assert.Len(t, specs, 1)

	_, _, err = ScopeConfig{IP: "v9", Table: "lan"}.Specs()
	assert.ErrorIs(t, err, filter.ErrInvalidScope)
}
