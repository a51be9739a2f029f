package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/pktfilter/internal/filter"
)

// Scope parses the scope labels.
func (s ScopeConfig) Scope() (filter.Scope, error) {
	v, err := filter.ParseIPVersion(s.IP)
	if err != nil {
		return filter.Scope{}, err
	}
	sc := filter.Scope{IP: v, Table: s.Table}
	return sc, sc.Validate()
}

// Specs converts every rule of the scope, stopping at the first error.
func (s ScopeConfig) Specs() (filter.Scope, []filter.RuleSpec, error) {
	sc, err := s.Scope()
	if err != nil {
		return filter.Scope{}, nil, err
	}
	specs := make([]filter.RuleSpec, 0, len(s.Rules))
	for _, r := range s.Rules {
		spec, err := r.ToSpec(sc.IP)
		if err != nil {
			return filter.Scope{}, nil, fmt.Errorf("scope %s: rule %q: %w", sc, r.Name, err)
		}
		specs = append(specs, spec)
	}
	return sc, specs, nil
}

// ToSpec converts the rule to an engine rule spec for a scope of IP version
// v. Syntax errors wrap filter.ErrInvalidPredicate; semantic checks are left
// to RuleSpec.Validate.
func (r RuleConfig) ToSpec(v filter.IPVersion) (filter.RuleSpec, error) {
	spec := filter.RuleSpec{
		Name:         r.Name,
		Action:       filter.Action(r.Action),
		Hashable:     r.Hashable,
		MaxPriority:  r.MaxPriority,
		RetainHeader: r.RetainHeader,
	}
	add := func(a filter.Attribute) { spec.Predicate = append(spec.Predicate, a) }

	if r.SrcAddr != "" {
		addr, mask, err := ParseAddrMask(r.SrcAddr, v)
		if err != nil {
			return spec, fmt.Errorf("%w: src_addr: %v", filter.ErrInvalidPredicate, err)
		}
		add(filter.SrcAddr{Addr: addr, Mask: mask})
	}
	if r.DstAddr != "" {
		addr, mask, err := ParseAddrMask(r.DstAddr, v)
		if err != nil {
			return spec, fmt.Errorf("%w: dst_addr: %v", filter.ErrInvalidPredicate, err)
		}
		add(filter.DstAddr{Addr: addr, Mask: mask})
	}
	if r.Protocol != nil {
		p, err := bounded("protocol", *r.Protocol, 0xFF)
		if err != nil {
			return spec, err
		}
		add(filter.Protocol{Value: uint8(p)})
	}
	if r.SrcPort != nil {
		p, err := bounded("src_port", *r.SrcPort, 0xFFFF)
		if err != nil {
			return spec, err
		}
		add(filter.SrcPort{Value: uint16(p)})
	}
	if r.DstPort != nil {
		p, err := bounded("dst_port", *r.DstPort, 0xFFFF)
		if err != nil {
			return spec, err
		}
		add(filter.DstPort{Value: uint16(p)})
	}
	if r.SrcPortRange != "" {
		lo, hi, err := ParsePortRange(r.SrcPortRange)
		if err != nil {
			return spec, fmt.Errorf("%w: src_port_range: %v", filter.ErrInvalidPredicate, err)
		}
		add(filter.SrcPortRange{Lo: lo, Hi: hi})
	}
	if r.DstPortRange != "" {
		lo, hi, err := ParsePortRange(r.DstPortRange)
		if err != nil {
			return spec, fmt.Errorf("%w: dst_port_range: %v", filter.ErrInvalidPredicate, err)
		}
		add(filter.DstPortRange{Lo: lo, Hi: hi})
	}
	if r.TOS != nil {
		tos, err := bounded("tos", *r.TOS, 0xFF)
		if err != nil {
			return spec, err
		}
		mask := 0xFF
		if r.TOSMask != nil {
			if mask, err = bounded("tos_mask", *r.TOSMask, 0xFF); err != nil {
				return spec, err
			}
		}
		add(filter.TOS{Value: uint8(tos), Mask: uint8(mask)})
	} else if r.TOSMask != nil {
		return spec, fmt.Errorf("%w: tos_mask without tos", filter.ErrInvalidPredicate)
	}
	if r.FlowLabel != nil {
		fl, err := bounded("flow_label", *r.FlowLabel, 0xFFFFF)
		if err != nil {
			return spec, err
		}
		add(filter.FlowLabel{Value: uint32(fl)})
	}
	if r.Fragment {
		add(filter.Fragment{})
	}
	if r.PureAck {
		add(filter.PureAck{})
	}
	if r.VLAN != nil {
		id, err := bounded("vlan", *r.VLAN, 0x0FFF)
		if err != nil {
			return spec, err
		}
		add(filter.VLAN{ID: uint16(id)})
	}
	return spec, nil
}

func bounded(name string, v, limit int) (int, error) {
	if v < 0 || v > limit {
		return 0, fmt.Errorf("%w: %s %d out of range 0-%d", filter.ErrInvalidPredicate, name, v, limit)
	}
	return v, nil
}

// ParseAddrMask parses "addr", "addr/prefixlen" or "addr/mask". A bare
// address gets an all-ones mask.
func ParseAddrMask(s string, v filter.IPVersion) (addr, mask netip.Addr, err error) {
	a, m, hasMask := strings.Cut(strings.TrimSpace(s), "/")
	addr, err = netip.ParseAddr(a)
	if err != nil {
		return addr, mask, err
	}
	if addr.Is4In6() && v == filter.IPv4 {
		addr = addr.Unmap()
	}
	if !hasMask {
		mask, err = filter.PrefixMask(v, addr.BitLen())
		return addr, mask, err
	}
	if bits, convErr := strconv.Atoi(m); convErr == nil {
		mask, err = filter.PrefixMask(v, bits)
		return addr, mask, err
	}
	mask, err = netip.ParseAddr(m)
	if err != nil {
		return addr, mask, fmt.Errorf("mask %q is neither a prefix length nor an address", m)
	}
	return addr, mask, nil
}

// FormatAddrMask renders an address and mask back to the form accepted by
// ParseAddrMask, preferring prefix notation.
func FormatAddrMask(addr, mask netip.Addr) string {
	if bits, ok := prefixLen(mask); ok {
		if bits == addr.BitLen() {
			return addr.String()
		}
		return addr.String() + "/" + strconv.Itoa(bits)
	}
	return addr.String() + "/" + mask.String()
}

func prefixLen(mask netip.Addr) (int, bool) {
	bits, done := 0, false
	for _, b := range mask.AsSlice() {
		for i := 7; i >= 0; i-- {
			set := b&(1<<i) != 0
			if set && done {
				return 0, false
			}
			if set {
				bits++
			} else {
				done = true
			}
		}
	}
	return bits, true
}

// ParsePortRange parses "lo-hi" (or a single port).
func ParsePortRange(s string) (lo, hi uint16, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		b = a
	}
	l, err := strconv.ParseUint(strings.TrimSpace(a), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", a)
	}
	h, err := strconv.ParseUint(strings.TrimSpace(b), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", b)
	}
	return uint16(l), uint16(h), nil
}

// FromSpec converts an engine rule spec back to its configuration form.
func FromSpec(spec filter.RuleSpec) RuleConfig {
	rc := RuleConfig{
		Name:         spec.Name,
		Action:       string(spec.Action),
		Hashable:     spec.Hashable,
		MaxPriority:  spec.MaxPriority,
		RetainHeader: spec.RetainHeader,
	}
	intp := func(v int) *int { return &v }
	for _, a := range spec.Predicate {
		switch a := a.(type) {
		case filter.SrcAddr:
			rc.SrcAddr = FormatAddrMask(a.Addr, a.Mask)
		case filter.DstAddr:
			rc.DstAddr = FormatAddrMask(a.Addr, a.Mask)
		case filter.Protocol:
			rc.Protocol = intp(int(a.Value))
		case filter.SrcPort:
			rc.SrcPort = intp(int(a.Value))
		case filter.DstPort:
			rc.DstPort = intp(int(a.Value))
		case filter.SrcPortRange:
			rc.SrcPortRange = fmt.Sprintf("%d-%d", a.Lo, a.Hi)
		case filter.DstPortRange:
			rc.DstPortRange = fmt.Sprintf("%d-%d", a.Lo, a.Hi)
		case filter.TOS:
			rc.TOS = intp(int(a.Value))
			if a.Mask != 0xFF {
				rc.TOSMask = intp(int(a.Mask))
			}
		case filter.FlowLabel:
			rc.FlowLabel = intp(int(a.Value))
		case filter.Fragment:
			rc.Fragment = true
		case filter.PureAck:
			rc.PureAck = true
		case filter.VLAN:
			rc.VLAN = intp(int(a.ID))
		}
	}
	return rc
}

// EngineOptions converts the engine block. Logger and Observer are left for
// the caller to wire.
func (c *Config) EngineOptions() (filter.Options, error) {
	e := c.Engine
	if e == nil {
		e = &EngineConfig{}
	}
	opts := filter.Options{
		FastTierCapacity: e.FastTierCapacity,
		CacheSize:        e.CacheSize,
		MaxRulesPerScope: e.MaxRulesPerScope,
		DefaultAction:    filter.Action(e.DefaultAction),
	}
	if len(e.Fingerprint) > 0 {
		set, err := filter.ParseFields(e.Fingerprint)
		if err != nil {
			return opts, err
		}
		opts.FingerprintFields = set
	}
	return opts, nil
}
