package filter

import (
	"fmt"
	"net/netip"
)

// AttrKind identifies the variant of an Attribute.
type AttrKind uint8

const (
	KindSrcAddr AttrKind = iota + 1
	KindDstAddr
	KindProtocol
	KindSrcPort
	KindDstPort
	KindSrcPortRange
	KindDstPortRange
	KindTOS
	KindFlowLabel
	KindFragment
	KindPureAck
	KindVLAN
	KindVersion
)

var kindNames = map[AttrKind]string{
	KindSrcAddr:      "src_addr",
	KindDstAddr:      "dst_addr",
	KindProtocol:     "protocol",
	KindSrcPort:      "src_port",
	KindDstPort:      "dst_port",
	KindSrcPortRange: "src_port_range",
	KindDstPortRange: "dst_port_range",
	KindTOS:          "tos",
	KindFlowLabel:    "flow_label",
	KindFragment:     "fragment",
	KindPureAck:      "pure_ack",
	KindVLAN:         "vlan",
	KindVersion:      "version",
}

func (k AttrKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("attr(%d)", uint8(k))
}

// field maps an attribute kind to the packet fields it reads. Port kinds
// also read the protocol. Version reads the IP version, which always
// participates in the fingerprint.
func (k AttrKind) field() Field {
	switch k {
	case KindSrcAddr:
		return FieldSrcAddr
	case KindDstAddr:
		return FieldDstAddr
	case KindProtocol:
		return FieldProtocol
	case KindSrcPort, KindSrcPortRange:
		return FieldSrcPort | FieldProtocol
	case KindDstPort, KindDstPortRange:
		return FieldDstPort | FieldProtocol
	case KindTOS:
		return FieldTOS
	case KindFlowLabel:
		return FieldFlowLabel
	case KindFragment:
		return FieldFragment
	case KindPureAck:
		return FieldPureAck
	case KindVLAN:
		return FieldVLAN
	}
	return 0
}

// Attribute is one active condition of a rule predicate. The set of
// variants is closed; attributes not present in a predicate are wildcards.
type Attribute interface {
	Kind() AttrKind
	match(f *Fields) bool
	validate(v IPVersion) error
}

// SrcAddr matches (src & Mask) == (Addr & Mask).
type SrcAddr struct {
	Addr netip.Addr
	Mask netip.Addr
}

func (SrcAddr) Kind() AttrKind              { return KindSrcAddr }
func (a SrcAddr) match(f *Fields) bool      { return maskedEqual(f.Src, a.Addr, a.Mask) }
func (a SrcAddr) validate(v IPVersion) error { return validateAddr(a.Addr, a.Mask, v) }

// DstAddr matches (dst & Mask) == (Addr & Mask).
type DstAddr struct {
	Addr netip.Addr
	Mask netip.Addr
}

func (DstAddr) Kind() AttrKind              { return KindDstAddr }
func (a DstAddr) match(f *Fields) bool      { return maskedEqual(f.Dst, a.Addr, a.Mask) }
func (a DstAddr) validate(v IPVersion) error { return validateAddr(a.Addr, a.Mask, v) }

// Protocol matches the IPv4 protocol or the IPv6 next header.
type Protocol struct {
	Value uint8
}

func (Protocol) Kind() AttrKind            { return KindProtocol }
func (a Protocol) match(f *Fields) bool    { return f.Protocol == a.Value }
func (Protocol) validate(IPVersion) error { return nil }

// SrcPort matches one source port.
type SrcPort struct {
	Value uint16
}

func (SrcPort) Kind() AttrKind { return KindSrcPort }
func (a SrcPort) match(f *Fields) bool {
	return carriesPorts(f.Protocol) && f.SrcPort == a.Value
}
func (SrcPort) validate(IPVersion) error { return nil }

// DstPort matches one destination port.
type DstPort struct {
	Value uint16
}

func (DstPort) Kind() AttrKind { return KindDstPort }
func (a DstPort) match(f *Fields) bool {
	return carriesPorts(f.Protocol) && f.DstPort == a.Value
}
func (DstPort) validate(IPVersion) error { return nil }

// SrcPortRange matches Lo <= src port <= Hi.
type SrcPortRange struct {
	Lo, Hi uint16
}

func (SrcPortRange) Kind() AttrKind { return KindSrcPortRange }
func (a SrcPortRange) match(f *Fields) bool {
	return carriesPorts(f.Protocol) && f.SrcPort >= a.Lo && f.SrcPort <= a.Hi
}
func (a SrcPortRange) validate(IPVersion) error { return validateRange(a.Lo, a.Hi) }

// DstPortRange matches Lo <= dst port <= Hi.
type DstPortRange struct {
	Lo, Hi uint16
}

func (DstPortRange) Kind() AttrKind { return KindDstPortRange }
func (a DstPortRange) match(f *Fields) bool {
	return carriesPorts(f.Protocol) && f.DstPort >= a.Lo && f.DstPort <= a.Hi
}
func (a DstPortRange) validate(IPVersion) error { return validateRange(a.Lo, a.Hi) }

// TOS matches the IPv4 type-of-service or IPv6 traffic class under Mask.
type TOS struct {
	Value uint8
	Mask  uint8
}

func (TOS) Kind() AttrKind         { return KindTOS }
func (a TOS) match(f *Fields) bool { return f.TOS&a.Mask == a.Value&a.Mask }
func (a TOS) validate(IPVersion) error {
	if a.Mask == 0 && a.Value != 0 {
		return fmt.Errorf("tos value %#x with zero mask", a.Value)
	}
	return nil
}

// FlowLabel matches the 20-bit IPv6 flow label.
type FlowLabel struct {
	Value uint32
}

func (FlowLabel) Kind() AttrKind { return KindFlowLabel }
func (a FlowLabel) match(f *Fields) bool {
	return f.Version == IPv6 && f.FlowLabel == a.Value
}
func (a FlowLabel) validate(v IPVersion) error {
	if v != IPv6 {
		return fmt.Errorf("flow label is only defined for IPv6")
	}
	if a.Value > 0xFFFFF {
		return fmt.Errorf("flow label %#x exceeds 20 bits", a.Value)
	}
	return nil
}

// Fragment matches any IP fragment.
type Fragment struct{}

func (Fragment) Kind() AttrKind           { return KindFragment }
func (Fragment) match(f *Fields) bool     { return f.Fragment }
func (Fragment) validate(IPVersion) error { return nil }

// PureAck matches TCP segments carrying only an acknowledgement.
type PureAck struct{}

func (PureAck) Kind() AttrKind           { return KindPureAck }
func (PureAck) match(f *Fields) bool     { return f.PureAck }
func (PureAck) validate(IPVersion) error { return nil }

// VLAN matches the 802.1Q VLAN identifier.
type VLAN struct {
	ID uint16
}

func (VLAN) Kind() AttrKind           { return KindVLAN }
func (a VLAN) match(f *Fields) bool   { return f.HasVLAN && f.VLANID == a.ID }
func (a VLAN) validate(IPVersion) error {
	if a.ID > 0x0FFF {
		return fmt.Errorf("vlan id %d exceeds 12 bits", a.ID)
	}
	return nil
}

// Version matches the packet's IP version.
type Version struct {
	IP IPVersion
}

func (Version) Kind() AttrKind         { return KindVersion }
func (a Version) match(f *Fields) bool { return f.Version == a.IP }
func (a Version) validate(v IPVersion) error {
	if a.IP != v {
		return fmt.Errorf("version %s in a %s scope", a.IP, v)
	}
	return nil
}

// PrefixMask returns the address mask with the leading bits set for the
// given family, e.g. PrefixMask(IPv4, 24) is 255.255.255.0.
func PrefixMask(v IPVersion, bits int) (netip.Addr, error) {
	width := 32
	if v == IPv6 {
		width = 128
	}
	if bits < 0 || bits > width {
		return netip.Addr{}, fmt.Errorf("prefix length %d out of range for %s", bits, v)
	}
	b := make([]byte, width/8)
	for i := 0; i < bits; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr, nil
}

func maskedEqual(field, value, mask netip.Addr) bool {
	if !field.IsValid() {
		return false
	}
	field = field.Unmap()
	if field.BitLen() != value.BitLen() {
		return false
	}
	fb, vb, mb := field.As16(), value.As16(), mask.As16()
	for i := range fb {
		if fb[i]&mb[i] != vb[i]&mb[i] {
			return false
		}
	}
	return true
}

func validateAddr(addr, mask netip.Addr, v IPVersion) error {
	if !addr.IsValid() || !mask.IsValid() {
		return fmt.Errorf("address and mask are required")
	}
	if addr.Is4() != (v == IPv4) {
		return fmt.Errorf("address %s does not belong to a %s scope", addr, v)
	}
	if mask.BitLen() != addr.BitLen() {
		return fmt.Errorf("mask %s does not match address family of %s", mask, addr)
	}
	if isZero(mask) && !isZero(addr) {
		return fmt.Errorf("address %s with zero mask", addr)
	}
	return nil
}

func isZero(a netip.Addr) bool {
	for _, b := range a.AsSlice() {
		if b != 0 {
			return false
		}
	}
	return true
}

func validateRange(lo, hi uint16) error {
	if lo > hi {
		return fmt.Errorf("port range %d-%d is inverted", lo, hi)
	}
	return nil
}
