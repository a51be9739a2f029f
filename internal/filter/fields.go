package filter

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Fields holds the classification-relevant values extracted from one packet.
// Extraction itself happens outside the engine (see package packet).
type Fields struct {
	Version   IPVersion  `json:"version"`
	Src       netip.Addr `json:"src"`
	Dst       netip.Addr `json:"dst"`
	Protocol  uint8      `json:"protocol"`
	SrcPort   uint16     `json:"src_port,omitempty"`
	DstPort   uint16     `json:"dst_port,omitempty"`
	TOS       uint8      `json:"tos,omitempty"`
	FlowLabel uint32     `json:"flow_label,omitempty"`
	Fragment  bool       `json:"fragment,omitempty"`
	PureAck   bool       `json:"pure_ack,omitempty"`
	HasVLAN   bool       `json:"has_vlan,omitempty"`
	VLANID    uint16     `json:"vlan_id,omitempty"`
}

// Field is a bit set naming packet fields. It selects which fields feed the
// flow fingerprint, and therefore which attributes a hashable rule may use.
type Field uint16

const (
	FieldSrcAddr Field = 1 << iota
	FieldDstAddr
	FieldProtocol
	FieldSrcPort
	FieldDstPort
	FieldTOS
	FieldFlowLabel
	FieldFragment
	FieldPureAck
	FieldVLAN
)

// DefaultFingerprintFields is the classic five-tuple.
const DefaultFingerprintFields = FieldSrcAddr | FieldDstAddr | FieldProtocol | FieldSrcPort | FieldDstPort

var fieldNames = map[Field]string{
	FieldSrcAddr:   "src_addr",
	FieldDstAddr:   "dst_addr",
	FieldProtocol:  "protocol",
	FieldSrcPort:   "src_port",
	FieldDstPort:   "dst_port",
	FieldTOS:       "tos",
	FieldFlowLabel: "flow_label",
	FieldFragment:  "fragment",
	FieldPureAck:   "pure_ack",
	FieldVLAN:      "vlan",
}

// String lists the set bits by name, e.g. "dst_addr,protocol".
func (f Field) String() string {
	var names []string
	for bit, name := range fieldNames {
		if f&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ParseFields builds a field set from names as accepted in configuration.
func ParseFields(names []string) (Field, error) {
	var set Field
	for _, name := range names {
		found := false
		for bit, n := range fieldNames {
			if n == strings.ToLower(strings.TrimSpace(name)) {
				set |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown fingerprint field %q", name)
		}
	}
	return set, nil
}

// carriesPorts reports whether an IP protocol number has a transport header
// that starts with a 16-bit source and destination port.
func carriesPorts(proto uint8) bool {
	switch proto {
	case ProtoTCP, ProtoUDP, ProtoSCTP, ProtoUDPLite:
		return true
	}
	return false
}

// IP protocol numbers the engine needs to know about.
const (
	ProtoICMP    uint8 = 1
	ProtoTCP     uint8 = 6
	ProtoUDP     uint8 = 17
	ProtoICMPv6  uint8 = 58
	ProtoSCTP    uint8 = 132
	ProtoUDPLite uint8 = 136
)
