// Package testutil builds raw frames for tests of the packet and API layers.
package testutil

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"golang.org/x/net/ipv4"
)

// IP protocol numbers used by the builders.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// TCP flag bits.
const (
	TCPFin = 0x01
	TCPSyn = 0x02
	TCPRst = 0x04
	TCPAck = 0x10
)

// UDP returns a UDP header followed by payload.
func UDP(src, dst uint16, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint16(b[0:], src)
	binary.BigEndian.PutUint16(b[2:], dst)
	binary.BigEndian.PutUint16(b[4:], uint16(8+len(payload)))
	return append(b, payload...)
}

// TCP returns a 20-byte TCP header with the given flags followed by payload.
func TCP(src, dst uint16, flags byte, payload []byte) []byte {
	b := make([]byte, 20, 20+len(payload))
	binary.BigEndian.PutUint16(b[0:], src)
	binary.BigEndian.PutUint16(b[2:], dst)
	b[12] = 5 << 4
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:], 65535)
	return append(b, payload...)
}

// IPv4Opts tunes the IPv4 header built by IPv4.
type IPv4Opts struct {
	TOS           int
	MoreFragments bool
	FragOff       int // in 8-byte units
}

// IPv4 wraps payload in an IPv4 header.
func IPv4(t testing.TB, src, dst string, proto int, opts IPv4Opts, payload []byte) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      opts.TOS,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: proto,
		FragOff:  opts.FragOff,
		Src:      net.ParseIP(src).To4(),
		Dst:      net.ParseIP(dst).To4(),
	}
	if opts.MoreFragments {
		h.Flags = ipv4.MoreFragments
	}
	b, err := h.Marshal()
	if err != nil {
		t.Fatalf("marshal ipv4 header: %v", err)
	}
	return append(b, payload...)
}

// IPv6Opts tunes the IPv6 header built by IPv6.
type IPv6Opts struct {
	TrafficClass uint8
	FlowLabel    uint32
	// Extension headers are chained in front of the transport header.
	HopByHop bool
	Fragment *IPv6Fragment
}

// IPv6Fragment describes a fragment extension header.
type IPv6Fragment struct {
	Offset int // in 8-byte units
	More   bool
}

// IPv6 wraps payload in an IPv6 header and the requested extension headers.
func IPv6(t testing.TB, src, dst string, proto int, opts IPv6Opts, payload []byte) []byte {
	t.Helper()
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)

	var ext []byte
	next := byte(proto)
	if opts.Fragment != nil {
		fh := make([]byte, 8)
		fh[0] = next
		word := uint16(opts.Fragment.Offset << 3)
		if opts.Fragment.More {
			word |= 1
		}
		binary.BigEndian.PutUint16(fh[2:], word)
		binary.BigEndian.PutUint32(fh[4:], 0xcafe)
		ext = append(fh, ext...)
		next = 44
	}
	if opts.HopByHop {
		hh := make([]byte, 8)
		hh[0] = next
		hh[2] = 1 // PadN
		hh[3] = 4
		ext = append(hh, ext...)
		next = 0
	}

	b := make([]byte, 40, 40+len(ext)+len(payload))
	binary.BigEndian.PutUint32(b[0:], 6<<28|uint32(opts.TrafficClass)<<20|opts.FlowLabel&0xFFFFF)
	binary.BigEndian.PutUint16(b[4:], uint16(len(ext)+len(payload)))
	b[6] = next
	b[7] = 64
	sa, da := s.As16(), d.As16()
	copy(b[8:], sa[:])
	copy(b[24:], da[:])
	b = append(b, ext...)
	return append(b, payload...)
}

// Ethernet wraps an IP datagram in an Ethernet II header. A non-nil vlan
// inserts an 802.1Q tag.
func Ethernet(datagram []byte, vlan *uint16) []byte {
	etype := uint16(0x0800)
	if len(datagram) > 0 && datagram[0]>>4 == 6 {
		etype = 0x86DD
	}
	b := []byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x02, 0x00, 0x00, 0x00, 0x00, 0x02,
	}
	if vlan != nil {
		b = binary.BigEndian.AppendUint16(b, 0x8100)
		b = binary.BigEndian.AppendUint16(b, *vlan&0x0FFF)
	}
	b = binary.BigEndian.AppendUint16(b, etype)
	return append(b, datagram...)
}

// VLAN returns a pointer for Ethernet's vlan argument.
func VLAN(id uint16) *uint16 { return &id }
