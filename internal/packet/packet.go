// Package packet extracts classification fields from raw frames.
//
// It sits in front of the filter engine: ParseFrame takes an Ethernet frame
// (optionally 802.1Q tagged) and ParseIP a bare IPv4 or IPv6 datagram, and
// both return the filter.Fields the engine matches on.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"grimm.is/pktfilter/internal/filter"
)

var (
	// ErrTruncated is returned when a header is cut short.
	ErrTruncated = errors.New("packet truncated")
	// ErrUnsupported is returned for frames that carry neither IPv4 nor IPv6.
	ErrUnsupported = errors.New("unsupported packet")
)

// EtherTypes understood by ParseFrame.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86DD
	EtherTypeVLAN uint16 = 0x8100
	EtherTypeQinQ uint16 = 0x88A8
)

const (
	ethHeaderLen    = 14
	vlanTagLen      = 4
	ipv4FlagMF      = 0x2000
	ipv4FragOffMask = 0x1FFF
	tcpFlagFIN      = 0x01
	tcpFlagSYN      = 0x02
	tcpFlagRST      = 0x04
	tcpFlagACK      = 0x10
	tcpMinHeaderLen = 20
)

// IPv6 extension headers walked before the transport header.
const (
	nhHopByHop    = 0
	nhRouting     = 43
	nhFragment    = 44
	nhAuth        = 51
	nhDestOptions = 60
)

// ParseFrame extracts fields from an Ethernet II frame. The outermost 802.1Q
// (or 802.1ad) tag, if any, supplies the VLAN id.
func ParseFrame(b []byte) (filter.Fields, error) {
	if len(b) < ethHeaderLen {
		return filter.Fields{}, fmt.Errorf("%w: ethernet header needs %d bytes, have %d", ErrTruncated, ethHeaderLen, len(b))
	}

	var (
		tagged bool
		vlanID uint16
	)
	off := 12
	etype := binary.BigEndian.Uint16(b[off:])
	for etype == EtherTypeVLAN || etype == EtherTypeQinQ {
		if len(b) < off+2+vlanTagLen {
			return filter.Fields{}, fmt.Errorf("%w: vlan tag", ErrTruncated)
		}
		if !tagged {
			tagged = true
			vlanID = binary.BigEndian.Uint16(b[off+2:]) & 0x0FFF
		}
		off += vlanTagLen
		etype = binary.BigEndian.Uint16(b[off:])
	}
	payload := b[off+2:]

	var (
		f   filter.Fields
		err error
	)
	switch etype {
	case EtherTypeIPv4:
		f, err = parseIPv4(payload)
	case EtherTypeIPv6:
		f, err = parseIPv6(payload)
	default:
		return filter.Fields{}, fmt.Errorf("%w: ethertype %#04x", ErrUnsupported, etype)
	}
	if err != nil {
		return filter.Fields{}, err
	}
	f.HasVLAN = tagged
	f.VLANID = vlanID
	return f, nil
}

// ParseIP extracts fields from a bare IP datagram, dispatching on the
// version nibble.
func ParseIP(b []byte) (filter.Fields, error) {
	if len(b) == 0 {
		return filter.Fields{}, fmt.Errorf("%w: empty datagram", ErrTruncated)
	}
	switch b[0] >> 4 {
	case 4:
		return parseIPv4(b)
	case 6:
		return parseIPv6(b)
	}
	return filter.Fields{}, fmt.Errorf("%w: ip version %d", ErrUnsupported, b[0]>>4)
}

func parseIPv4(b []byte) (filter.Fields, error) {
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return filter.Fields{}, fmt.Errorf("%w: ipv4: %v", ErrTruncated, err)
	}
	if h.Version != ipv4.Version {
		return filter.Fields{}, fmt.Errorf("%w: ipv4 header carries version %d", ErrUnsupported, h.Version)
	}
	if h.Len < ipv4.HeaderLen {
		return filter.Fields{}, fmt.Errorf("%w: ipv4 header length %d", ErrTruncated, h.Len)
	}

	f := filter.Fields{
		Version:  filter.IPv4,
		Src:      addrFrom(h.Src),
		Dst:      addrFrom(h.Dst),
		Protocol: uint8(h.Protocol),
		TOS:      uint8(h.TOS),
	}

	// ParseHeader reads the fragment word in host order on some BSDs.
	frag := binary.BigEndian.Uint16(b[6:8])
	offset := frag & ipv4FragOffMask
	f.Fragment = frag&ipv4FlagMF != 0 || offset != 0

	end := len(b)
	if total := int(binary.BigEndian.Uint16(b[2:4])); total >= h.Len && total < end {
		end = total
	}
	if offset == 0 {
		transport(&f, b[h.Len:end])
	}
	return f, nil
}

func parseIPv6(b []byte) (filter.Fields, error) {
	h, err := ipv6.ParseHeader(b)
	if err != nil {
		return filter.Fields{}, fmt.Errorf("%w: ipv6: %v", ErrTruncated, err)
	}
	if h.Version != ipv6.Version {
		return filter.Fields{}, fmt.Errorf("%w: ipv6 header carries version %d", ErrUnsupported, h.Version)
	}

	f := filter.Fields{
		Version:   filter.IPv6,
		Src:       addrFrom(h.Src),
		Dst:       addrFrom(h.Dst),
		TOS:       uint8(h.TrafficClass),
		FlowLabel: uint32(h.FlowLabel),
	}

	end := len(b)
	if total := ipv6.HeaderLen + h.PayloadLen; h.PayloadLen > 0 && total < end {
		end = total
	}

	next := uint8(h.NextHeader)
	off := ipv6.HeaderLen
	firstFragment := true
walk:
	for {
		switch next {
		case nhHopByHop, nhRouting, nhDestOptions:
			if end < off+8 {
				return filter.Fields{}, fmt.Errorf("%w: ipv6 extension header %d", ErrTruncated, next)
			}
			next, off = b[off], off+(int(b[off+1])+1)*8
		case nhAuth:
			if end < off+8 {
				return filter.Fields{}, fmt.Errorf("%w: ipv6 authentication header", ErrTruncated)
			}
			next, off = b[off], off+(int(b[off+1])+2)*4
		case nhFragment:
			if end < off+8 {
				return filter.Fields{}, fmt.Errorf("%w: ipv6 fragment header", ErrTruncated)
			}
			word := binary.BigEndian.Uint16(b[off+2:])
			f.Fragment = true
			firstFragment = word>>3 == 0
			next, off = b[off], off+8
		default:
			break walk
		}
		if off > end {
			return filter.Fields{}, fmt.Errorf("%w: ipv6 extension header chain", ErrTruncated)
		}
	}

	f.Protocol = next
	if firstFragment {
		transport(&f, b[off:end])
	}
	return f, nil
}

// transport fills ports and the pure-ack flag from the transport header.
// Missing bytes leave the fields zero; the network header alone is enough
// to classify.
func transport(f *filter.Fields, seg []byte) {
	switch f.Protocol {
	case filter.ProtoTCP, filter.ProtoUDP, filter.ProtoSCTP, filter.ProtoUDPLite:
	default:
		return
	}
	if len(seg) < 4 {
		return
	}
	f.SrcPort = binary.BigEndian.Uint16(seg[0:2])
	f.DstPort = binary.BigEndian.Uint16(seg[2:4])

	if f.Protocol != filter.ProtoTCP || len(seg) < tcpMinHeaderLen || f.Fragment {
		return
	}
	hl := int(seg[12]>>4) * 4
	flags := seg[13]
	f.PureAck = flags&tcpFlagACK != 0 &&
		flags&(tcpFlagSYN|tcpFlagFIN|tcpFlagRST) == 0 &&
		hl >= tcpMinHeaderLen && len(seg) == hl
}

func addrFrom(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}
