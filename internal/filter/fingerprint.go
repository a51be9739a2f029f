package filter

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the match cache key: a 64-bit xxhash digest of the packet
// fields selected by the engine's fingerprint field set. The IP version
// always participates, and a missing address hashes apart from "::".
type Fingerprint uint64

// ComputeFingerprint hashes the selected fields of f.
func ComputeFingerprint(f *Fields, set Field) Fingerprint {
	var buf [48]byte
	b := append(buf[:0], byte(f.Version))

	if set&FieldSrcAddr != 0 {
		a := f.Src.Unmap().As16()
		b = append(b, a[:]...)
	}
	if set&FieldDstAddr != 0 {
		a := f.Dst.Unmap().As16()
		b = append(b, a[:]...)
	}
	if set&FieldProtocol != 0 {
		b = append(b, f.Protocol)
	}
	if set&FieldSrcPort != 0 {
		b = binary.BigEndian.AppendUint16(b, f.SrcPort)
	}
	if set&FieldDstPort != 0 {
		b = binary.BigEndian.AppendUint16(b, f.DstPort)
	}
	if set&FieldTOS != 0 {
		b = append(b, f.TOS)
	}
	if set&FieldFlowLabel != 0 {
		b = binary.BigEndian.AppendUint32(b, f.FlowLabel)
	}
	var flags byte
	if set&FieldSrcAddr != 0 && f.Src.IsValid() {
		flags |= 8
	}
	if set&FieldDstAddr != 0 && f.Dst.IsValid() {
		flags |= 16
	}
	if set&FieldFragment != 0 && f.Fragment {
		flags |= 1
	}
	if set&FieldPureAck != 0 && f.PureAck {
		flags |= 2
	}
	if set&FieldVLAN != 0 && f.HasVLAN {
		flags |= 4
		b = binary.BigEndian.AppendUint16(b, f.VLANID)
	}
	b = append(b, flags)

	return Fingerprint(xxhash.Sum64(b))
}
