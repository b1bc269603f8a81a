// Package checksum computes the IPv4, TCP, UDP, ICMP and ICMPv6 checksums
// (RFC 791/793/768/792/4443) and rewrites them on packets after mutation.
//
// A checksum mismatch is never an error: recomputation always overwrites
// the field.
package checksum

import (
	"encoding/binary"

	"firestige.xyz/divert/internal/core/addr"
	"firestige.xyz/divert/internal/core/layout"
)

// sum is a running ones' complement sum of 16-bit big-endian words.
// Carries accumulate in the upper half and are folded back at the end.
type sum struct {
	acc uint32
}

func (s *sum) addUint16(v uint16) { s.acc += uint32(v) }

func (s *sum) addUint32(v uint32) {
	s.addUint16(uint16(v >> 16))
	s.addUint16(uint16(v))
}

// addEven adds b, whose length must be even.
func (s *sum) addEven(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		s.acc += uint32(binary.BigEndian.Uint16(b[i:]))
	}
}

// addPadded adds b, padding an odd trailing byte with a zero for summation only.
func (s *sum) addPadded(b []byte) {
	odd := len(b) & 1
	s.addEven(b[:len(b)-odd])
	if odd != 0 {
		s.acc += uint32(b[len(b)-1]) << 8
	}
}

// addSkipping adds an even-length header, treating the 16-bit field at off as zero.
func (s *sum) addSkipping(hdr []byte, off int) {
	s.addEven(hdr[:off])
	s.addEven(hdr[off+2:])
}

// fold returns the ones' complement of the folded sum.
func (s *sum) fold() uint16 {
	v := s.acc
	v = v&0xffff + v>>16
	// at most 0x1fffe here, one more round is enough
	return ^uint16(v + v>>16)
}

// Pseudo is the transport pseudo header mixed into TCP, UDP and ICMPv6
// checksums. Length is the upper-layer length (transport header + payload).
type Pseudo struct {
	Src, Dst addr.Address
	IPv6     bool
	Protocol uint8
	Length   uint32
}

func (ph Pseudo) addTo(s *sum) {
	if ph.IPv6 {
		s.addEven(ph.Src[:])
		s.addEven(ph.Dst[:])
		s.addUint32(ph.Length)
		s.addUint32(uint32(ph.Protocol))
		return
	}
	s.addUint32(ph.Src.IPv4())
	s.addUint32(ph.Dst.IPv4())
	s.addUint16(uint16(ph.Protocol))
	s.addUint16(uint16(ph.Length))
}

// IPv4Header returns the header checksum of hdr (fixed part plus options).
// The checksum field inside hdr is ignored.
func IPv4Header(hdr []byte) uint16 {
	var s sum
	s.addSkipping(hdr, layout.IPv4ChecksumOffset)
	return s.fold()
}

// TCP returns the TCP checksum over ph, header (checksum field ignored) and payload.
func TCP(ph Pseudo, header, payload []byte) uint16 {
	return transport(ph, header, layout.TCPChecksumOffset, payload)
}

// UDP returns the UDP checksum. A computed zero is sent as 0xFFFF because
// zero on the wire means no checksum.
func UDP(ph Pseudo, header, payload []byte) uint16 {
	c := transport(ph, header, layout.UDPChecksumOffset, payload)
	if c == 0 {
		return 0xffff
	}
	return c
}

// ICMP returns the ICMP checksum. ICMP has no pseudo header.
func ICMP(header, payload []byte) uint16 {
	var s sum
	s.addSkipping(header, layout.ICMPChecksumOffset)
	s.addPadded(payload)
	return s.fold()
}

// ICMPv6 returns the ICMPv6 checksum, which unlike ICMP covers a pseudo header.
func ICMPv6(ph Pseudo, header, payload []byte) uint16 {
	return transport(ph, header, layout.ICMPChecksumOffset, payload)
}

func transport(ph Pseudo, header []byte, off int, payload []byte) uint16 {
	var s sum
	ph.addTo(&s)
	s.addSkipping(header, off)
	s.addPadded(payload)
	return s.fold()
}
