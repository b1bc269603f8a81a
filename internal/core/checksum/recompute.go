package checksum

import (
	"encoding/binary"

	"firestige.xyz/divert/internal/core/addr"
	"firestige.xyz/divert/internal/core/codec"
	"firestige.xyz/divert/internal/core/layout"
	"firestige.xyz/divert/internal/core/packet"
)

// Apply recomputes every checksum applicable to the wire packet raw, in
// place. Transport checksums of IPv4 fragments are left untouched because
// they cover bytes this fragment does not hold.
func Apply(raw []byte) error {
	p, err := codec.Decode(raw, codec.FamilyAny)
	if err != nil {
		return err
	}
	apply(p)
	return nil
}

// apply rewrites the checksums of p.Raw in place and mirrors them into p's
// headers. p must come straight from codec.Decode.
func apply(p *packet.Packet) {
	raw := p.Raw

	var (
		netLen int
		ph     Pseudo
	)
	switch {
	case p.IPv4 != nil:
		netLen = int(p.IPv4.IHL) * 4
		c := IPv4Header(raw[:netLen])
		binary.BigEndian.PutUint16(raw[layout.IPv4ChecksumOffset:], c)
		p.IPv4.Checksum = c
		if p.IPv4.IsFragment() {
			return
		}
		ph = Pseudo{
			Src:      addr.FromIPv4(p.IPv4.SrcAddr),
			Dst:      addr.FromIPv4(p.IPv4.DstAddr),
			Protocol: p.IPv4.Protocol,
		}
	case p.IPv6 != nil:
		netLen = layout.IPv6Size
		ph = Pseudo{
			Src:      p.IPv6.SrcAddr,
			Dst:      p.IPv6.DstAddr,
			IPv6:     true,
			Protocol: p.IPv6.NextHeader,
		}
	}

	upper := raw[netLen:]
	ph.Length = uint32(len(upper))
	payload := p.PayloadBytes()

	switch {
	case p.TCP != nil:
		hdr := upper[:p.Payload.Offset-netLen]
		p.TCP.Checksum = TCP(ph, hdr, payload)
		binary.BigEndian.PutUint16(hdr[layout.TCPChecksumOffset:], p.TCP.Checksum)
	case p.UDP != nil:
		hdr := upper[:layout.UDPSize]
		p.UDP.Checksum = UDP(ph, hdr, payload)
		binary.BigEndian.PutUint16(hdr[layout.UDPChecksumOffset:], p.UDP.Checksum)
	case p.ICMP != nil:
		hdr := upper[:layout.ICMPSize]
		p.ICMP.Checksum = ICMP(hdr, payload)
		binary.BigEndian.PutUint16(hdr[layout.ICMPChecksumOffset:], p.ICMP.Checksum)
	case p.ICMPv6 != nil:
		hdr := upper[:layout.ICMPv6Size]
		p.ICMPv6.Checksum = ICMPv6(ph, hdr, payload)
		binary.BigEndian.PutUint16(hdr[layout.ICMPChecksumOffset:], p.ICMPv6.Checksum)
	}
}

// RecomputeAll re-encodes p, recomputes every applicable checksum and
// adopts the result: p.Raw becomes the new buffer, header fields (lengths
// and checksums included) match it and p.Payload indexes into it. Existing
// header pointers are updated in place. Calling it twice without an
// intervening mutation yields identical bytes.
func RecomputeAll(p *packet.Packet) error {
	buf, err := codec.Encode(p)
	if err != nil {
		return err
	}
	hint := codec.FamilyIPv4
	if p.IPv6 != nil {
		hint = codec.FamilyIPv6
	}
	q, err := codec.Decode(buf, hint)
	if err != nil {
		return err
	}
	apply(q)
	adopt(p, q)
	return nil
}

// adopt moves q's state into p, reusing p's header structs where both exist.
func adopt(p, q *packet.Packet) {
	p.IPv4 = into(p.IPv4, q.IPv4)
	p.IPv6 = into(p.IPv6, q.IPv6)
	p.TCP = into(p.TCP, q.TCP)
	p.UDP = into(p.UDP, q.UDP)
	p.ICMP = into(p.ICMP, q.ICMP)
	p.ICMPv6 = into(p.ICMPv6, q.ICMPv6)
	p.Raw = q.Raw
	p.Payload = q.Payload
}

func into[T any](dst, src *T) *T {
	if dst == nil || src == nil {
		return src
	}
	*dst = *src
	return dst
}
