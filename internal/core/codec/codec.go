// Package codec translates raw network-layer buffers into packet.Packet views
// and serializes them back.
//
// IPv6 extension headers are not parsed. When the IPv6 next header is not a
// recognised transport protocol the packet carries no transport header and
// every byte after the 40-byte base header, extension headers included, is
// opaque payload. This matches the driver helper's behaviour and is kept on
// purpose.
package codec

import (
	"fmt"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/core/layout"
	"firestige.xyz/divert/internal/core/packet"
)

// Family is the address family hint passed to Decode.
type Family uint8

const (
	// FamilyAny lets the version nibble decide.
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "any"
	}
}

const maxPacketSize = 0xFFFF

// Decode parses raw into a Packet. The returned packet keeps raw as its
// backing buffer: header options and the payload view alias it.
//
// A hint other than FamilyAny is authoritative and must agree with the
// version nibble.
func Decode(raw []byte, hint Family) (*packet.Packet, error) {
	if len(raw) == 0 {
		return nil, core.ErrPacketTooShort
	}

	p := &packet.Packet{Raw: raw}
	version := raw[0] >> 4

	switch {
	case version == 4 && hint != FamilyIPv6:
		if err := decodeIPv4(p); err != nil {
			return nil, err
		}
	case version == 6 && hint != FamilyIPv4:
		if err := decodeIPv6(p); err != nil {
			return nil, err
		}
	case version == 4 || version == 6:
		return nil, fmt.Errorf("%w: version %d does not match %s hint", core.ErrUnsupportedProto, version, hint)
	default:
		return nil, fmt.Errorf("%w: ip version %d", core.ErrUnsupportedProto, version)
	}
	return p, nil
}

func decodeIPv4(p *packet.Packet) error {
	raw := p.Raw
	if len(raw) < layout.IPv4MinSize {
		return fmt.Errorf("%w: ipv4 header needs %d bytes, got %d", core.ErrPacketTooShort, layout.IPv4MinSize, len(raw))
	}

	// IHL is in 32-bit words
	hdrLen := int(raw[0]&0x0F) * 4
	if hdrLen < layout.IPv4MinSize || len(raw) < hdrLen {
		return fmt.Errorf("%w: ipv4 header length %d, buffer %d", core.ErrPacketTooShort, hdrLen, len(raw))
	}

	ip := &layout.IPv4Header{}
	ip.Read(raw)
	p.IPv4 = ip

	// Non-first fragments start with payload bytes, not a transport header.
	if ip.FragOffset != 0 {
		setPayload(p, hdrLen)
		return nil
	}

	switch ip.Protocol {
	case layout.ProtoTCP, layout.ProtoUDP, layout.ProtoICMP:
		return decodeTransport(p, ip.Protocol, hdrLen)
	default:
		setPayload(p, hdrLen)
		return nil
	}
}

func decodeIPv6(p *packet.Packet) error {
	raw := p.Raw
	if len(raw) < layout.IPv6Size {
		return fmt.Errorf("%w: ipv6 header needs %d bytes, got %d", core.ErrPacketTooShort, layout.IPv6Size, len(raw))
	}

	ip := &layout.IPv6Header{}
	ip.Read(raw)
	p.IPv6 = ip

	switch ip.NextHeader {
	case layout.ProtoTCP, layout.ProtoUDP, layout.ProtoICMPv6:
		return decodeTransport(p, ip.NextHeader, layout.IPv6Size)
	default:
		// extension headers and unknown protocols stay opaque
		setPayload(p, layout.IPv6Size)
		return nil
	}
}

// decodeTransport reads the transport header starting at off.
func decodeTransport(p *packet.Packet, proto uint8, off int) error {
	data := p.Raw[off:]

	switch proto {
	case layout.ProtoTCP:
		if len(data) < layout.TCPMinSize {
			return fmt.Errorf("%w: tcp header needs %d bytes, got %d", core.ErrPacketTooShort, layout.TCPMinSize, len(data))
		}
		// Data offset is in 32-bit words
		hdrLen := int(data[12]>>4) * 4
		if hdrLen < layout.TCPMinSize || len(data) < hdrLen {
			return fmt.Errorf("%w: tcp header length %d, remaining %d", core.ErrPacketTooShort, hdrLen, len(data))
		}
		tcp := &layout.TCPHeader{}
		tcp.Read(data)
		p.TCP = tcp
		setPayload(p, off+hdrLen)

	case layout.ProtoUDP:
		if len(data) < layout.UDPSize {
			return fmt.Errorf("%w: udp header needs %d bytes, got %d", core.ErrPacketTooShort, layout.UDPSize, len(data))
		}
		udp := &layout.UDPHeader{}
		udp.Read(data)
		p.UDP = udp
		setPayload(p, off+layout.UDPSize)

	case layout.ProtoICMP:
		if len(data) < layout.ICMPSize {
			return fmt.Errorf("%w: icmp header needs %d bytes, got %d", core.ErrPacketTooShort, layout.ICMPSize, len(data))
		}
		icmp := &layout.ICMPHeader{}
		icmp.Read(data)
		p.ICMP = icmp
		setPayload(p, off+layout.ICMPSize)

	case layout.ProtoICMPv6:
		if len(data) < layout.ICMPv6Size {
			return fmt.Errorf("%w: icmpv6 header needs %d bytes, got %d", core.ErrPacketTooShort, layout.ICMPv6Size, len(data))
		}
		icmp := &layout.ICMPv6Header{}
		icmp.Read(data)
		p.ICMPv6 = icmp
		setPayload(p, off+layout.ICMPv6Size)
	}
	return nil
}

func setPayload(p *packet.Packet, off int) {
	p.Payload = packet.View{Offset: off, Length: len(p.Raw) - off}
}

// Encode serializes p into a newly allocated buffer: network header,
// transport header, then payload. Length fields (IPv4 IHL and total length,
// IPv6 payload length, TCP data offset, UDP length) are recomputed from the
// actual sizes and written back into p's headers. The UDP length of an IPv4
// fragment is kept as decoded. Checksums are written as
// they are; see the checksum package to recompute them.
func Encode(p *packet.Packet) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	payload := p.PayloadBytes()

	netLen := layout.IPv6Size
	if p.IPv4 != nil {
		netLen = p.IPv4.Size()
	}
	transLen := 0
	switch {
	case p.TCP != nil:
		transLen = p.TCP.Size()
	case p.UDP != nil:
		transLen = layout.UDPSize
	case p.ICMP != nil:
		transLen = layout.ICMPSize
	case p.ICMPv6 != nil:
		transLen = layout.ICMPv6Size
	}

	total := netLen + transLen + len(payload)
	upper := transLen + len(payload)
	if p.IPv4 != nil && total > maxPacketSize {
		return nil, fmt.Errorf("%w: ipv4 total length %d exceeds %d", core.ErrEncoding, total, maxPacketSize)
	}
	if p.IPv6 != nil && upper > maxPacketSize {
		return nil, fmt.Errorf("%w: ipv6 payload length %d exceeds %d", core.ErrEncoding, upper, maxPacketSize)
	}

	buf := make([]byte, total)

	if p.IPv4 != nil {
		p.IPv4.IHL = uint8(netLen / 4)
		p.IPv4.Length = uint16(total)
		p.IPv4.Write(buf)
	} else {
		p.IPv6.PayloadLength = uint16(upper)
		p.IPv6.Write(buf)
	}

	th := buf[netLen:]
	switch {
	case p.TCP != nil:
		p.TCP.DataOffset = uint8(transLen / 4)
		p.TCP.Write(th)
	case p.UDP != nil:
		// A first fragment's UDP length covers the whole datagram.
		if p.IPv4 == nil || !p.IPv4.IsFragment() {
			p.UDP.Length = uint16(upper)
		}
		p.UDP.Write(th)
	case p.ICMP != nil:
		p.ICMP.Write(th)
	case p.ICMPv6 != nil:
		p.ICMPv6.Write(th)
	}

	copy(buf[netLen+transLen:], payload)
	return buf, nil
}

// validate rejects packets whose fields cannot be represented on the wire.
func validate(p *packet.Packet) error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", core.ErrEncoding)
	}

	switch p.Network() {
	case packet.NetworkNone:
		return fmt.Errorf("%w: no network header", core.ErrEncoding)
	case packet.NetworkIPv4:
		if p.IPv6 != nil {
			return fmt.Errorf("%w: both ipv4 and ipv6 headers set", core.ErrEncoding)
		}
		ip := p.IPv4
		if ip.Flags > 0x7 {
			return fmt.Errorf("%w: ipv4 flags %#x exceed 3 bits", core.ErrEncoding, ip.Flags)
		}
		if ip.FragOffset > 0x1FFF {
			return fmt.Errorf("%w: ipv4 fragment offset %d exceeds 13 bits", core.ErrEncoding, ip.FragOffset)
		}
		if err := validateOptions("ipv4", ip.Options); err != nil {
			return err
		}
	case packet.NetworkIPv6:
		if p.IPv6.FlowLabel > 0xFFFFF {
			return fmt.Errorf("%w: ipv6 flow label %#x exceeds 20 bits", core.ErrEncoding, p.IPv6.FlowLabel)
		}
	}

	n := 0
	for _, set := range []bool{p.TCP != nil, p.UDP != nil, p.ICMP != nil, p.ICMPv6 != nil} {
		if set {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%w: %d transport headers set", core.ErrEncoding, n)
	}

	proto := p.Protocol()
	switch p.Transport() {
	case packet.TransportTCP:
		if proto != layout.ProtoTCP {
			return mismatch(p, proto)
		}
		if p.TCP.Reserved > 0x7 {
			return fmt.Errorf("%w: tcp reserved bits %#x exceed 3 bits", core.ErrEncoding, p.TCP.Reserved)
		}
		if p.TCP.Flags > 0x1FF {
			return fmt.Errorf("%w: tcp flags %#x exceed 9 bits", core.ErrEncoding, p.TCP.Flags)
		}
		if err := validateOptions("tcp", p.TCP.Options); err != nil {
			return err
		}
	case packet.TransportUDP:
		if proto != layout.ProtoUDP {
			return mismatch(p, proto)
		}
	case packet.TransportICMP:
		if p.IPv4 == nil || proto != layout.ProtoICMP {
			return mismatch(p, proto)
		}
	case packet.TransportICMPv6:
		if p.IPv6 == nil || proto != layout.ProtoICMPv6 {
			return mismatch(p, proto)
		}
	}

	if p.Payload.Offset < 0 || p.Payload.Length < 0 || p.Payload.End() > len(p.Raw) {
		return fmt.Errorf("%w: payload view [%d,%d) outside buffer of %d bytes",
			core.ErrEncoding, p.Payload.Offset, p.Payload.End(), len(p.Raw))
	}
	return nil
}

func validateOptions(where string, opts []byte) error {
	if len(opts)%4 != 0 {
		return fmt.Errorf("%w: %s options length %d is not a multiple of 4", core.ErrEncoding, where, len(opts))
	}
	if len(opts) > layout.MaxOptionsSize {
		return fmt.Errorf("%w: %s options length %d exceeds %d", core.ErrEncoding, where, len(opts), layout.MaxOptionsSize)
	}
	return nil
}

func mismatch(p *packet.Packet, proto uint8) error {
	return fmt.Errorf("%w: %s header with protocol %d", core.ErrEncoding, p.Transport(), proto)
}
