// Package packet defines the parsed packet model shared by the codec, the
// checksum engine and the capture handle.
package packet

import (
	"firestige.xyz/divert/internal/core/addr"
	"firestige.xyz/divert/internal/core/layout"
)

// View is a range over a packet's backing buffer.
type View struct {
	Offset int
	Length int
}

// End is the offset one past the last byte of the view.
func (v View) End() int { return v.Offset + v.Length }

// Packet is a parsed view over one raw buffer.
//
// Exactly one of IPv4 and IPv6 is set. At most one transport header is set.
// Edits to header fields are not reflected in Raw until the packet is
// encoded again; Raw always holds the bytes the packet was decoded from (or
// last re-encoded into), and Payload indexes into Raw.
type Packet struct {
	IPv4 *layout.IPv4Header
	IPv6 *layout.IPv6Header

	TCP    *layout.TCPHeader
	UDP    *layout.UDPHeader
	ICMP   *layout.ICMPHeader
	ICMPv6 *layout.ICMPv6Header

	Raw     []byte
	Payload View
}

// NetworkKind identifies the network-layer variant.
type NetworkKind uint8

const (
	NetworkNone NetworkKind = iota
	NetworkIPv4
	NetworkIPv6
)

// TransportKind identifies the transport-layer variant.
type TransportKind uint8

const (
	TransportNone TransportKind = iota
	TransportTCP
	TransportUDP
	TransportICMP
	TransportICMPv6
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportICMP:
		return "icmp"
	case TransportICMPv6:
		return "icmpv6"
	default:
		return "none"
	}
}

// Network returns which network header is present.
func (p *Packet) Network() NetworkKind {
	switch {
	case p.IPv4 != nil:
		return NetworkIPv4
	case p.IPv6 != nil:
		return NetworkIPv6
	default:
		return NetworkNone
	}
}

// Transport returns which transport header is present.
func (p *Packet) Transport() TransportKind {
	switch {
	case p.TCP != nil:
		return TransportTCP
	case p.UDP != nil:
		return TransportUDP
	case p.ICMP != nil:
		return TransportICMP
	case p.ICMPv6 != nil:
		return TransportICMPv6
	default:
		return TransportNone
	}
}

// Protocol returns the IPv4 protocol or IPv6 next-header field.
func (p *Packet) Protocol() uint8 {
	switch {
	case p.IPv4 != nil:
		return p.IPv4.Protocol
	case p.IPv6 != nil:
		return p.IPv6.NextHeader
	default:
		return 0
	}
}

// PayloadBytes returns the payload slice of Raw. It aliases Raw.
func (p *Packet) PayloadBytes() []byte {
	if p.Payload.Length == 0 {
		return nil
	}
	return p.Raw[p.Payload.Offset:p.Payload.End()]
}

// SrcAddr returns the source address of the network header.
func (p *Packet) SrcAddr() addr.Address {
	switch {
	case p.IPv4 != nil:
		return addr.FromIPv4(p.IPv4.SrcAddr)
	case p.IPv6 != nil:
		return p.IPv6.SrcAddr
	default:
		return addr.Address{}
	}
}

// DstAddr returns the destination address of the network header.
func (p *Packet) DstAddr() addr.Address {
	switch {
	case p.IPv4 != nil:
		return addr.FromIPv4(p.IPv4.DstAddr)
	case p.IPv6 != nil:
		return p.IPv6.DstAddr
	default:
		return addr.Address{}
	}
}

// SetDstAddr rewrites the destination address; a must match the packet's family.
func (p *Packet) SetDstAddr(a addr.Address) {
	switch {
	case p.IPv4 != nil:
		p.IPv4.DstAddr = a.IPv4()
	case p.IPv6 != nil:
		p.IPv6.DstAddr = a
	}
}

// SetSrcAddr rewrites the source address; a must match the packet's family.
func (p *Packet) SetSrcAddr(a addr.Address) {
	switch {
	case p.IPv4 != nil:
		p.IPv4.SrcAddr = a.IPv4()
	case p.IPv6 != nil:
		p.IPv6.SrcAddr = a
	}
}

// Ports returns the transport ports, or zeros when the transport has none.
func (p *Packet) Ports() (src, dst uint16) {
	switch {
	case p.TCP != nil:
		return p.TCP.SrcPort, p.TCP.DstPort
	case p.UDP != nil:
		return p.UDP.SrcPort, p.UDP.DstPort
	default:
		return 0, 0
	}
}
