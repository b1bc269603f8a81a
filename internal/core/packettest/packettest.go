// Package packettest builds well-formed reference packets with gopacket for
// tests of the codec, the checksum engine, drivers and handles.
package packettest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var ipID atomic.Uint32

// Flow describes one packet of a conversation.
type Flow struct {
	Src, Dst         string
	SrcPort, DstPort uint16
	Payload          []byte
}

// TCP builds an IP+TCP packet (PSH|ACK) with valid lengths and checksums.
// The family follows f.Src.
func TCP(f Flow) ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     1000,
		Ack:     2000,
		ACK:     true,
		PSH:     true,
		Window:  65535,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionData: []byte{0x05, 0xb4}},
		},
	}
	return build(f, layers.IPProtocolTCP, tcp, tcp)
}

// UDP builds an IP+UDP packet with valid lengths and checksums.
func UDP(f Flow) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	return build(f, layers.IPProtocolUDP, udp, udp)
}

// UDPFirstFragment builds the first fragment of an IPv4 UDP datagram: MF
// set, offset 0, and a UDP length of datagramLen covering the whole
// datagram. The IPv4 header checksum is valid; the UDP checksum is the one
// of the unfragmented packet.
func UDPFirstFragment(f Flow, datagramLen uint16) ([]byte, error) {
	raw, err := UDP(f)
	if err != nil {
		return nil, err
	}
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("first fragment needs an ipv4 flow, got %q", f.Src)
	}
	ip.Flags = layers.IPv4MoreFragments
	udp := bytes.Clone(ip.Payload)
	binary.BigEndian.PutUint16(udp[4:], datagramLen)
	return Serialize(ip, gopacket.Payload(udp))
}

// Echo builds an ICMP (IPv4) or ICMPv6 (IPv6) echo request.
func Echo(f Flow, id, seq uint16) ([]byte, error) {
	src, _, err := addrs(f)
	if err != nil {
		return nil, err
	}
	if src.To4() != nil {
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       id,
			Seq:      seq,
		}
		return build(f, layers.IPProtocolICMPv4, nil, icmp)
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
	}
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
	return build(f, layers.IPProtocolICMPv6, icmp, icmp, echo)
}

// Must panics on a build error; for test fixtures.
func Must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

type checksummer interface {
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

// build serializes network + transport (+ extra) + payload. csum, when not
// nil, is given the network layer for its pseudo header.
func build(f Flow, proto layers.IPProtocol, csum checksummer, ls ...gopacket.SerializableLayer) ([]byte, error) {
	src, dst, err := addrs(f)
	if err != nil {
		return nil, err
	}

	var netLayer interface {
		gopacket.NetworkLayer
		gopacket.SerializableLayer
	}
	if src.To4() != nil {
		netLayer = &layers.IPv4{
			Version:  4,
			IHL:      5,
			Id:       uint16(ipID.Add(1)),
			Flags:    layers.IPv4DontFragment,
			TTL:      64,
			Protocol: proto,
			SrcIP:    src.To4(),
			DstIP:    dst.To4(),
		}
	} else {
		netLayer = &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      src,
			DstIP:      dst,
		}
	}

	if csum != nil {
		if err := csum.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, fmt.Errorf("failed to set network layer for checksum: %v", err)
		}
	}

	all := append([]gopacket.SerializableLayer{netLayer}, ls...)
	all = append(all, gopacket.Payload(f.Payload))
	return Serialize(all...)
}

// Serialize serializes ls with lengths fixed and checksums computed.
func Serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %v", err)
	}
	return buf.Bytes(), nil
}

func addrs(f Flow) (net.IP, net.IP, error) {
	src, dst := net.ParseIP(f.Src), net.ParseIP(f.Dst)
	if src == nil || dst == nil {
		return nil, nil, fmt.Errorf("invalid flow addresses %q -> %q", f.Src, f.Dst)
	}
	if (src.To4() == nil) != (dst.To4() == nil) {
		return nil, nil, fmt.Errorf("mixed address families %q -> %q", f.Src, f.Dst)
	}
	return src, dst, nil
}
