// Package layout defines the fixed binary layouts of the headers exchanged
// with the diversion driver. It only maps fields to offsets; validation and
// length fix-ups belong to the codec.
package layout

import (
	"encoding/binary"

	"firestige.xyz/divert/internal/core/addr"
)

// Header sizes in bytes.
const (
	IPv4MinSize    = 20
	IPv4MaxSize    = 60
	IPv6Size       = 40
	TCPMinSize     = 20
	TCPMaxSize     = 60
	UDPSize        = 8
	ICMPSize       = 8
	ICMPv6Size     = 8
	MaxOptionsSize = 40
)

// IP protocol numbers recognised by the codec.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// IPv4 field offsets.
const (
	ipv4VersionIHL = 0
	ipv4TOS        = 1
	ipv4Length     = 2
	ipv4ID         = 4
	ipv4FragOff    = 6
	ipv4TTL        = 8
	ipv4Protocol   = 9
	ipv4Checksum   = 10
	ipv4Src        = 12
	ipv4Dst        = 16

	// IPv4ChecksumOffset is the offset of the header checksum.
	IPv4ChecksumOffset = ipv4Checksum
)

// IPv4Header is the IPv4 header. Addresses are network-order integers.
type IPv4Header struct {
	IHL        uint8  // header length in 32-bit words, as decoded
	TOS        uint8
	Length     uint16 // total length, as decoded
	ID         uint16
	Flags      uint8  // 3 bits: reserved, DF, MF
	FragOffset uint16 // 13 bits, in 8-byte units
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	SrcAddr    uint32
	DstAddr    uint32
	Options    []byte
}

// Size is the encoded header size including options.
func (h *IPv4Header) Size() int { return IPv4MinSize + len(h.Options) }

// MoreFragments reports whether the MF flag is set.
func (h *IPv4Header) MoreFragments() bool { return h.Flags&0x1 != 0 }

// IsFragment reports whether the packet is any fragment of a larger datagram.
func (h *IPv4Header) IsFragment() bool { return h.MoreFragments() || h.FragOffset != 0 }

// Read fills h from b. b must hold at least IHL*4 bytes; options alias b.
func (h *IPv4Header) Read(b []byte) {
	h.IHL = b[ipv4VersionIHL] & 0x0F
	h.TOS = b[ipv4TOS]
	h.Length = binary.BigEndian.Uint16(b[ipv4Length:])
	h.ID = binary.BigEndian.Uint16(b[ipv4ID:])
	ff := binary.BigEndian.Uint16(b[ipv4FragOff:])
	h.Flags = uint8(ff >> 13)
	h.FragOffset = ff & 0x1FFF
	h.TTL = b[ipv4TTL]
	h.Protocol = b[ipv4Protocol]
	h.Checksum = binary.BigEndian.Uint16(b[ipv4Checksum:])
	h.SrcAddr = binary.BigEndian.Uint32(b[ipv4Src:])
	h.DstAddr = binary.BigEndian.Uint32(b[ipv4Dst:])
	h.Options = b[IPv4MinSize : int(h.IHL)*4]
}

// Write stores h into b, which must hold Size() bytes. IHL and Length are written as set.
func (h *IPv4Header) Write(b []byte) {
	b[ipv4VersionIHL] = 4<<4 | h.IHL&0x0F
	b[ipv4TOS] = h.TOS
	binary.BigEndian.PutUint16(b[ipv4Length:], h.Length)
	binary.BigEndian.PutUint16(b[ipv4ID:], h.ID)
	binary.BigEndian.PutUint16(b[ipv4FragOff:], uint16(h.Flags)<<13|h.FragOffset&0x1FFF)
	b[ipv4TTL] = h.TTL
	b[ipv4Protocol] = h.Protocol
	binary.BigEndian.PutUint16(b[ipv4Checksum:], h.Checksum)
	binary.BigEndian.PutUint32(b[ipv4Src:], h.SrcAddr)
	binary.BigEndian.PutUint32(b[ipv4Dst:], h.DstAddr)
	copy(b[IPv4MinSize:], h.Options)
}

// IPv6 field offsets.
const (
	ipv6VersionTCFlow = 0
	ipv6PayloadLength = 4
	ipv6NextHeader    = 6
	ipv6HopLimit      = 7
	ipv6Src           = 8
	ipv6Dst           = 24
)

// IPv6Header is the fixed IPv6 base header. Extension headers are not modelled.
type IPv6Header struct {
	TrafficClass  uint8
	FlowLabel     uint32 // 20 bits
	PayloadLength uint16 // as decoded
	NextHeader    uint8
	HopLimit      uint8
	SrcAddr       addr.Address
	DstAddr       addr.Address
}

// Read fills h from b, which must hold IPv6Size bytes.
func (h *IPv6Header) Read(b []byte) {
	w := binary.BigEndian.Uint32(b[ipv6VersionTCFlow:])
	h.TrafficClass = uint8(w >> 20)
	h.FlowLabel = w & 0xFFFFF
	h.PayloadLength = binary.BigEndian.Uint16(b[ipv6PayloadLength:])
	h.NextHeader = b[ipv6NextHeader]
	h.HopLimit = b[ipv6HopLimit]
	copy(h.SrcAddr[:], b[ipv6Src:ipv6Src+16])
	copy(h.DstAddr[:], b[ipv6Dst:ipv6Dst+16])
}

// Write stores h into b, which must hold IPv6Size bytes.
func (h *IPv6Header) Write(b []byte) {
	binary.BigEndian.PutUint32(b[ipv6VersionTCFlow:], 6<<28|uint32(h.TrafficClass)<<20|h.FlowLabel&0xFFFFF)
	binary.BigEndian.PutUint16(b[ipv6PayloadLength:], h.PayloadLength)
	b[ipv6NextHeader] = h.NextHeader
	b[ipv6HopLimit] = h.HopLimit
	copy(b[ipv6Src:], h.SrcAddr[:])
	copy(b[ipv6Dst:], h.DstAddr[:])
}

// TCP field offsets.
const (
	tcpSrcPort  = 0
	tcpDstPort  = 2
	tcpSeq      = 4
	tcpAck      = 8
	tcpOffFlags = 12
	tcpWindow   = 14
	tcpChecksum = 16
	tcpUrgent   = 18

	// TCPChecksumOffset is the offset of the TCP checksum.
	TCPChecksumOffset = tcpChecksum
)

// TCP flag bits as stored in TCPHeader.Flags.
const (
	TCPFlagFIN uint16 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
	TCPFlagNS
)

// TCPHeader is the TCP header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8  // in 32-bit words, as decoded
	Reserved   uint8  // 3 bits
	Flags      uint16 // 9 bits, NS..FIN
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []byte
}

// Size is the encoded header size including options.
func (h *TCPHeader) Size() int { return TCPMinSize + len(h.Options) }

// Read fills h from b. b must hold at least DataOffset*4 bytes; options alias b.
func (h *TCPHeader) Read(b []byte) {
	h.SrcPort = binary.BigEndian.Uint16(b[tcpSrcPort:])
	h.DstPort = binary.BigEndian.Uint16(b[tcpDstPort:])
	h.Seq = binary.BigEndian.Uint32(b[tcpSeq:])
	h.Ack = binary.BigEndian.Uint32(b[tcpAck:])
	of := binary.BigEndian.Uint16(b[tcpOffFlags:])
	h.DataOffset = uint8(of >> 12)
	h.Reserved = uint8(of>>9) & 0x7
	h.Flags = of & 0x1FF
	h.Window = binary.BigEndian.Uint16(b[tcpWindow:])
	h.Checksum = binary.BigEndian.Uint16(b[tcpChecksum:])
	h.Urgent = binary.BigEndian.Uint16(b[tcpUrgent:])
	h.Options = b[TCPMinSize : int(h.DataOffset)*4]
}

// Write stores h into b, which must hold Size() bytes. DataOffset is written as set.
func (h *TCPHeader) Write(b []byte) {
	binary.BigEndian.PutUint16(b[tcpSrcPort:], h.SrcPort)
	binary.BigEndian.PutUint16(b[tcpDstPort:], h.DstPort)
	binary.BigEndian.PutUint32(b[tcpSeq:], h.Seq)
	binary.BigEndian.PutUint32(b[tcpAck:], h.Ack)
	of := uint16(h.DataOffset&0xF)<<12 | uint16(h.Reserved&0x7)<<9 | h.Flags&0x1FF
	binary.BigEndian.PutUint16(b[tcpOffFlags:], of)
	binary.BigEndian.PutUint16(b[tcpWindow:], h.Window)
	binary.BigEndian.PutUint16(b[tcpChecksum:], h.Checksum)
	binary.BigEndian.PutUint16(b[tcpUrgent:], h.Urgent)
	copy(b[TCPMinSize:], h.Options)
}

// UDP field offsets.
const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6

	// UDPChecksumOffset is the offset of the UDP checksum.
	UDPChecksumOffset = udpChecksum
)

// UDPHeader is the UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16 // header + payload, as decoded
	Checksum uint16
}

// Read fills h from b, which must hold UDPSize bytes.
func (h *UDPHeader) Read(b []byte) {
	h.SrcPort = binary.BigEndian.Uint16(b[udpSrcPort:])
	h.DstPort = binary.BigEndian.Uint16(b[udpDstPort:])
	h.Length = binary.BigEndian.Uint16(b[udpLength:])
	h.Checksum = binary.BigEndian.Uint16(b[udpChecksum:])
}

// Write stores h into b, which must hold UDPSize bytes.
func (h *UDPHeader) Write(b []byte) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], h.SrcPort)
	binary.BigEndian.PutUint16(b[udpDstPort:], h.DstPort)
	binary.BigEndian.PutUint16(b[udpLength:], h.Length)
	binary.BigEndian.PutUint16(b[udpChecksum:], h.Checksum)
}

// ICMP field offsets, shared by ICMP and ICMPv6.
const (
	icmpType     = 0
	icmpCode     = 1
	icmpChecksum = 2
	icmpBody     = 4

	// ICMPChecksumOffset is the offset of the ICMP/ICMPv6 checksum.
	ICMPChecksumOffset = icmpChecksum
)

// ICMPHeader is the 8-byte ICMP header. Body holds the type-specific
// second word (identifier/sequence for echo, unused for most errors).
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Body     uint32
}

// Read fills h from b, which must hold ICMPSize bytes.
func (h *ICMPHeader) Read(b []byte) {
	h.Type = b[icmpType]
	h.Code = b[icmpCode]
	h.Checksum = binary.BigEndian.Uint16(b[icmpChecksum:])
	h.Body = binary.BigEndian.Uint32(b[icmpBody:])
}

// Write stores h into b, which must hold ICMPSize bytes.
func (h *ICMPHeader) Write(b []byte) {
	b[icmpType] = h.Type
	b[icmpCode] = h.Code
	binary.BigEndian.PutUint16(b[icmpChecksum:], h.Checksum)
	binary.BigEndian.PutUint32(b[icmpBody:], h.Body)
}

// ICMPv6Header shares the ICMP layout.
type ICMPv6Header ICMPHeader

// Read fills h from b, which must hold ICMPv6Size bytes.
func (h *ICMPv6Header) Read(b []byte) { (*ICMPHeader)(h).Read(b) }

// Write stores h into b, which must hold ICMPv6Size bytes.
func (h *ICMPv6Header) Write(b []byte) { (*ICMPHeader)(h).Write(b) }
