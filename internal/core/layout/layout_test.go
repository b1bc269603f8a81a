package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/core"
)

func TestIPv4HeaderReadWrite(t *testing.T) {
	data := []byte{
		0x46,       // Version 4, IHL 6
		0x10,       // TOS
		0x00, 0x20, // Total Length: 32
		0xab, 0xcd, // Identification
		0x40, 0x00, // DF, offset 0
		0x40,       // TTL: 64
		0x06,       // Protocol: TCP
		0x12, 0x34, // Checksum
		192, 168, 1, 1,
		192, 168, 1, 2,
		0x01, 0x01, 0x01, 0x00, // Options: NOP NOP NOP EOL
	}

	var h IPv4Header
	h.Read(data)

	assert.Equal(t, uint8(6), h.IHL)
	assert.Equal(t, uint8(0x10), h.TOS)
	assert.Equal(t, uint16(32), h.Length)
	assert.Equal(t, uint16(0xabcd), h.ID)
	assert.Equal(t, uint8(0x2), h.Flags)
	assert.Equal(t, uint16(0), h.FragOffset)
	assert.False(t, h.IsFragment())
	assert.Equal(t, ProtoTCP, h.Protocol)
	assert.Equal(t, uint16(0x1234), h.Checksum)
	assert.Equal(t, uint32(0xC0A80101), h.SrcAddr)
	assert.Equal(t, uint32(0xC0A80102), h.DstAddr)
	assert.Equal(t, []byte{0x01, 0x01, 0x01, 0x00}, h.Options)
	assert.Equal(t, 24, h.Size())

	out := make([]byte, h.Size())
	h.Write(out)
	assert.Equal(t, data, out)
}

func TestIPv4Fragments(t *testing.T) {
	h := IPv4Header{Flags: 0x1}
	assert.True(t, h.MoreFragments())
	assert.True(t, h.IsFragment())

	h = IPv4Header{FragOffset: 185}
	assert.False(t, h.MoreFragments())
	assert.True(t, h.IsFragment())
}

func TestIPv6HeaderReadWrite(t *testing.T) {
	data := make([]byte, IPv6Size)
	data[0], data[1], data[2], data[3] = 0x6a, 0xbc, 0xde, 0xf1 // TC 0xab, flow 0xcdef1
	data[4], data[5] = 0x00, 0x08
	data[6] = ProtoUDP
	data[7] = 64
	data[8], data[9] = 0x20, 0x01
	data[23] = 1
	data[24], data[25] = 0x20, 0x01
	data[39] = 2

	var h IPv6Header
	h.Read(data)

	assert.Equal(t, uint8(0xab), h.TrafficClass)
	assert.Equal(t, uint32(0xcdef1), h.FlowLabel)
	assert.Equal(t, uint16(8), h.PayloadLength)
	assert.Equal(t, ProtoUDP, h.NextHeader)
	assert.Equal(t, uint8(64), h.HopLimit)
	assert.Equal(t, byte(1), h.SrcAddr[15])
	assert.Equal(t, byte(2), h.DstAddr[15])

	out := make([]byte, IPv6Size)
	h.Write(out)
	assert.Equal(t, data, out)
}

func TestTCPHeaderReadWrite(t *testing.T) {
	data := []byte{
		0x1f, 0x90, // Src Port: 8080
		0x00, 0x17, // Dst Port: 23
		0x00, 0x00, 0x00, 0x01, // Seq
		0x00, 0x00, 0x00, 0x02, // Ack
		0x61, 0x18, // Data offset 6, reserved 0, NS 1, ACK|PSH
		0xff, 0xff, // Window
		0xbe, 0xef, // Checksum
		0x00, 0x00, // Urgent
		0x02, 0x04, 0x05, 0xb4, // MSS 1460
	}

	var h TCPHeader
	h.Read(data)

	assert.Equal(t, uint16(8080), h.SrcPort)
	assert.Equal(t, uint16(23), h.DstPort)
	assert.Equal(t, uint32(1), h.Seq)
	assert.Equal(t, uint32(2), h.Ack)
	assert.Equal(t, uint8(6), h.DataOffset)
	assert.Equal(t, TCPFlagNS|TCPFlagACK|TCPFlagPSH, h.Flags)
	assert.Equal(t, uint16(0xbeef), h.Checksum)
	assert.Len(t, h.Options, 4)

	out := make([]byte, h.Size())
	h.Write(out)
	assert.Equal(t, data, out)
}

func TestUDPAndICMPHeaderReadWrite(t *testing.T) {
	udp := []byte{0x00, 0x35, 0xc3, 0x50, 0x00, 0x0c, 0xaa, 0xbb}
	var u UDPHeader
	u.Read(udp)
	assert.Equal(t, uint16(53), u.SrcPort)
	assert.Equal(t, uint16(50000), u.DstPort)
	assert.Equal(t, uint16(12), u.Length)
	out := make([]byte, UDPSize)
	u.Write(out)
	assert.Equal(t, udp, out)

	icmp := []byte{0x08, 0x00, 0xf7, 0xfe, 0x00, 0x01, 0x00, 0x01}
	var i ICMPv6Header
	i.Read(icmp)
	assert.Equal(t, uint8(8), i.Type)
	assert.Equal(t, uint32(0x00010001), i.Body)
	out = make([]byte, ICMPv6Size)
	i.Write(out)
	assert.Equal(t, icmp, out)
}

func TestDivertAddressWire(t *testing.T) {
	a := DivertAddress{
		Timestamp: 0x0102030405060708,
		IfIdx:     7,
		SubIfIdx:  3,
		Flags:     AddrDirection | AddrLoopback,
	}
	b, err := a.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, DivertAddressSize)
	assert.Equal(t, byte(0x08), b[0])
	assert.Equal(t, byte(7), b[8])
	assert.Equal(t, byte(3), b[12])
	assert.Equal(t, byte(0x03), b[16])

	var back DivertAddress
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, a, back)

	assert.Error(t, back.UnmarshalBinary(b[:10]))
}

func TestDivertAddressMetadata(t *testing.T) {
	t.Run("DirectionZeroIsOutbound", func(t *testing.T) {
		m := DivertAddress{IfIdx: 12, SubIfIdx: 0}.Metadata()
		assert.Equal(t, core.Outbound, m.Direction)
		assert.Equal(t, uint8(0), uint8(m.Direction))
		assert.Equal(t, uint32(12), m.IfIdx)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for flags := 0; flags < 1<<6; flags++ {
			a := DivertAddress{Timestamp: 99, IfIdx: 4, SubIfIdx: 1, Flags: uint8(flags)}
			assert.Equal(t, a, FromMetadata(a.Metadata()))
		}
	})

	t.Run("Inbound", func(t *testing.T) {
		m := DivertAddress{Flags: AddrDirection | AddrImpostor}.Metadata()
		assert.Equal(t, core.Inbound, m.Direction)
		assert.True(t, m.Impostor)
		assert.False(t, m.Loopback)
	})
}
