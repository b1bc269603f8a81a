package codec

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/core/layout"
	"firestige.xyz/divert/internal/core/packet"
	"firestige.xyz/divert/internal/core/packettest"
)

func v4Flow(payload string) packettest.Flow {
	return packettest.Flow{Src: "10.0.0.1", Dst: "10.0.0.2", SrcPort: 49152, DstPort: 23, Payload: []byte(payload)}
}

func v6Flow(payload string) packettest.Flow {
	return packettest.Flow{Src: "2001:db8::1", Dst: "2001:db8::2", SrcPort: 49152, DstPort: 53, Payload: []byte(payload)}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		raw       []byte
		transport packet.TransportKind
	}{
		{"tcp ipv4", packettest.Must(packettest.TCP(v4Flow("Hello World!"))), packet.TransportTCP},
		{"tcp ipv4 empty payload", packettest.Must(packettest.TCP(v4Flow(""))), packet.TransportTCP},
		{"udp ipv4 odd payload", packettest.Must(packettest.UDP(v4Flow("abc"))), packet.TransportUDP},
		{"tcp ipv6", packettest.Must(packettest.TCP(v6Flow("Hello World!"))), packet.TransportTCP},
		{"udp ipv6", packettest.Must(packettest.UDP(v6Flow("query"))), packet.TransportUDP},
		{"udp ipv4 first fragment", packettest.Must(packettest.UDPFirstFragment(v4Flow("frag"), 1480)), packet.TransportUDP},
		{"icmp echo", packettest.Must(packettest.Echo(v4Flow("ping"), 7, 1)), packet.TransportICMP},
		{"icmpv6 echo", packettest.Must(packettest.Echo(v6Flow("ping"), 7, 1)), packet.TransportICMPv6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.raw, FamilyAny)
			require.NoError(t, err)
			assert.Equal(t, tt.transport, p.Transport())

			out, err := Encode(p)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, out)
		})
	}
}

func TestEncodeKeepsFirstFragmentUDPLength(t *testing.T) {
	raw := packettest.Must(packettest.UDPFirstFragment(v4Flow("frag"), 1480))

	p, err := Decode(raw, FamilyIPv4)
	require.NoError(t, err)
	require.NotNil(t, p.UDP)
	assert.True(t, p.IPv4.IsFragment())
	assert.Equal(t, uint16(1480), p.UDP.Length)

	out, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(1480), p.UDP.Length)
	assert.Equal(t, raw, out)
}

func TestDecodeTCPv4Fields(t *testing.T) {
	raw := packettest.Must(packettest.TCP(v4Flow("Hello World!")))

	p, err := Decode(raw, FamilyIPv4)
	require.NoError(t, err)

	require.NotNil(t, p.IPv4)
	assert.Nil(t, p.IPv6)
	assert.Equal(t, packet.NetworkIPv4, p.Network())
	assert.Equal(t, uint32(0x0A000002), p.IPv4.DstAddr)
	assert.Equal(t, "10.0.0.2", p.DstAddr().String())

	require.NotNil(t, p.TCP)
	src, dst := p.Ports()
	assert.Equal(t, uint16(49152), src)
	assert.Equal(t, uint16(23), dst)
	assert.Equal(t, uint8(6), p.TCP.DataOffset) // MSS option
	assert.Equal(t, layout.TCPFlagACK|layout.TCPFlagPSH, p.TCP.Flags)

	assert.Equal(t, packet.View{Offset: 44, Length: 12}, p.Payload)
	assert.Equal(t, []byte("Hello World!"), p.PayloadBytes())

	// the payload is a view, not a copy
	raw[44] = 'J'
	assert.Equal(t, byte('J'), p.PayloadBytes()[0])
}

func TestDecodeIPv4Options(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 1, 1},
		DstIP:    net.IP{192, 168, 1, 2},
		Options: []layers.IPv4Option{
			{OptionType: 1}, {OptionType: 1}, {OptionType: 1}, {OptionType: 0},
		},
	}
	udp := &layers.UDP{SrcPort: 5060, DstPort: 5060}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	raw, err := packettest.Serialize(ip, udp, gopacket.Payload("INVITE"))
	require.NoError(t, err)

	p, err := Decode(raw, FamilyAny)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), p.IPv4.IHL)
	assert.Equal(t, []byte{1, 1, 1, 0}, p.IPv4.Options)
	require.NotNil(t, p.UDP)
	assert.Equal(t, uint16(5060), p.UDP.DstPort)
	assert.Equal(t, packet.View{Offset: 32, Length: 6}, p.Payload)

	out, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecodeIPv6ExtensionHeaderIsOpaque(t *testing.T) {
	udp := []byte{0x00, 0x35, 0xc3, 0x50, 0x00, 0x08, 0x00, 0x00}
	hopByHop := []byte{layout.ProtoUDP, 0, 1, 4, 0, 0, 0, 0} // PadN
	raw := make([]byte, layout.IPv6Size)
	(&layout.IPv6Header{
		PayloadLength: uint16(len(hopByHop) + len(udp)),
		NextHeader:    0,
		HopLimit:      64,
	}).Write(raw)
	raw = append(raw, hopByHop...)
	raw = append(raw, udp...)

	p, err := Decode(raw, FamilyIPv6)
	require.NoError(t, err)
	assert.Equal(t, packet.NetworkIPv6, p.Network())
	assert.Equal(t, packet.TransportNone, p.Transport())
	assert.Equal(t, packet.View{Offset: layout.IPv6Size, Length: 16}, p.Payload)

	out, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecodeNoTransport(t *testing.T) {
	t.Run("UnknownProtocol", func(t *testing.T) {
		raw := make([]byte, layout.IPv4MinSize+4)
		(&layout.IPv4Header{IHL: 5, Length: 24, TTL: 64, Protocol: 47}).Write(raw)

		p, err := Decode(raw, FamilyAny)
		require.NoError(t, err)
		assert.Equal(t, packet.TransportNone, p.Transport())
		assert.Equal(t, packet.View{Offset: 20, Length: 4}, p.Payload)
	})

	t.Run("NonFirstFragment", func(t *testing.T) {
		raw := make([]byte, layout.IPv4MinSize+8)
		(&layout.IPv4Header{IHL: 5, Length: 28, FragOffset: 185, TTL: 64, Protocol: layout.ProtoUDP}).Write(raw)

		p, err := Decode(raw, FamilyAny)
		require.NoError(t, err)
		assert.Nil(t, p.UDP)
		assert.Equal(t, layout.ProtoUDP, p.Protocol())
		assert.Equal(t, 8, p.Payload.Length)

		out, err := Encode(p)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})
}

func TestDecodeErrors(t *testing.T) {
	tcp := packettest.Must(packettest.TCP(v4Flow("x")))
	badIHL := bytes.Clone(tcp)
	badIHL[0] = 0x4f

	tests := []struct {
		name string
		raw  []byte
		hint Family
		err  error
	}{
		{"empty", nil, FamilyAny, core.ErrPacketTooShort},
		{"version 5", []byte{0x50, 0, 0, 0}, FamilyAny, core.ErrUnsupportedProto},
		{"hint mismatch", tcp, FamilyIPv6, core.ErrUnsupportedProto},
		{"short ipv4", tcp[:10], FamilyAny, core.ErrPacketTooShort},
		{"ihl beyond buffer", badIHL[:40], FamilyAny, core.ErrPacketTooShort},
		{"short ipv6", []byte{0x60, 0, 0, 0}, FamilyAny, core.ErrPacketTooShort},
		{"truncated tcp", tcp[:30], FamilyAny, core.ErrPacketTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.raw, tt.hint)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, p)
		})
	}
}

func TestEncodeFixesLengths(t *testing.T) {
	p := &packet.Packet{
		IPv4: &layout.IPv4Header{
			TTL:      64,
			Protocol: layout.ProtoUDP,
			SrcAddr:  0x0A000001,
			DstAddr:  0x0A000002,
		},
		UDP:     &layout.UDPHeader{SrcPort: 1, DstPort: 2},
		Raw:     []byte("hello"),
		Payload: packet.View{Offset: 0, Length: 5},
	}

	out, err := Encode(p)
	require.NoError(t, err)
	require.Len(t, out, 33)
	assert.Equal(t, uint8(5), p.IPv4.IHL)
	assert.Equal(t, uint16(33), p.IPv4.Length)
	assert.Equal(t, uint16(13), p.UDP.Length)

	back, err := Decode(out, FamilyAny)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), back.PayloadBytes())
	assert.Equal(t, uint16(13), back.UDP.Length)
}

func TestEncodeErrors(t *testing.T) {
	base := func() *packet.Packet {
		return &packet.Packet{
			IPv4: &layout.IPv4Header{TTL: 64, Protocol: layout.ProtoTCP},
			TCP:  &layout.TCPHeader{SrcPort: 1, DstPort: 2},
		}
	}

	tests := []struct {
		name   string
		mutate func(p *packet.Packet)
	}{
		{"ipv4 flags", func(p *packet.Packet) { p.IPv4.Flags = 8 }},
		{"fragment offset", func(p *packet.Packet) { p.IPv4.FragOffset = 0x2000 }},
		{"ipv4 options unaligned", func(p *packet.Packet) { p.IPv4.Options = []byte{1, 1, 1} }},
		{"ipv4 options too long", func(p *packet.Packet) { p.IPv4.Options = make([]byte, 44) }},
		{"tcp reserved", func(p *packet.Packet) { p.TCP.Reserved = 8 }},
		{"tcp flags", func(p *packet.Packet) { p.TCP.Flags = 0x200 }},
		{"tcp options unaligned", func(p *packet.Packet) { p.TCP.Options = []byte{1, 1} }},
		{"no network header", func(p *packet.Packet) { p.IPv4 = nil }},
		{"both network headers", func(p *packet.Packet) { p.IPv6 = &layout.IPv6Header{} }},
		{"two transports", func(p *packet.Packet) { p.UDP = &layout.UDPHeader{} }},
		{"protocol mismatch", func(p *packet.Packet) { p.IPv4.Protocol = layout.ProtoUDP }},
		{"icmpv6 over ipv4", func(p *packet.Packet) {
			p.TCP = nil
			p.IPv4.Protocol = layout.ProtoICMPv6
			p.ICMPv6 = &layout.ICMPv6Header{}
		}},
		{"flow label", func(p *packet.Packet) {
			p.IPv4 = nil
			p.IPv6 = &layout.IPv6Header{NextHeader: layout.ProtoTCP, FlowLabel: 0x100000}
		}},
		{"payload view out of range", func(p *packet.Packet) {
			p.Raw = []byte("abc")
			p.Payload = packet.View{Offset: 2, Length: 4}
		}},
		{"too large", func(p *packet.Packet) {
			p.Raw = make([]byte, 0xFFFF)
			p.Payload = packet.View{Length: 0xFFFF}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			out, err := Encode(p)
			assert.ErrorIs(t, err, core.ErrEncoding)
			assert.Nil(t, out)
		})
	}

	_, err := Encode(nil)
	assert.ErrorIs(t, err, core.ErrEncoding)
}

func TestDump(t *testing.T) {
	out := Dump(packettest.Must(packettest.TCP(v4Flow("Hello World!"))))
	assert.True(t, strings.Contains(out, "IPv4"))
	assert.True(t, strings.Contains(out, "TCP"))

	out = Dump(packettest.Must(packettest.UDP(v6Flow("q"))))
	assert.True(t, strings.Contains(out, "IPv6"))
}
