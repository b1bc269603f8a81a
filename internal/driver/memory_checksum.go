package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/divert/internal/core/layout"
)

// pseudo checksum bits cleared once real checksums are in place
const addrPseudoMask = layout.AddrPseudoIPChecksum | layout.AddrPseudoTCPChecksum | layout.AddrPseudoUDPChecksum

// CalcChecksums recomputes the checksums of pkt in place. It is built on
// gopacket's serializers so it shares no code with the checksum package and
// can serve as an independent reference. A zero UDP checksum is sent as
// 0xFFFF, and the transport checksum of IPv4 fragments is left untouched.
func (d *Memory) CalcChecksums(pkt []byte, addr *layout.DivertAddress) error {
	if len(pkt) == 0 {
		return fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}
	first := gopacket.LayerType(layers.LayerTypeIPv4)
	if pkt[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	decoded := gopacket.NewPacket(pkt, first, gopacket.DecodeOptions{NoCopy: true})
	if el := decoded.ErrorLayer(); el != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, el.Error())
	}

	var (
		netLayer gopacket.NetworkLayer
		toWrite  []gopacket.SerializableLayer
		udpAt    = -1
	)
	for _, l := range decoded.Layers() {
		switch v := l.(type) {
		case *layers.IPv4:
			netLayer = v
			if v.Flags&layers.IPv4MoreFragments != 0 || v.FragOffset != 0 {
				// header checksum only; the rest is carried as is
				toWrite = []gopacket.SerializableLayer{v, gopacket.Payload(v.Payload)}
				return d.reserialize(pkt, addr, toWrite, -1)
			}
		case *layers.IPv6:
			netLayer = v
		case *layers.TCP:
			if err := v.SetNetworkLayerForChecksum(netLayer); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
			}
		case *layers.UDP:
			if err := v.SetNetworkLayerForChecksum(netLayer); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
			}
			udpAt = len(pkt) - len(v.LayerContents()) - len(v.LayerPayload())
		case *layers.ICMPv6:
			if err := v.SetNetworkLayerForChecksum(netLayer); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
			}
		}
		s, ok := l.(gopacket.SerializableLayer)
		if !ok {
			return fmt.Errorf("%w: cannot serialize %s layer", ErrInvalidPacket, l.LayerType())
		}
		toWrite = append(toWrite, s)
	}
	return d.reserialize(pkt, addr, toWrite, udpAt)
}

func (d *Memory) reserialize(pkt []byte, addr *layout.DivertAddress, ls []gopacket.SerializableLayer, udpAt int) error {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, ls...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	out := buf.Bytes()
	if len(out) != len(pkt) {
		return fmt.Errorf("%w: re-serialized %d bytes, packet has %d", ErrInvalidPacket, len(out), len(pkt))
	}
	if udpAt >= 0 && binary.BigEndian.Uint16(out[udpAt+layout.UDPChecksumOffset:]) == 0 {
		binary.BigEndian.PutUint16(out[udpAt+layout.UDPChecksumOffset:], 0xffff)
	}
	copy(pkt, out)
	if addr != nil {
		addr.Flags &^= addrPseudoMask
	}
	return nil
}
