package codec

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Dump renders a human-readable, layer-by-layer description of raw for
// diagnostics. It never fails; undecodable bytes show up as a decode
// failure layer in the output.
func Dump(raw []byte) string {
	first := gopacket.LayerType(layers.LayerTypeIPv4)
	if len(raw) > 0 && raw[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(raw, first, gopacket.DecodeOptions{NoCopy: true, Lazy: false})
	return pkt.Dump()
}
