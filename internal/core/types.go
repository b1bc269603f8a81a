// Package core defines the capture metadata model and sentinel errors.
package core

// Direction of a captured packet relative to the local stack.
type Direction uint8

const (
	// Outbound packets leave the local stack. The driver encodes it as 0.
	Outbound Direction = 0
	// Inbound packets arrive at the local stack. The driver encodes it as 1.
	Inbound Direction = 1
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Metadata is the out-of-band information returned alongside a captured
// packet. It must be handed back unchanged when the packet is reinjected,
// unless the caller deliberately changes the routing direction.
type Metadata struct {
	Direction Direction
	Loopback  bool
	Impostor  bool
	IfIdx     uint32
	SubIfIdx  uint32
	Timestamp int64 // driver performance-counter ticks

	// Pseudo checksum bits reported by the driver for offloaded packets.
	PseudoIPChecksum  bool
	PseudoTCPChecksum bool
	PseudoUDPChecksum bool
}
