package layout

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/divert/internal/core"
)

// DivertAddressSize is the size of the driver's WINDIVERT_ADDRESS record.
const DivertAddressSize = 24

// Bits of the DivertAddress flag byte.
const (
	AddrDirection uint8 = 1 << iota // 0 = outbound, 1 = inbound
	AddrLoopback
	AddrImpostor
	AddrPseudoIPChecksum
	AddrPseudoTCPChecksum
	AddrPseudoUDPChecksum
)

// DivertAddress is the capture metadata record exchanged with the driver.
// Layout (little-endian, as laid out by the native ABI):
//
//	0..8    Timestamp  int64
//	8..12   IfIdx      uint32
//	12..16  SubIfIdx   uint32
//	16      Flags      bitfield (see Addr* constants)
//	17..24  padding
type DivertAddress struct {
	Timestamp int64
	IfIdx     uint32
	SubIfIdx  uint32
	Flags     uint8
}

// MarshalBinary encodes a into its 24-byte wire form.
func (a DivertAddress) MarshalBinary() ([]byte, error) {
	b := make([]byte, DivertAddressSize)
	a.Put(b)
	return b, nil
}

// Put stores a into b, which must hold DivertAddressSize bytes.
func (a DivertAddress) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], uint64(a.Timestamp))
	binary.LittleEndian.PutUint32(b[8:], a.IfIdx)
	binary.LittleEndian.PutUint32(b[12:], a.SubIfIdx)
	b[16] = a.Flags
	clear(b[17:DivertAddressSize])
}

// UnmarshalBinary decodes a 24-byte wire record.
func (a *DivertAddress) UnmarshalBinary(b []byte) error {
	if len(b) < DivertAddressSize {
		return fmt.Errorf("divert address: need %d bytes, got %d", DivertAddressSize, len(b))
	}
	a.Timestamp = int64(binary.LittleEndian.Uint64(b[0:]))
	a.IfIdx = binary.LittleEndian.Uint32(b[8:])
	a.SubIfIdx = binary.LittleEndian.Uint32(b[12:])
	a.Flags = b[16]
	return nil
}

// Metadata converts the wire record into the capture metadata model.
func (a DivertAddress) Metadata() core.Metadata {
	m := core.Metadata{
		Loopback:          a.Flags&AddrLoopback != 0,
		Impostor:          a.Flags&AddrImpostor != 0,
		IfIdx:             a.IfIdx,
		SubIfIdx:          a.SubIfIdx,
		Timestamp:         a.Timestamp,
		PseudoIPChecksum:  a.Flags&AddrPseudoIPChecksum != 0,
		PseudoTCPChecksum: a.Flags&AddrPseudoTCPChecksum != 0,
		PseudoUDPChecksum: a.Flags&AddrPseudoUDPChecksum != 0,
	}
	if a.Flags&AddrDirection != 0 {
		m.Direction = core.Inbound
	}
	return m
}

// FromMetadata converts capture metadata into the wire record.
func FromMetadata(m core.Metadata) DivertAddress {
	a := DivertAddress{
		Timestamp: m.Timestamp,
		IfIdx:     m.IfIdx,
		SubIfIdx:  m.SubIfIdx,
	}
	bits := []struct {
		on  bool
		bit uint8
	}{
		{m.Direction == core.Inbound, AddrDirection},
		{m.Loopback, AddrLoopback},
		{m.Impostor, AddrImpostor},
		{m.PseudoIPChecksum, AddrPseudoIPChecksum},
		{m.PseudoTCPChecksum, AddrPseudoTCPChecksum},
		{m.PseudoUDPChecksum, AddrPseudoUDPChecksum},
	}
	for _, b := range bits {
		if b.on {
			a.Flags |= b.bit
		}
	}
	return a
}
