// Package driver defines the call contract of the packet diversion driver
// and its implementations: the WinDivert DLL binding on Windows and an
// in-process Memory driver used for tests and dry runs.
package driver

import (
	"errors"
	"fmt"
	"strings"

	"firestige.xyz/divert/internal/core/layout"
)

// Session identifies one open capture/inject session inside a driver.
type Session uintptr

// Driver is the primitive contract the capture handle is built on. Errors
// are driver-native; callers wrap them into core.ErrDriver.
type Driver interface {
	// Open registers a session for filter. The filter is opaque to callers.
	Open(filter string, layer Layer, priority int16, flags Flags) (Session, error)
	// Recv blocks until a packet is available, copies it into buf and
	// returns its length. It returns ErrSessionClosed once s is closed,
	// including when the close happens while Recv is blocked.
	Recv(s Session, buf []byte) (int, layout.DivertAddress, error)
	// Send reinjects pkt, routed according to addr.
	Send(s Session, pkt []byte, addr layout.DivertAddress) (int, error)
	GetParam(s Session, p Param) (uint64, error)
	SetParam(s Session, p Param, v uint64) error
	Close(s Session) error
	// CalcChecksums recomputes every checksum of pkt in place. addr may be nil.
	CalcChecksums(pkt []byte, addr *layout.DivertAddress) error
}

var (
	ErrSessionClosed = errors.New("driver: session closed")
	ErrInvalidFilter = errors.New("driver: invalid filter")
	ErrInvalidParam  = errors.New("driver: invalid parameter")
	ErrInvalidPacket = errors.New("driver: invalid packet")
	ErrNotAvailable  = errors.New("driver: not available on this platform")
)

// Priority bounds; higher priorities see packets first.
const (
	PriorityMin     int16 = -1000
	PriorityMax     int16 = 1000
	PriorityDefault int16 = 0
)

// Layer selects where the driver intercepts packets.
type Layer uint8

const (
	LayerNetwork        Layer = 0
	LayerNetworkForward Layer = 1
)

// ParseLayer converts a config string into a Layer.
func ParseLayer(s string) (Layer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "network":
		return LayerNetwork, nil
	case "network_forward", "network-forward", "forward":
		return LayerNetworkForward, nil
	default:
		return 0, fmt.Errorf("unknown layer: %q", s)
	}
}

func (l Layer) String() string {
	if l == LayerNetworkForward {
		return "network_forward"
	}
	return "network"
}

// MarshalText implements encoding.TextMarshaler.
func (l Layer) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for config decoding.
func (l *Layer) UnmarshalText(text []byte) error {
	v, err := ParseLayer(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Flags modify how a session treats captured packets.
type Flags uint64

const (
	// FlagSniff copies packets to the session instead of diverting them.
	FlagSniff Flags = 1 << iota
	// FlagDrop silently drops matching packets.
	FlagDrop

	flagsAll = FlagSniff | FlagDrop
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Valid reports whether f only carries known bits.
func (f Flags) Valid() bool { return f&^flagsAll == 0 }

// ParseFlags parses a "|" or "," separated flag list, e.g. "sniff|drop".
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "none":
		case "sniff":
			f |= FlagSniff
		case "drop":
			f |= FlagDrop
		default:
			return 0, fmt.Errorf("unknown flag: %q", part)
		}
	}
	return f, nil
}

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagSniff) {
		parts = append(parts, "sniff")
	}
	if f.Has(FlagDrop) {
		parts = append(parts, "drop")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (f Flags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for config decoding.
func (f *Flags) UnmarshalText(text []byte) error {
	v, err := ParseFlags(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Param names a runtime tunable of an open session.
type Param uint32

const (
	// ParamQueueLen is the maximum number of packets queued for a session.
	ParamQueueLen Param = 0
	// ParamQueueTime is how long, in milliseconds, a queued packet may wait
	// before the driver drops it.
	ParamQueueTime Param = 1
)

// Runtime parameter bounds and defaults.
const (
	QueueLenMin      uint64 = 1
	QueueLenMax      uint64 = 8192
	QueueLenDefault  uint64 = 512
	QueueTimeMin     uint64 = 32
	QueueTimeMax     uint64 = 2048
	QueueTimeDefault uint64 = 512
)

// Bounds returns the accepted range of p.
func (p Param) Bounds() (lo, hi uint64, ok bool) {
	switch p {
	case ParamQueueLen:
		return QueueLenMin, QueueLenMax, true
	case ParamQueueTime:
		return QueueTimeMin, QueueTimeMax, true
	default:
		return 0, 0, false
	}
}

// Check validates v against p's bounds.
func (p Param) Check(v uint64) error {
	lo, hi, ok := p.Bounds()
	if !ok {
		return fmt.Errorf("%w: unknown parameter %d", ErrInvalidParam, uint32(p))
	}
	if v < lo || v > hi {
		return fmt.Errorf("%w: %s=%d out of range [%d,%d]", ErrInvalidParam, p, v, lo, hi)
	}
	return nil
}

// ParseParam converts a config string into a Param.
func ParseParam(s string) (Param, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue_len", "queue-len", "queuelen":
		return ParamQueueLen, nil
	case "queue_time", "queue-time", "queuetime":
		return ParamQueueTime, nil
	default:
		return 0, fmt.Errorf("unknown parameter: %q", s)
	}
}

func (p Param) String() string {
	switch p {
	case ParamQueueLen:
		return "queue_len"
	case ParamQueueTime:
		return "queue_time"
	default:
		return fmt.Sprintf("param(%d)", uint32(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Param) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for config decoding.
func (p *Param) UnmarshalText(text []byte) error {
	v, err := ParseParam(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
