package handle

import (
	"firestige.xyz/divert/internal/core/codec"
	"firestige.xyz/divert/internal/driver"
)

// DefaultBufferSize fits the largest IP packet.
const DefaultBufferSize = 65535

const defaultName = "default"

type options struct {
	name       string
	priority   int16
	layer      driver.Layer
	flags      driver.Flags
	bufferSize int
	family     codec.Family
}

func defaultOptions() options {
	return options{
		name:       defaultName,
		priority:   driver.PriorityDefault,
		layer:      driver.LayerNetwork,
		bufferSize: DefaultBufferSize,
		family:     codec.FamilyAny,
	}
}

// Option configures a Handle.
type Option func(*options)

// WithPriority sets the session priority. Higher priorities see packets first.
func WithPriority(p int16) Option {
	return func(o *options) { o.priority = p }
}

// WithLayer sets the interception layer.
func WithLayer(l driver.Layer) Option {
	return func(o *options) { o.layer = l }
}

// WithFlags sets the session flags.
func WithFlags(f driver.Flags) Option {
	return func(o *options) { o.flags = f }
}

// WithBufferSize sets the receive buffer size. Values below the minimum
// IPv4 header size are ignored.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n >= 20 {
			o.bufferSize = n
		}
	}
}

// WithName sets the name used in logs and metric labels.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithFamily sets the address family hint used by ReceivePacket.
func WithFamily(f codec.Family) Option {
	return func(o *options) { o.family = f }
}
