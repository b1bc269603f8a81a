// Package handle implements the capture handle: one driver session with a
// CLOSED/OPEN lifecycle through which packets are received and reinjected.
package handle

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/core/checksum"
	"firestige.xyz/divert/internal/core/codec"
	"firestige.xyz/divert/internal/core/layout"
	"firestige.xyz/divert/internal/core/packet"
	"firestige.xyz/divert/internal/driver"
	"firestige.xyz/divert/internal/metrics"
)

// State is the lifecycle state of a Handle.
type State string

const (
	// StateClosed is the initial state and the state after Close.
	StateClosed State = "closed"
	// StateOpen means a driver session is registered.
	StateOpen State = "open"
)

// Handle owns at most one driver session at a time. Receive may run
// concurrently with Close, Send and the parameter calls, but only one
// Receive per handle may be in flight.
type Handle struct {
	drv    driver.Driver
	filter string
	opts   options

	bufs sync.Pool

	mu       sync.RWMutex
	state    State
	session  driver.Session
	openedAt time.Time
}

// New creates a closed handle. Nothing is registered with the driver until Open.
func New(drv driver.Driver, filter string, opts ...Option) *Handle {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handle{
		drv:    drv,
		filter: filter,
		opts:   o,
		state:  StateClosed,
	}
	h.bufs.New = func() any {
		b := make([]byte, h.opts.bufferSize)
		return &b
	}
	return h
}

// Open creates a handle and opens it.
func Open(drv driver.Driver, filter string, opts ...Option) (*Handle, error) {
	h := New(drv, filter, opts...)
	if err := h.Open(); err != nil {
		return nil, err
	}
	return h, nil
}

// With opens a handle, runs fn and closes the handle on every exit path,
// panics included. A close failure is joined with fn's error.
func With(drv driver.Driver, filter string, fn func(*Handle) error, opts ...Option) (err error) {
	h, err := Open(drv, filter, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if !h.IsOpen() {
			return
		}
		if cerr := h.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(h)
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// IsOpen reports whether the handle is open.
func (h *Handle) IsOpen() bool { return h.State() == StateOpen }

// Filter returns the filter the handle was created with.
func (h *Handle) Filter() string { return h.filter }

// Priority returns the session priority.
func (h *Handle) Priority() int16 { return h.opts.priority }

// Name returns the handle name used in logs and metrics.
func (h *Handle) Name() string { return h.opts.name }

// setState updates the state (must hold mu lock).
func (h *Handle) setState(s State) {
	h.state = s
	slog.Info("handle state changed", "handle", h.opts.name, "state", s)
}

// Open registers a driver session. On failure the handle stays closed.
func (h *Handle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateClosed {
		return fmt.Errorf("%w: handle %s is %s", core.ErrInvalidState, h.opts.name, h.state)
	}

	s, err := h.drv.Open(h.filter, h.opts.layer, h.opts.priority, h.opts.flags)
	if err != nil {
		h.driverError("open", err)
		return fmt.Errorf("%w: open %q: %w", core.ErrDriver, h.filter, err)
	}

	h.session = s
	h.openedAt = time.Now()
	h.setState(StateOpen)
	metrics.OpenHandles.Inc()
	slog.Debug("handle opened",
		"handle", h.opts.name,
		"filter", h.filter,
		"layer", h.opts.layer,
		"priority", h.opts.priority,
		"flags", h.opts.flags)
	return nil
}

// Close releases the driver session. Closing a closed handle fails with
// core.ErrInvalidState. A Receive blocked on this handle returns
// core.ErrHandleClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return fmt.Errorf("%w: handle %s already closed", core.ErrInvalidState, h.opts.name)
	}
	s := h.session
	uptime := time.Since(h.openedAt)
	h.setState(StateClosed)
	h.mu.Unlock()

	metrics.OpenHandles.Dec()
	slog.Debug("handle closed", "handle", h.opts.name, "uptime", uptime)

	if err := h.drv.Close(s); err != nil {
		h.driverError("close", err)
		return fmt.Errorf("%w: close: %w", core.ErrDriver, err)
	}
	return nil
}

// current returns the open session, or ok=false when closed.
func (h *Handle) current() (driver.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session, h.state == StateOpen
}

// Receive blocks until the driver delivers a packet matching the filter.
// The returned buffer is sized to the packet and owned by the caller.
func (h *Handle) Receive() ([]byte, core.Metadata, error) {
	s, ok := h.current()
	if !ok {
		return nil, core.Metadata{}, fmt.Errorf("%w: receive on %s", core.ErrHandleClosed, h.opts.name)
	}

	bp := h.bufs.Get().(*[]byte)
	defer h.bufs.Put(bp)

	n, addr, err := h.drv.Recv(s, *bp)
	if err != nil {
		if h.closedDuring(err) {
			return nil, core.Metadata{}, fmt.Errorf("%w: receive aborted on %s", core.ErrHandleClosed, h.opts.name)
		}
		h.driverError("recv", err)
		return nil, core.Metadata{}, fmt.Errorf("%w: receive: %w", core.ErrDriver, err)
	}

	metrics.PacketsReceivedTotal.WithLabelValues(h.opts.name).Inc()
	metrics.BytesReceivedTotal.WithLabelValues(h.opts.name).Add(float64(n))
	return slices.Clone((*bp)[:n]), addr.Metadata(), nil
}

// ReceivePacket receives a packet and decodes it with the handle's family
// hint. Decode errors are returned as is; the raw bytes are still returned
// so the caller can reinject them untouched.
func (h *Handle) ReceivePacket() (*packet.Packet, []byte, core.Metadata, error) {
	raw, meta, err := h.Receive()
	if err != nil {
		return nil, nil, meta, err
	}
	p, err := codec.Decode(raw, h.opts.family)
	if err != nil {
		return nil, raw, meta, err
	}
	return p, raw, meta, nil
}

// Send reinjects raw as is, routed by meta. The driver validates the bytes.
func (h *Handle) Send(raw []byte, meta core.Metadata) error {
	s, ok := h.current()
	if !ok {
		return fmt.Errorf("%w: send on %s", core.ErrHandleClosed, h.opts.name)
	}

	n, err := h.drv.Send(s, raw, layout.FromMetadata(meta))
	if err != nil {
		if h.closedDuring(err) {
			return fmt.Errorf("%w: send aborted on %s", core.ErrHandleClosed, h.opts.name)
		}
		h.driverError("send", err)
		return fmt.Errorf("%w: send: %w", core.ErrDriver, err)
	}
	if n != len(raw) {
		h.driverError("send", nil)
		return fmt.Errorf("%w: send wrote %d of %d bytes", core.ErrDriver, n, len(raw))
	}

	metrics.PacketsSentTotal.WithLabelValues(h.opts.name).Inc()
	return nil
}

// SendPacket recomputes the checksums of p, encodes it and sends the result.
// p adopts the encoded buffer.
func (h *Handle) SendPacket(p *packet.Packet, meta core.Metadata) error {
	if err := checksum.RecomputeAll(p); err != nil {
		metrics.ChecksumRecomputeTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ChecksumRecomputeTotal.WithLabelValues("ok").Inc()
	return h.Send(p.Raw, meta)
}

// GetParam reads a runtime parameter of the open session.
func (h *Handle) GetParam(p driver.Param) (uint64, error) {
	s, ok := h.current()
	if !ok {
		return 0, fmt.Errorf("%w: get %s on closed handle %s", core.ErrInvalidState, p, h.opts.name)
	}
	v, err := h.drv.GetParam(s, p)
	if err != nil {
		if h.closedDuring(err) {
			return 0, fmt.Errorf("%w: get %s on closed handle %s", core.ErrInvalidState, p, h.opts.name)
		}
		h.driverError("get_param", err)
		return 0, fmt.Errorf("%w: get %s: %w", core.ErrDriver, p, err)
	}
	return v, nil
}

// SetParam sets a runtime parameter of the open session.
func (h *Handle) SetParam(p driver.Param, v uint64) error {
	s, ok := h.current()
	if !ok {
		return fmt.Errorf("%w: set %s on closed handle %s", core.ErrInvalidState, p, h.opts.name)
	}
	if err := h.drv.SetParam(s, p, v); err != nil {
		if h.closedDuring(err) {
			return fmt.Errorf("%w: set %s on closed handle %s", core.ErrInvalidState, p, h.opts.name)
		}
		h.driverError("set_param", err)
		return fmt.Errorf("%w: set %s=%d: %w", core.ErrDriver, p, v, err)
	}
	slog.Debug("handle param set", "handle", h.opts.name, "param", p, "value", v)
	return nil
}

// closedDuring reports whether a driver failure came from the session being
// closed while the call was in flight.
func (h *Handle) closedDuring(err error) bool {
	return errors.Is(err, driver.ErrSessionClosed) || !h.IsOpen()
}

func (h *Handle) driverError(op string, err error) {
	metrics.DriverErrorsTotal.WithLabelValues(h.opts.name, op).Inc()
	if err != nil {
		slog.Warn("driver call failed", "handle", h.opts.name, "op", op, "error", err)
	}
}
