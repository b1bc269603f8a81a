package driver

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"firestige.xyz/divert/internal/core/layout"
)

// Injection is one packet handed to Memory.Send.
type Injection struct {
	Session Session
	Packet  []byte
	Addr    layout.DivertAddress
}

// Matcher decides whether a delivered packet matches a session filter.
type Matcher func(filter string, pkt []byte, addr layout.DivertAddress) bool

// MemoryOption configures a Memory driver.
type MemoryOption func(*Memory)

// WithMatcher sets the filter matcher. By default every filter matches.
func WithMatcher(m Matcher) MemoryOption {
	return func(d *Memory) { d.match = m }
}

// WithFilterCheck sets the validation applied by Open. By default blank
// filters are rejected.
func WithFilterCheck(check func(filter string) error) MemoryOption {
	return func(d *Memory) { d.checkFilter = check }
}

// Memory is an in-process Driver. Packets enter through Deliver, are
// queued per session subject to the queue parameters, and reinjected
// packets are published on Injections.
type Memory struct {
	mu       sync.Mutex
	next     Session
	sessions map[Session]*memSession

	match       Matcher
	checkFilter func(string) error
	injections  chan Injection
	now         func() time.Time
}

type memSession struct {
	id       Session
	filter   string
	layer    Layer
	priority int16
	flags    Flags
	params   [2]uint64

	queue  []queued
	ready  chan struct{} // signalled on enqueue, capacity 1
	closed chan struct{}
}

type queued struct {
	pkt []byte
	at  time.Time
	layout.DivertAddress
}

const injectionBacklog = 1024

// NewMemory creates an in-process driver.
func NewMemory(opts ...MemoryOption) *Memory {
	d := &Memory{
		sessions:    make(map[Session]*memSession),
		match:       func(string, []byte, layout.DivertAddress) bool { return true },
		checkFilter: checkFilter,
		injections:  make(chan Injection, injectionBacklog),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func checkFilter(filter string) error {
	if strings.TrimSpace(filter) == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	return nil
}

// Open registers a session.
func (d *Memory) Open(filter string, layer Layer, priority int16, flags Flags) (Session, error) {
	if err := d.checkFilter(filter); err != nil {
		return 0, err
	}
	if layer != LayerNetwork && layer != LayerNetworkForward {
		return 0, fmt.Errorf("%w: layer %d", ErrInvalidParam, layer)
	}
	if priority < PriorityMin || priority > PriorityMax {
		return 0, fmt.Errorf("%w: priority %d out of range [%d,%d]", ErrInvalidParam, priority, PriorityMin, PriorityMax)
	}
	if !flags.Valid() {
		return 0, fmt.Errorf("%w: flags %#x", ErrInvalidParam, uint64(flags))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	s := &memSession{
		id:       d.next,
		filter:   filter,
		layer:    layer,
		priority: priority,
		flags:    flags,
		params:   [2]uint64{QueueLenDefault, QueueTimeDefault},
		ready:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	d.sessions[s.id] = s
	return s.id, nil
}

func (d *Memory) session(s Session) (*memSession, error) {
	ms, ok := d.sessions[s]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", ErrSessionClosed, s)
	}
	return ms, nil
}

// Deliver offers pkt to the open sessions as the kernel would: sniffing
// sessions get a copy, the highest-priority diverting session takes it.
// Ties go to the session opened first. It reports whether a diverting
// session took the packet; false means it passed to the stack or was
// dropped because the session queue was full.
func (d *Memory) Deliver(pkt []byte, addr layout.DivertAddress) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cands := make([]*memSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		if d.match(s.filter, pkt, addr) {
			cands = append(cands, s)
		}
	}
	slices.SortFunc(cands, func(a, b *memSession) int {
		if a.priority != b.priority {
			return int(b.priority) - int(a.priority)
		}
		return int(a.id) - int(b.id)
	})

	for _, s := range cands {
		switch {
		case s.flags.Has(FlagDrop) && !s.flags.Has(FlagSniff):
			return true
		case s.flags.Has(FlagSniff):
			if !s.flags.Has(FlagDrop) {
				d.enqueue(s, pkt, addr)
			}
		default:
			return d.enqueue(s, pkt, addr)
		}
	}
	return false
}

// enqueue copies pkt into s's queue; d.mu must be held.
func (d *Memory) enqueue(s *memSession, pkt []byte, addr layout.DivertAddress) bool {
	if uint64(len(s.queue)) >= s.params[ParamQueueLen] {
		return false
	}
	s.queue = append(s.queue, queued{pkt: slices.Clone(pkt), at: d.now(), DivertAddress: addr})
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// Recv blocks until a packet is queued for s or s is closed. Packets that
// waited longer than the queue time are discarded.
func (d *Memory) Recv(s Session, buf []byte) (int, layout.DivertAddress, error) {
	for {
		d.mu.Lock()
		ms, err := d.session(s)
		if err != nil {
			d.mu.Unlock()
			return 0, layout.DivertAddress{}, err
		}
		maxAge := time.Duration(ms.params[ParamQueueTime]) * time.Millisecond
		for len(ms.queue) > 0 {
			q := ms.queue[0]
			ms.queue = ms.queue[1:]
			if d.now().Sub(q.at) > maxAge {
				continue
			}
			d.mu.Unlock()
			if len(buf) < len(q.pkt) {
				return 0, layout.DivertAddress{}, fmt.Errorf("%w: buffer of %d bytes for %d byte packet", ErrInvalidParam, len(buf), len(q.pkt))
			}
			return copy(buf, q.pkt), q.DivertAddress, nil
		}
		ready, closed := ms.ready, ms.closed
		d.mu.Unlock()

		select {
		case <-ready:
		case <-closed:
			return 0, layout.DivertAddress{}, fmt.Errorf("%w: session %d", ErrSessionClosed, s)
		}
	}
}

// Send validates pkt and publishes a copy on Injections. If the backlog is
// full the oldest injection is discarded.
func (d *Memory) Send(s Session, pkt []byte, addr layout.DivertAddress) (int, error) {
	d.mu.Lock()
	_, err := d.session(s)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := validateWire(pkt); err != nil {
		return 0, err
	}

	inj := Injection{Session: s, Packet: slices.Clone(pkt), Addr: addr}
	for {
		select {
		case d.injections <- inj:
			return len(pkt), nil
		default:
			select {
			case <-d.injections:
			default:
			}
		}
	}
}

// Injections streams the packets reinjected through Send.
func (d *Memory) Injections() <-chan Injection { return d.injections }

// validateWire performs the length checks the kernel applies before injection.
func validateWire(pkt []byte) error {
	if len(pkt) == 0 {
		return fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < layout.IPv4MinSize {
			return fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(pkt))
		}
		if total := int(binary.BigEndian.Uint16(pkt[2:])); total != len(pkt) {
			return fmt.Errorf("%w: total length %d, buffer %d", ErrInvalidPacket, total, len(pkt))
		}
	case 6:
		if len(pkt) < layout.IPv6Size {
			return fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(pkt))
		}
		if total := layout.IPv6Size + int(binary.BigEndian.Uint16(pkt[4:])); total != len(pkt) {
			return fmt.Errorf("%w: total length %d, buffer %d", ErrInvalidPacket, total, len(pkt))
		}
	default:
		return fmt.Errorf("%w: ip version %d", ErrInvalidPacket, pkt[0]>>4)
	}
	return nil
}

// GetParam returns the current value of p.
func (d *Memory) GetParam(s Session, p Param) (uint64, error) {
	if _, _, ok := p.Bounds(); !ok {
		return 0, p.Check(0)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, err := d.session(s)
	if err != nil {
		return 0, err
	}
	return ms.params[p], nil
}

// SetParam sets p after checking its bounds.
func (d *Memory) SetParam(s Session, p Param, v uint64) error {
	if err := p.Check(v); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, err := d.session(s)
	if err != nil {
		return err
	}
	ms.params[p] = v
	return nil
}

// Close releases s and wakes a blocked Recv. Queued packets are discarded.
func (d *Memory) Close(s Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, err := d.session(s)
	if err != nil {
		return err
	}
	delete(d.sessions, s)
	ms.queue = nil
	close(ms.closed)
	return nil
}

// Sessions returns the number of open sessions.
func (d *Memory) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
