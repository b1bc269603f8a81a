// Package relay runs worker handles that receive diverted packets, optionally
// redirect them to another host, and reinject them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/core/addr"
	"firestige.xyz/divert/internal/core/packet"
	"firestige.xyz/divert/internal/driver"
	"firestige.xyz/divert/internal/handle"
	"firestige.xyz/divert/internal/metrics"
)

// Relay owns one handle per worker. Workers share the flow registry and
// nothing else.
type Relay struct {
	drv     driver.Driver
	handle  config.HandleConfig
	workers int

	redirect bool
	target   addr.Address
	target4  bool
	flows    *FlowRegistry

	mu      sync.Mutex
	handles []*handle.Handle
}

// New creates a relay from cfg. The driver is not touched until Run.
func New(drv driver.Driver, cfg *config.Config) *Relay {
	r := &Relay{
		drv:     drv,
		handle:  cfg.Handle,
		workers: max(cfg.Relay.Workers, 1),
		flows:   NewFlowRegistry(cfg.Relay.FlowTTL),
	}
	if a, ok := cfg.Relay.RedirectAddr(); ok {
		a = a.Unmap()
		r.redirect = true
		r.target = addr.FromNetip(a)
		r.target4 = a.Is4()
	}
	return r
}

// Flows exposes the flow registry.
func (r *Relay) Flows() *FlowRegistry { return r.flows }

// Run opens the worker handles and processes packets until ctx is done or
// a worker fails. Cancelling ctx closes every handle, which aborts the
// pending receives.
func (r *Relay) Run(ctx context.Context) error {
	handles, err := r.open()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		r.closeAll()
	}()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.work(h); err != nil {
				slog.Error("relay worker failed", "handle", h.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	slog.Info("relay started", "workers", len(handles), "filter", r.handle.Filter, "redirect", r.redirect)
	wg.Wait()
	cancel()
	<-closed
	r.flows.Clear()
	slog.Info("relay stopped")

	return errors.Join(errs...)
}

func (r *Relay) open() ([]*handle.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.handles) > 0 {
		return nil, fmt.Errorf("%w: relay already running", core.ErrInvalidState)
	}

	handles := make([]*handle.Handle, 0, r.workers)
	for i := range r.workers {
		h, err := handle.Open(r.drv, r.handle.Filter,
			handle.WithName(fmt.Sprintf("worker-%d", i)),
			handle.WithPriority(r.handle.Priority),
			handle.WithLayer(r.handle.Layer),
			handle.WithFlags(r.handle.Flags),
			handle.WithBufferSize(r.handle.BufferSize),
		)
		if err == nil {
			err = applyParams(h, r.handle)
			if err != nil {
				_ = h.Close()
			}
		}
		if err != nil {
			for _, opened := range handles {
				_ = opened.Close()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	r.handles = handles
	return handles, nil
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, h := range handles {
		if !h.IsOpen() {
			continue
		}
		if err := h.Close(); err != nil {
			slog.Warn("failed to close handle", "handle", h.Name(), "error", err)
		}
	}
}

// ApplyParams updates the queue parameters of every running worker.
// Zero values leave the current setting.
func (r *Relay) ApplyParams(hc config.HandleConfig) error {
	r.mu.Lock()
	handles := r.handles
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := applyParams(h, hc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func applyParams(h *handle.Handle, hc config.HandleConfig) error {
	if hc.QueueLen != 0 {
		if err := h.SetParam(driver.ParamQueueLen, hc.QueueLen); err != nil {
			return err
		}
	}
	if hc.QueueTime != 0 {
		if err := h.SetParam(driver.ParamQueueTime, hc.QueueTime); err != nil {
			return err
		}
	}
	return nil
}

// work is one worker loop. It returns nil once the handle is closed.
func (r *Relay) work(h *handle.Handle) error {
	name := h.Name()
	sniff := r.handle.Flags.Has(driver.FlagSniff)

	for {
		p, raw, meta, err := h.ReceivePacket()
		start := time.Now()
		switch {
		case errors.Is(err, core.ErrHandleClosed):
			return nil
		case errors.Is(err, core.ErrDriver):
			return err
		case sniff:
			// the stack already has the original
			metrics.RelayPacketsTotal.WithLabelValues(name, metrics.ActionSniff).Inc()
			continue
		case err != nil:
			slog.Debug("forwarding undecodable packet", "handle", name, "len", len(raw), "error", err)
			p = nil
		}

		action := metrics.ActionForward
		if p != nil {
			action = r.rewrite(p, meta)
		}

		if action == metrics.ActionForward {
			err = h.Send(raw, meta)
		} else {
			err = h.SendPacket(p, meta)
		}
		if err != nil {
			if errors.Is(err, core.ErrHandleClosed) {
				return nil
			}
			slog.Warn("reinjection failed", "handle", name, "action", action, "error", err)
			metrics.RelayPacketsTotal.WithLabelValues(name, metrics.ActionDrop).Inc()
			continue
		}

		metrics.RelayPacketsTotal.WithLabelValues(name, action).Inc()
		metrics.RelayLatencySeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// rewrite applies the redirect to p in place and returns the action taken.
// Outbound TCP/UDP packets are sent to the target and their original
// destination is remembered; inbound replies from the target get that
// destination back as their source.
func (r *Relay) rewrite(p *packet.Packet, meta core.Metadata) string {
	if !r.redirect {
		return metrics.ActionForward
	}
	kind := p.Transport()
	if kind != packet.TransportTCP && kind != packet.TransportUDP {
		return metrics.ActionForward
	}
	if (p.Network() == packet.NetworkIPv4) != r.target4 {
		return metrics.ActionForward
	}
	// Later fragments carry no ports and could not follow the rewrite.
	if p.IPv4 != nil && p.IPv4.IsFragment() {
		return metrics.ActionForward
	}

	proto := p.Protocol()
	src, dst := p.Ports()

	if meta.Direction == core.Outbound {
		orig := p.DstAddr()
		if orig == r.target {
			return metrics.ActionForward
		}
		r.flows.Remember(proto, src, dst, orig)
		p.SetDstAddr(r.target)
		return metrics.ActionRedirect
	}

	if p.SrcAddr() != r.target {
		return metrics.ActionForward
	}
	orig, ok := r.flows.Lookup(proto, dst, src)
	if !ok {
		return metrics.ActionForward
	}
	p.SetSrcAddr(orig)
	return metrics.ActionRestore
}

// Target returns the redirect target, if any.
func (r *Relay) Target() (netip.Addr, bool) {
	if !r.redirect {
		return netip.Addr{}, false
	}
	return r.target.Addr(), true
}
