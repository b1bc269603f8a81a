package relay

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/divert/internal/core/addr"
	"firestige.xyz/divert/internal/metrics"
)

// FlowRegistry remembers the original destination of redirected flows so
// replies can be restored. It is shared by all workers and is thread-safe.
// Entries expire ttl after the last outbound packet of the flow.
type FlowRegistry struct {
	ttl   time.Duration
	cache *cache.Cache // flow key → addr.Address
}

// NewFlowRegistry creates a registry whose entries live for ttl. The
// divert_relay_flows gauge follows its size, expirations included.
func NewFlowRegistry(ttl time.Duration) *FlowRegistry {
	c := cache.New(ttl, 2*ttl)
	c.OnEvicted(func(string, interface{}) {
		metrics.RelayFlows.Set(float64(c.ItemCount()))
	})
	return &FlowRegistry{
		ttl:   ttl,
		cache: c,
	}
}

func flowKey(proto uint8, local, remote uint16) string {
	return fmt.Sprintf("%d/%d/%d", proto, local, remote)
}

// Remember stores the original remote address of an outbound flow and
// refreshes its expiry.
func (r *FlowRegistry) Remember(proto uint8, local, remote uint16, orig addr.Address) {
	r.cache.Set(flowKey(proto, local, remote), orig, r.ttl)
	metrics.RelayFlows.Set(float64(r.cache.ItemCount()))
}

// Lookup returns the original remote address of a flow.
func (r *FlowRegistry) Lookup(proto uint8, local, remote uint16) (addr.Address, bool) {
	v, ok := r.cache.Get(flowKey(proto, local, remote))
	if !ok {
		return addr.Address{}, false
	}
	return v.(addr.Address), true
}

// Count returns the number of flows, expired ones not yet evicted included.
func (r *FlowRegistry) Count() int {
	return r.cache.ItemCount()
}

// Clear removes all flows.
func (r *FlowRegistry) Clear() {
	r.cache.Flush()
	metrics.RelayFlows.Set(0)
}
