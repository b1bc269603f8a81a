// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsReceivedTotal counts packets returned by Receive, per handle.
	PacketsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_packets_received_total",
			Help: "Total number of packets received from the driver",
		},
		[]string{"handle"},
	)

	// PacketsSentTotal counts packets reinjected through Send, per handle.
	PacketsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_packets_sent_total",
			Help: "Total number of packets reinjected into the stack",
		},
		[]string{"handle"},
	)

	// BytesReceivedTotal counts received bytes, per handle.
	BytesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_bytes_received_total",
			Help: "Total number of bytes received from the driver",
		},
		[]string{"handle"},
	)

	// DriverErrorsTotal counts driver failures by operation (open, recv, send, get_param, set_param, close).
	DriverErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_driver_errors_total",
			Help: "Total number of driver call failures",
		},
		[]string{"handle", "op"},
	)

	// OpenHandles tracks handles currently in the open state.
	OpenHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "divert_open_handles",
			Help: "Number of capture handles currently open",
		},
	)

	// ChecksumRecomputeTotal counts checksum recomputations by result (ok, error).
	ChecksumRecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_checksum_recompute_total",
			Help: "Total number of packet checksum recomputations",
		},
		[]string{"result"},
	)

	// RelayPacketsTotal counts packets processed by relay workers by action.
	RelayPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_relay_packets_total",
			Help: "Total number of packets handled by relay workers",
		},
		[]string{"worker", "action"},
	)

	// RelayFlows tracks the current number of redirected flows.
	RelayFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "divert_relay_flows",
			Help: "Current number of flows tracked by the relay",
		},
	)

	// RelayLatencySeconds measures the rewrite and reinjection time of a relayed packet.
	RelayLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "divert_relay_latency_seconds",
			Help:    "Time spent rewriting and reinjecting a relayed packet in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"worker"},
	)
)

// Relay actions.
const (
	ActionForward  = "forward"
	ActionRedirect = "redirect"
	ActionRestore  = "restore"
	ActionSniff    = "sniff"
	ActionDrop     = "drop"
)
