package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pyacq"

// Metrics contains the platform-level acquisition metrics.
type Metrics struct {
	// Data plane
	ChunksPushed    *prometheus.CounterVec
	ChunksDelivered *prometheus.CounterVec
	ChunksDropped   *prometheus.CounterVec
	BytesPushed     *prometheus.CounterVec
	Subscribers     *prometheus.GaugeVec
	EncodeDuration  *prometheus.HistogramVec

	// Control plane
	RPCTotal    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Nodes
	NodeStatus      *prometheus.GaugeVec
	HeartbeatMissed *prometheus.CounterVec

	// NATS
	NATSConnected prometheus.Gauge
	NATSRTT       prometheus.Gauge
}

// NewMetrics creates all platform metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		ChunksPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "chunks_pushed_total",
				Help:      "Chunks accepted by OutputStream.Push",
			},
			[]string{"stream"},
		),
		ChunksDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "chunks_delivered_total",
				Help:      "Chunks handed to the transport per subscription",
			},
			[]string{"stream", "subscriber"},
		),
		ChunksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "chunks_dropped_total",
				Help:      "Chunks lost to overflow policy per subscription",
			},
			[]string{"stream", "subscriber", "policy"},
		),
		BytesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "bytes_pushed_total",
				Help:      "Raw payload bytes accepted by OutputStream.Push",
			},
			[]string{"stream"},
		),
		Subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Active subscriptions per stream",
			},
			[]string{"stream"},
		),
		EncodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "encode_duration_seconds",
				Help:      "Chunk encode time including compression",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
			[]string{"stream"},
		),
		RPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ctrl",
				Name:      "rpc_total",
				Help:      "Control-plane RPC calls by operation and status",
			},
			[]string{"op", "status"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ctrl",
				Name:      "rpc_duration_seconds",
				Help:      "Control-plane RPC round-trip time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		NodeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "status",
				Help:      "Node state (0=configuring, 1=ready, 2=running, 3=stopping, 4=stopped, 5=crashed)",
			},
			[]string{"node"},
		),
		HeartbeatMissed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "heartbeats_missed_total",
				Help:      "Missed heartbeats per node",
			},
			[]string{"node"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChunksPushed,
		m.ChunksDelivered,
		m.ChunksDropped,
		m.BytesPushed,
		m.Subscribers,
		m.EncodeDuration,
		m.RPCTotal,
		m.RPCDuration,
		m.NodeStatus,
		m.HeartbeatMissed,
		m.NATSConnected,
		m.NATSRTT,
	}
}
