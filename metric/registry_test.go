package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryHasCoreMetrics(t *testing.T) {
	registry := NewRegistry()
	require.NotNil(t, registry.Metrics)

	// Core metrics must be usable immediately.
	registry.Metrics.ChunksPushed.WithLabelValues("eeg-raw").Inc()
	registry.Metrics.ChunksDropped.WithLabelValues("eeg-raw", "sub1", "drop-oldest").Add(3)
	registry.Metrics.NATSConnected.Set(1)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["pyacq_stream_chunks_pushed_total"])
	assert.True(t, names["pyacq_stream_chunks_dropped_total"])
	assert.True(t, names["pyacq_nats_connected"])
}

func TestRegisterComponentCollector(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pyacq",
		Subsystem: "test",
		Name:      "events_total",
		Help:      "test counter",
	})
	require.NoError(t, registry.Register("camera", "events", counter))

	// Same key twice fails.
	err := registry.Register("camera", "events", counter)
	assert.Error(t, err)

	assert.True(t, registry.Unregister("camera", "events"))
	assert.False(t, registry.Unregister("camera", "events"))
}

func TestNewServerDefaults(t *testing.T) {
	server := NewServer(0, "", NewRegistry())
	assert.Equal(t, 9090, server.port)
	assert.Equal(t, "/metrics", server.path)
}
