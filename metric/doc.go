// Package metric provides the Prometheus registry and HTTP endpoint for
// acquisition monitoring.
//
// Core metrics cover the data plane (chunks pushed, delivered, dropped,
// bytes moved), the control plane (RPC totals and durations) and node
// health (status, heartbeats, NATS connectivity). Components record
// through the Metrics struct; cmd binaries expose everything via Server.
package metric
