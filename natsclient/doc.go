// Package natsclient manages the NATS connection shared by the data and
// control planes.
//
// A single Client per process owns one *nats.Conn. The data plane uses
// Publish and ChanSubscribe for chunk frames; the control plane uses
// Request and RespondSubscribe for manager RPC. A JetStream key-value
// bucket mirrors the manager's stream registry so late joiners can look up
// endpoints without a round trip to the manager.
//
// Connection failures feed a circuit breaker: after a threshold of
// consecutive failures the client stops dialing and backs off with
// exponential delay, so a dead broker does not stall acquisition loops on
// connect timeouts.
package natsclient
