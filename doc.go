// Package pyacq is a distributed framework for real-time data
// acquisition and streaming, built for multi-channel signal sources
// such as EEG amplifiers, ADC boards, and cameras.
//
// # Architecture
//
// Data flows through typed streams. A producer declares a StreamSpec
// (element type, shape with one streaming axis, sample rate, chunk size,
// compression) and pushes fixed-size chunks into an OutputStream; each
// subscriber gets its own bounded queue with a backpressure policy
// (blocking, drop-oldest, drop-newest) and its own transport endpoint.
// Consumers open an InputStream, which decodes chunks, verifies
// checksums, and reports sequence gaps explicitly instead of hiding
// loss.
//
// Two transports carry chunk frames: a NATS subject for cross-host
// delivery and an in-process bus for same-process producer/consumer
// pairs, selected by the endpoint scheme (nats:// or inproc://).
//
// Acquisition devices are wrapped in nodes: a Driver declares its
// streams during configuration and runs an acquisition loop with the
// opened streams. The node lifecycle (configuring, ready, running,
// stopped, crashed) opens streams atomically, rolling back on partial
// failure, and a crashed driver is detected and reported rather than
// silently restarted.
//
// A Manager is the control plane: it owns the stream registry, spawns
// nodes locally or as pyacq-node worker processes, monitors heartbeats,
// and serves registry and subscription operations over NATS
// request/reply on the acq.ctrl.> subjects. Chunk data never crosses
// the control plane.
//
// # Entry points
//
//   - cmd/pyacqd: the manager daemon
//   - cmd/pyacq-node: the worker that hosts one node for remote spawns
//   - stream: producer/consumer API for embedding in other programs
package pyacq
