// Package manager is the control plane of an acquisition setup.
//
// A Manager owns the stream registry (stream id to spec and producer),
// the node table (spawned nodes, local or remote), and the heartbeat
// monitor that declares silent nodes crashed. Local nodes run in the
// manager's process; remote nodes run cmd/pyacq-node under os/exec and
// talk back over NATS request/reply on the acq.ctrl.> subject space,
// while chunk data stays on acq.data.> or in-process buses.
//
// The registry serves stream.Registrar for producers and stream.Resolver
// for consumers. With a NATS client present, the registry is mirrored
// into a JetStream key-value bucket and the same operations are exposed
// as RPC for other processes; without one the manager runs in local mode,
// which is how unit tests and single-process setups use it.
package manager
