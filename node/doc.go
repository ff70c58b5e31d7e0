// Package node runs acquisition nodes: devices and processing stages that
// own output streams and consume input streams.
//
// A Node wraps a device-specific Driver in a lifecycle state machine:
//
//	configuring -> ready -> running -> stopping -> stopped
//
// crashed is reachable from any non-terminal state when the driver's run
// loop fails. Configure fixes the node's stream declarations before any
// stream opens; Start opens every declared stream, rolling back in reverse
// on partial failure; Stop is idempotent and bounded by a timeout.
//
// Driver implementations register in a Registry under a type name, the way
// device classes are addressed by name in acquisition configs.
package node
