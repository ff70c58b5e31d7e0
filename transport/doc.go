// Package transport moves encoded chunk frames between producers and
// consumers.
//
// A Channel is one directed frame pipe bound to an endpoint URL. Two
// schemes exist:
//
//	nats://<subject>   frames ride NATS core messages
//	inproc://<name>    frames cross a process-local bus, no broker hop
//
// The inproc scheme is the fast path for nodes spawned into the same
// process group: a producer and consumer sharing a bus exchange the same
// byte slices that would otherwise round-trip through the broker. Both
// sides of a channel see close as ErrChannelClosed.
package transport
