// Package stream implements the data plane of the acquisition framework:
// self-describing stream specs, the chunk wire codec, and the producer and
// consumer stream types.
//
// An OutputStream owns a per-subscription ring of encoded chunk frames and
// applies the subscription's backpressure policy on every push. An
// InputStream subscribes through a Resolver, reassembles chunks in sequence
// order, and reports gaps instead of silently resuming after drops.
//
// All multi-byte wire fields are big-endian.
package stream
