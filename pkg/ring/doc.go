// Package ring provides a generic, thread-safe ring buffer with the three
// backpressure policies the framework supports: Block, DropOldest and
// DropNewest.
//
// Every OutputStream subscription owns a Ring holding encoded chunk frames,
// and the in-process transport uses one as its delivery queue. Drop counts
// are tracked so gaps can be reported instead of silently swallowed.
package ring
