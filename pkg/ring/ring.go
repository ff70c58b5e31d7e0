package ring

import (
	"context"
	"sync"

	"github.com/anatoleotman/pyacq/errors"
)

// Policy defines how a full ring treats a new item.
type Policy int

const (
	// Block stalls the writer until a slot frees up or the context expires.
	Block Policy = iota
	// DropOldest evicts the oldest undelivered item to make room.
	DropOldest
	// DropNewest discards the incoming item; the writer never blocks.
	DropNewest
)

// String returns a human-readable representation of the policy.
func (p Policy) String() string {
	switch p {
	case Block:
		return "blocking"
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a wire/config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "blocking":
		return Block, nil
	case "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	default:
		return 0, errors.WrapLifecycle(errors.ErrInvalidConfig, "ring", "ParsePolicy", "unknown policy "+s)
	}
}

// DropCallback is invoked, outside the lock, for every item lost to policy.
type DropCallback[T any] func(item T)

// Ring is a fixed-capacity FIFO with a configurable overflow policy.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position

	policy Policy
	onDrop DropCallback[T]

	written uint64
	dropped uint64

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithPolicy sets the overflow policy. The default is Block.
func WithPolicy[T any](p Policy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback registers a callback for dropped items.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = cb }
}

// New creates a ring with the given capacity. Capacity below one is
// clamped to one.
func New[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Write adds an item according to the overflow policy. Under Block it
// waits indefinitely; use WriteContext for bounded waits.
func (r *Ring[T]) Write(item T) error {
	return r.WriteContext(context.Background(), item)
}

// WriteContext adds an item, honouring context cancellation while waiting
// under the Block policy.
func (r *Ring[T]) WriteContext(ctx context.Context, item T) error {
	dropped, haveDrop, err := r.write(ctx, item)
	if haveDrop && r.onDrop != nil {
		r.onDrop(dropped)
	}
	return err
}

// write is the locked portion of WriteContext. Any item lost to policy is
// returned to the caller so the drop callback runs without the lock held.
func (r *Ring[T]) write(ctx context.Context, item T) (dropped T, haveDrop bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dropped, false, errors.WrapLifecycle(errors.ErrStreamClosed, "Ring", "Write", "ring closed")
	}

	if r.size == r.capacity {
		switch r.policy {
		case DropOldest:
			dropped = r.items[r.tail]
			haveDrop = true
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.dropped++

		case DropNewest:
			r.dropped++
			return item, true, nil

		case Block:
			if err := r.waitNotFull(ctx); err != nil {
				return dropped, false, err
			}
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.written++

	r.notEmpty.Signal()
	return dropped, haveDrop, nil
}

// waitNotFull blocks until a slot frees, the ring closes, or ctx expires.
// Caller holds the lock.
func (r *Ring[T]) waitNotFull(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	// Cond.Wait cannot watch a context, so a helper goroutine converts
	// cancellation into a broadcast.
	go func() {
		select {
		case <-ctx.Done():
			r.notFull.Broadcast()
		case <-done:
		}
	}()

	for r.size == r.capacity && !r.closed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.notFull.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if r.closed {
		return errors.WrapLifecycle(errors.ErrStreamClosed, "Ring", "Write", "ring closed during wait")
	}
	return nil
}

// Read retrieves and removes one item without blocking.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.take(), true
}

// ReadContext blocks until an item is available, the ring closes, or ctx
// expires. A closed, drained ring reports ErrStreamClosed.
func (r *Ring[T]) ReadContext(ctx context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.notEmpty.Broadcast()
		case <-done:
		}
	}()

	for r.size == 0 && !r.closed {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		r.notEmpty.Wait()
	}
	if r.size == 0 {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errors.WrapLifecycle(errors.ErrStreamClosed, "Ring", "Read", "ring closed")
	}
	return r.take(), nil
}

// take removes and returns the tail item. Caller holds the lock.
func (r *Ring[T]) take() T {
	var zero T
	item := r.items[r.tail]
	r.items[r.tail] = zero // release for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.notFull.Signal()
	return item
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Dropped returns the total number of items lost to the overflow policy.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Written returns the total number of items accepted.
func (r *Ring[T]) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close marks the ring closed and wakes every blocked reader and writer.
// Buffered items remain readable through Read until drained.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}
