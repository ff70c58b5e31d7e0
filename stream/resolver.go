package stream

import (
	"context"

	"github.com/anatoleotman/pyacq/pkg/ring"
)

// Registrar is the producer side of the stream registry. An OutputStream
// registers its spec on Start and unregisters on Close.
type Registrar interface {
	Register(ctx context.Context, spec StreamSpec) error
	Unregister(ctx context.Context, streamID string) error
}

// AttachTicket is what a producer hands a consumer at attach time: the
// stream's spec, the data endpoint reserved for that subscriber, and the
// sequence number the producer had already reached. Chunks numbered at or
// below StartSeq predate the subscription and are not counted as lost.
type AttachTicket struct {
	Spec         StreamSpec
	Endpoint     string
	SubscriberID string
	StartSeq     uint64
}

// Resolver is the consumer side of the control plane. Subscribe uses it to
// find a producer, negotiate a subscription, and learn about producer loss.
type Resolver interface {
	Lookup(ctx context.Context, streamID string) (StreamSpec, error)
	Attach(ctx context.Context, streamID, subscriberID string, policy ring.Policy) (AttachTicket, error)
	Detach(ctx context.Context, streamID, subscriberID string) error
	// WatchLoss returns a channel closed when the producer is declared
	// lost (crash or heartbeat timeout).
	WatchLoss(ctx context.Context, streamID string) (<-chan struct{}, error)
}
