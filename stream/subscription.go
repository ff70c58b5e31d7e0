package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/metric"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/transport"
)

// subscription is one consumer's leg of an OutputStream: a bounded queue of
// encoded frames with that consumer's overflow policy, drained by a worker
// goroutine into the consumer's transport channel. A slow consumer only
// ever costs itself frames.
type subscription struct {
	id       string
	streamID string
	policy   ring.Policy
	timeout  time.Duration // Block policy stall bound

	queue   *ring.Ring[[]byte]
	channel transport.Channel
	logger  *slog.Logger
	metrics *metric.Metrics

	cancel    context.CancelFunc
	done      chan struct{}
	delivered atomic.Uint64
}

func newSubscription(streamID, id string, policy ring.Policy, timeout time.Duration,
	capacity int, channel transport.Channel, logger *slog.Logger, metrics *metric.Metrics) *subscription {

	s := &subscription{
		id:       id,
		streamID: streamID,
		policy:   policy,
		timeout:  timeout,
		channel:  channel,
		logger:   logger.With("stream", streamID, "subscriber", id, "policy", policy.String()),
		metrics:  metrics,
		done:     make(chan struct{}),
	}

	opts := []ring.Option[[]byte]{ring.WithPolicy[[]byte](policy)}
	if metrics != nil {
		dropped := metrics.ChunksDropped.WithLabelValues(streamID, id, policy.String())
		opts = append(opts, ring.WithDropCallback[[]byte](func([]byte) { dropped.Inc() }))
	}
	s.queue = ring.New[[]byte](capacity, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s
}

// offer enqueues an encoded frame under this subscription's policy. Under
// Block a full queue stalls up to the stall bound, then reports
// ErrSubscriberTimeout so the producer can drop the subscription.
func (s *subscription) offer(ctx context.Context, frame []byte) error {
	if s.policy != ring.Block {
		return s.queue.Write(frame)
	}

	writeCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := s.queue.WriteContext(writeCtx, frame)
	if err == nil {
		return nil
	}
	if writeCtx.Err() == context.DeadlineExceeded {
		return errors.WrapPolicy(errors.ErrSubscriberTimeout, "Subscription", "offer", s.id)
	}
	return err
}

// run drains the queue into the transport until the queue closes.
func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	var deliveredCounter interface{ Inc() }
	if s.metrics != nil {
		deliveredCounter = s.metrics.ChunksDelivered.WithLabelValues(s.streamID, s.id)
	}

	for {
		frame, err := s.queue.ReadContext(ctx)
		if err != nil {
			return
		}
		if err := s.channel.Send(ctx, frame); err != nil {
			s.logger.Warn("frame delivery failed, dropping subscription", "error", err)
			return
		}
		s.delivered.Add(1)
		if deliveredCounter != nil {
			deliveredCounter.Inc()
		}
	}
}

// close stops the worker and releases the transport channel. Frames
// already accepted into the queue are drained to the consumer first,
// bounded by the stall timeout; only then is the worker cut off.
func (s *subscription) close() {
	s.queue.Close()

	drain := s.timeout
	if drain <= 0 {
		drain = DefaultSubscriberTimeout
	}
	select {
	case <-s.done:
	case <-time.After(drain):
		s.logger.Warn("drain timed out, discarding queued frames", "queued", s.queue.Len())
	}

	s.cancel()
	<-s.done
	if err := s.channel.Close(); err != nil {
		s.logger.Warn("channel close failed", "error", err)
	}
}

// stats snapshot for this subscription.
func (s *subscription) stats() SubscriptionStats {
	return SubscriptionStats{
		SubscriberID: s.id,
		Policy:       s.policy.String(),
		Endpoint:     s.channel.Endpoint(),
		Queued:       s.queue.Len(),
		Delivered:    s.delivered.Load(),
		Dropped:      s.queue.Dropped(),
	}
}

// SubscriptionStats describes one subscription's delivery counters.
type SubscriptionStats struct {
	SubscriberID string
	Policy       string
	Endpoint     string
	Queued       int
	Delivered    uint64
	Dropped      uint64
}
