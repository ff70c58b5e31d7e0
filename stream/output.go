package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/metric"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/transport"
)

// OutputStream lifecycle states.
const (
	outputCreated int32 = iota
	outputConfigured
	outputRunning
	outputClosed
)

// OutputConfig fixes an output stream's behavior before it starts.
type OutputConfig struct {
	Spec StreamSpec
	// QueueCapacity bounds encoded frames parked per subscription.
	QueueCapacity int
	// DefaultPolicy applies when a subscriber attaches without one.
	DefaultPolicy ring.Policy
	// SubscriberTimeout bounds how long Push stalls for one Block-policy
	// subscriber before that subscription is dropped.
	SubscriberTimeout time.Duration
}

// Defaults applied by Configure.
const (
	DefaultQueueCapacity     = 64
	DefaultSubscriberTimeout = 5 * time.Second
)

// OutputDeps carries the infrastructure an OutputStream needs. Registrar
// and Metrics may be nil; Transport.NATS may be nil for inproc endpoints.
type OutputDeps struct {
	Transport transport.Deps
	Registrar Registrar
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// OutputStream is the producer end of a stream. One goroutine calls Push;
// Attach and Detach may be called concurrently from the control plane.
type OutputStream struct {
	deps   OutputDeps
	cfg    OutputConfig
	logger *slog.Logger

	state atomic.Int32
	seq   atomic.Uint64

	pushed      atomic.Uint64
	bytesPushed atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewOutputStream creates an unconfigured output stream.
func NewOutputStream(deps OutputDeps) *OutputStream {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputStream{
		deps:   deps,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Configure validates and fixes the stream spec. Allowed once, before
// Start.
func (o *OutputStream) Configure(cfg OutputConfig) error {
	if o.state.Load() != outputCreated {
		return errors.WrapLifecycle(errors.ErrInvalidState, "OutputStream", "Configure",
			"stream already configured")
	}
	if err := cfg.Spec.Validate(); err != nil {
		return err
	}
	if _, err := transport.ParseEndpoint(cfg.Spec.Endpoint); err != nil {
		return err
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.SubscriberTimeout <= 0 {
		cfg.SubscriberTimeout = DefaultSubscriberTimeout
	}

	o.cfg = cfg
	o.logger = o.logger.With("stream", cfg.Spec.StreamID)
	if !o.state.CompareAndSwap(outputCreated, outputConfigured) {
		return errors.WrapLifecycle(errors.ErrInvalidState, "OutputStream", "Configure",
			"concurrent configure")
	}
	return nil
}

// Start registers the stream and begins accepting subscribers. A stream id
// already held by a live producer fails with ErrStreamAlreadyExists.
func (o *OutputStream) Start(ctx context.Context) error {
	switch o.state.Load() {
	case outputCreated:
		return errors.WrapLifecycle(errors.ErrInvalidState, "OutputStream", "Start", "not configured")
	case outputRunning:
		return errors.WrapLifecycle(errors.ErrAlreadyStarted, "OutputStream", "Start", o.cfg.Spec.StreamID)
	case outputClosed:
		return errors.WrapLifecycle(errors.ErrStreamClosed, "OutputStream", "Start", o.cfg.Spec.StreamID)
	}

	if o.deps.Registrar != nil {
		if err := o.deps.Registrar.Register(ctx, o.cfg.Spec); err != nil {
			return err
		}
	}
	if !o.state.CompareAndSwap(outputConfigured, outputRunning) {
		return errors.WrapLifecycle(errors.ErrInvalidState, "OutputStream", "Start", "concurrent start")
	}
	o.logger.Info("output stream started",
		"endpoint", o.cfg.Spec.Endpoint,
		"element_type", o.cfg.Spec.ElementType.String(),
		"compression", o.cfg.Spec.Compression.String())
	return nil
}

// Spec returns the configured stream spec.
func (o *OutputStream) Spec() StreamSpec { return o.cfg.Spec }

// Push publishes one chunk payload: assigns the next sequence number,
// stamps it, encodes once, and delivers to every subscription under its
// policy. A Block subscriber that stalls past SubscriberTimeout is dropped
// from the stream; Push keeps serving the others.
func (o *OutputStream) Push(ctx context.Context, payload []byte) error {
	if o.state.Load() != outputRunning {
		if o.state.Load() == outputClosed {
			return errors.WrapLifecycle(errors.ErrStreamClosed, "OutputStream", "Push", o.cfg.Spec.StreamID)
		}
		return errors.WrapLifecycle(errors.ErrNotStarted, "OutputStream", "Push", o.cfg.Spec.StreamID)
	}

	chunk := Chunk{
		Seq:       o.seq.Add(1),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	start := time.Now()
	frame, err := EncodeChunk(chunk, o.cfg.Spec.Compression)
	if err != nil {
		return err
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.EncodeDuration.WithLabelValues(o.cfg.Spec.StreamID).
			Observe(time.Since(start).Seconds())
		o.deps.Metrics.ChunksPushed.WithLabelValues(o.cfg.Spec.StreamID).Inc()
		o.deps.Metrics.BytesPushed.WithLabelValues(o.cfg.Spec.StreamID).Add(float64(len(payload)))
	}
	o.pushed.Add(1)
	o.bytesPushed.Add(uint64(len(payload)))

	o.mu.Lock()
	subs := make([]*subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			// Worker died (transport failure); prune.
			o.dropSubscription(sub.id, "delivery worker stopped")
			continue
		default:
		}

		err := sub.offer(ctx, frame)
		switch {
		case err == nil:
		case stderrors.Is(err, errors.ErrSubscriberTimeout):
			o.logger.Warn("subscriber stalled past timeout, dropping subscription",
				"subscriber", sub.id, "timeout", o.cfg.SubscriberTimeout)
			o.dropSubscription(sub.id, "subscriber timeout")
		case stderrors.Is(err, errors.ErrStreamClosed):
			return errors.WrapLifecycle(errors.ErrStreamClosed, "OutputStream", "Push",
				o.cfg.Spec.StreamID)
		default:
			return err
		}
	}
	return nil
}

// Attach reserves a data endpoint for a subscriber and starts delivering
// to it. Called by the control plane when a consumer subscribes.
func (o *OutputStream) Attach(_ context.Context, subscriberID string, policy ring.Policy) (AttachTicket, error) {
	if o.state.Load() != outputRunning {
		return AttachTicket{}, errors.WrapLifecycle(errors.ErrNotStarted, "OutputStream", "Attach",
			o.cfg.Spec.StreamID)
	}
	if subscriberID == "" {
		return AttachTicket{}, errors.WrapLifecycle(errors.ErrInvalidConfig, "OutputStream", "Attach",
			"empty subscriber id")
	}

	endpoint := o.cfg.Spec.Endpoint + "." + subscriberID
	channel, err := transport.Open(endpoint, transport.Publisher, o.deps.Transport)
	if err != nil {
		return AttachTicket{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.subs[subscriberID]; exists {
		channel.Close()
		return AttachTicket{}, errors.WrapLifecycle(errors.ErrInvalidConfig, "OutputStream", "Attach",
			"subscriber "+subscriberID+" already attached")
	}
	o.subs[subscriberID] = newSubscription(o.cfg.Spec.StreamID, subscriberID, policy,
		o.cfg.SubscriberTimeout, o.cfg.QueueCapacity, channel, o.logger, o.deps.Metrics)
	if o.deps.Metrics != nil {
		o.deps.Metrics.Subscribers.WithLabelValues(o.cfg.Spec.StreamID).Inc()
	}
	o.logger.Info("subscriber attached", "subscriber", subscriberID,
		"policy", policy.String(), "endpoint", endpoint)

	return AttachTicket{
		Spec:         o.cfg.Spec,
		Endpoint:     endpoint,
		SubscriberID: subscriberID,
		StartSeq:     o.seq.Load(),
	}, nil
}

// Detach removes a subscription and closes its endpoint.
func (o *OutputStream) Detach(_ context.Context, subscriberID string) error {
	if !o.dropSubscription(subscriberID, "detached") {
		return errors.WrapLifecycle(errors.ErrInvalidConfig, "OutputStream", "Detach",
			"unknown subscriber "+subscriberID)
	}
	return nil
}

func (o *OutputStream) dropSubscription(subscriberID, reason string) bool {
	o.mu.Lock()
	sub, ok := o.subs[subscriberID]
	if ok {
		delete(o.subs, subscriberID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	sub.close()
	if o.deps.Metrics != nil {
		o.deps.Metrics.Subscribers.WithLabelValues(o.cfg.Spec.StreamID).Dec()
	}
	o.logger.Info("subscriber removed", "subscriber", subscriberID, "reason", reason)
	return true
}

// OutputStats is a snapshot of an output stream's counters.
type OutputStats struct {
	StreamID      string
	Seq           uint64
	Pushed        uint64
	BytesPushed   uint64
	Subscriptions []SubscriptionStats
}

// Stats returns a snapshot of the stream's delivery counters.
func (o *OutputStream) Stats() OutputStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := OutputStats{
		StreamID:    o.cfg.Spec.StreamID,
		Seq:         o.seq.Load(),
		Pushed:      o.pushed.Load(),
		BytesPushed: o.bytesPushed.Load(),
	}
	for _, sub := range o.subs {
		stats.Subscriptions = append(stats.Subscriptions, sub.stats())
	}
	return stats
}

// Close unregisters the stream and tears down every subscription. Any Push
// blocked on a slow subscriber wakes with ErrStreamClosed. After Close the
// stream id may be registered again by a new producer.
func (o *OutputStream) Close(ctx context.Context) error {
	prev := o.state.Swap(outputClosed)
	if prev == outputClosed {
		return nil
	}

	o.mu.Lock()
	subs := o.subs
	o.subs = make(map[string]*subscription)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		if o.deps.Metrics != nil {
			o.deps.Metrics.Subscribers.WithLabelValues(o.cfg.Spec.StreamID).Dec()
		}
	}

	if prev == outputRunning && o.deps.Registrar != nil {
		if err := o.deps.Registrar.Unregister(ctx, o.cfg.Spec.StreamID); err != nil {
			o.logger.Warn("unregister failed", "error", err)
		}
	}
	o.logger.Info("output stream closed", "pushed", o.pushed.Load())
	return nil
}
