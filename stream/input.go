package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/metric"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/transport"
)

// GapError reports a hole in the sequence: Missing chunks were lost
// between the last delivered chunk and the next one. It is returned from
// Next before the chunk that follows the gap; the consumer chooses how to
// react.
type GapError struct {
	Missing  uint64
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gap of %d chunks: expected seq %d, got %d", e.Missing, e.Expected, e.Got)
}

// InputConfig describes a subscription to one stream.
type InputConfig struct {
	StreamID string
	// SubscriberID defaults to a random UUID.
	SubscriberID string
	Policy       ring.Policy
	// Expected, when set, is checked against the producer's advertised
	// spec; a mismatch fails Subscribe with ErrIncompatibleSpec.
	Expected *StreamSpec
	// OnChunk switches the stream to callback mode: a goroutine pulls
	// chunks and invokes OnChunk/OnGap, and Next becomes unavailable.
	OnChunk func(Chunk)
	OnGap   func(GapError)
}

// InputDeps carries the infrastructure an InputStream needs.
type InputDeps struct {
	Resolver  Resolver
	Transport transport.Deps
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// InputStream is the consumer end of a stream. A single reader calls Next;
// in callback mode the stream runs its own reader.
type InputStream struct {
	deps   InputDeps
	cfg    InputConfig
	spec   StreamSpec
	logger *slog.Logger

	channel transport.Channel
	lossCh  <-chan struct{}

	lastSeq uint64 // reader-owned, no lock
	pending *Chunk // chunk held back while a GapError is surfaced

	received atomic.Uint64
	gaps     atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	cancelRx  context.CancelFunc
	callbacks chan struct{} // closed when the callback loop exits
}

// Subscribe resolves a stream, verifies compatibility, and attaches to the
// producer. The returned stream is live: frames buffer in the transport
// until Next (or the callbacks) consume them.
func Subscribe(ctx context.Context, deps InputDeps, cfg InputConfig) (*InputStream, error) {
	if deps.Resolver == nil {
		return nil, errors.WrapLifecycle(errors.ErrInvalidConfig, "InputStream", "Subscribe",
			"nil resolver")
	}
	if cfg.StreamID == "" {
		return nil, errors.WrapLifecycle(errors.ErrInvalidConfig, "InputStream", "Subscribe",
			"empty stream id")
	}
	if cfg.SubscriberID == "" {
		cfg.SubscriberID = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", cfg.StreamID, "subscriber", cfg.SubscriberID)

	spec, err := deps.Resolver.Lookup(ctx, cfg.StreamID)
	if err != nil {
		return nil, err
	}
	if cfg.Expected != nil {
		if err := cfg.Expected.Compatible(spec); err != nil {
			return nil, err
		}
	}

	ticket, err := deps.Resolver.Attach(ctx, cfg.StreamID, cfg.SubscriberID, cfg.Policy)
	if err != nil {
		return nil, err
	}

	channel, err := transport.Open(ticket.Endpoint, transport.Subscriber, deps.Transport)
	if err != nil {
		_ = deps.Resolver.Detach(ctx, cfg.StreamID, cfg.SubscriberID)
		return nil, err
	}

	lossCh, err := deps.Resolver.WatchLoss(ctx, cfg.StreamID)
	if err != nil {
		channel.Close()
		_ = deps.Resolver.Detach(ctx, cfg.StreamID, cfg.SubscriberID)
		return nil, err
	}

	rxCtx, cancelRx := context.WithCancel(context.Background())
	s := &InputStream{
		deps:     deps,
		cfg:      cfg,
		spec:     ticket.Spec,
		logger:   logger,
		channel:  channel,
		lossCh:   lossCh,
		closed:   make(chan struct{}),
		cancelRx: cancelRx,
		lastSeq:  ticket.StartSeq,
	}
	logger.Info("subscribed", "endpoint", ticket.Endpoint, "policy", cfg.Policy.String())

	if cfg.OnChunk != nil {
		s.callbacks = make(chan struct{})
		go s.callbackLoop(rxCtx)
	} else {
		cancelRx()
	}
	return s, nil
}

// Spec returns the producer's advertised spec.
func (s *InputStream) Spec() StreamSpec { return s.spec }

// SubscriberID returns the id this subscription attached under.
func (s *InputStream) SubscriberID() string { return s.cfg.SubscriberID }

// Next returns the next chunk in strictly increasing sequence order. When
// chunks were lost it first returns a *GapError, then the chunk that
// follows the gap. Producer loss surfaces as ErrProducerLost; Close
// unblocks a pending Next with ErrStreamClosed.
func (s *InputStream) Next(ctx context.Context) (*Chunk, error) {
	if s.cfg.OnChunk != nil {
		return nil, errors.WrapLifecycle(errors.ErrInvalidState, "InputStream", "Next",
			"stream is in callback mode")
	}
	return s.next(ctx)
}

func (s *InputStream) next(ctx context.Context) (*Chunk, error) {
	if s.pending != nil {
		chunk := s.pending
		s.pending = nil
		return chunk, nil
	}

	for {
		select {
		case <-s.closed:
			return nil, errors.WrapLifecycle(errors.ErrStreamClosed, "InputStream", "Next",
				s.cfg.StreamID)
		default:
		}

		var frame []byte
		var err error
		select {
		case <-s.lossCh:
			// Producer is gone, but frames it delivered before closing
			// may still sit in the transport. Drain those first; only
			// an empty transport reports the loss.
			drained, cancel := context.WithCancel(ctx)
			cancel()
			frame, err = s.channel.Receive(drained)
			if err != nil {
				return nil, errors.WrapCrash(errors.ErrProducerLost, "InputStream", "Next",
					s.cfg.StreamID)
			}
		default:
			rxCtx, cancel := context.WithCancel(ctx)
			stop := make(chan struct{})
			go func() {
				select {
				case <-s.closed:
					cancel()
				case <-s.lossCh:
					cancel()
				case <-stop:
				}
			}()
			frame, err = s.channel.Receive(rxCtx)
			close(stop)
			cancel()
		}

		if err != nil {
			select {
			case <-s.closed:
				return nil, errors.WrapLifecycle(errors.ErrStreamClosed, "InputStream", "Next",
					s.cfg.StreamID)
			case <-s.lossCh:
				// Loop back through the drain path above.
				continue
			default:
			}
			if stderrors.Is(err, errors.ErrChannelClosed) {
				return nil, errors.WrapCrash(errors.ErrProducerLost, "InputStream", "Next",
					s.cfg.StreamID)
			}
			return nil, err
		}

		chunk, err := DecodeChunk(frame, s.spec.Compression)
		if err != nil {
			// A corrupt frame is dropped, not fatal: the next frame may
			// decode fine, and the gap logic accounts for the hole.
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if chunk.Seq <= s.lastSeq {
			// Duplicate or stale delivery.
			continue
		}

		s.received.Add(1)
		if chunk.Seq > s.lastSeq+1 {
			gap := &GapError{
				Missing:  chunk.Seq - s.lastSeq - 1,
				Expected: s.lastSeq + 1,
				Got:      chunk.Seq,
			}
			s.lastSeq = chunk.Seq
			s.gaps.Add(gap.Missing)
			s.pending = &chunk
			return nil, gap
		}
		s.lastSeq = chunk.Seq
		return &chunk, nil
	}
}

// callbackLoop drives OnChunk/OnGap until the stream closes or the
// producer is lost.
func (s *InputStream) callbackLoop(ctx context.Context) {
	defer close(s.callbacks)

	for {
		chunk, err := s.next(ctx)
		if err == nil {
			s.cfg.OnChunk(*chunk)
			continue
		}

		var gap *GapError
		if stderrors.As(err, &gap) {
			if s.cfg.OnGap != nil {
				s.cfg.OnGap(*gap)
			}
			continue
		}
		if stderrors.Is(err, errors.ErrProducerLost) {
			s.logger.Warn("producer lost, stopping callbacks")
		}
		return
	}
}

// InputStats is a snapshot of a consumer's counters.
type InputStats struct {
	StreamID string
	LastSeq  uint64
	Received uint64
	// MissedChunks is the total width of all observed gaps.
	MissedChunks uint64
}

// Stats returns a snapshot of receive counters. Call from the reader
// goroutine or after Close.
func (s *InputStream) Stats() InputStats {
	return InputStats{
		StreamID:     s.cfg.StreamID,
		LastSeq:      s.lastSeq,
		Received:     s.received.Load(),
		MissedChunks: s.gaps.Load(),
	}
}

// Close detaches from the producer and unblocks any pending Next.
func (s *InputStream) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancelRx()
		if s.callbacks != nil {
			<-s.callbacks
		}
		if cerr := s.channel.Close(); cerr != nil {
			err = cerr
		}
		if derr := s.deps.Resolver.Detach(ctx, s.cfg.StreamID, s.cfg.SubscriberID); derr != nil {
			s.logger.Warn("detach failed", "error", derr)
		}
		s.logger.Info("unsubscribed", "received", s.received.Load(), "missed", s.gaps.Load())
	})
	return err
}
