package stream

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/transport"
)

// testHub is an in-process Registrar+Resolver, standing in for the manager
// registry.
type testHub struct {
	mu      sync.Mutex
	streams map[string]*OutputStream
	specs   map[string]StreamSpec
	loss    map[string]chan struct{}
}

func newTestHub() *testHub {
	return &testHub{
		streams: make(map[string]*OutputStream),
		specs:   make(map[string]StreamSpec),
		loss:    make(map[string]chan struct{}),
	}
}

func (h *testHub) Register(_ context.Context, spec StreamSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.specs[spec.StreamID]; exists {
		return errors.WrapLifecycle(errors.ErrStreamAlreadyExists, "testHub", "Register", spec.StreamID)
	}
	h.specs[spec.StreamID] = spec
	if _, ok := h.loss[spec.StreamID]; !ok {
		h.loss[spec.StreamID] = make(chan struct{})
	}
	return nil
}

func (h *testHub) Unregister(_ context.Context, streamID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.specs, streamID)
	delete(h.streams, streamID)
	// Like the manager registry, a clean close wakes loss watchers.
	if ch, ok := h.loss[streamID]; ok {
		close(ch)
		delete(h.loss, streamID)
	}
	return nil
}

func (h *testHub) track(out *OutputStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[out.Spec().StreamID] = out
}

func (h *testHub) Lookup(_ context.Context, streamID string) (StreamSpec, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	spec, ok := h.specs[streamID]
	if !ok {
		return StreamSpec{}, errors.WrapLifecycle(errors.ErrStreamNotFound, "testHub", "Lookup", streamID)
	}
	return spec, nil
}

func (h *testHub) Attach(ctx context.Context, streamID, subscriberID string, policy ring.Policy) (AttachTicket, error) {
	h.mu.Lock()
	out, ok := h.streams[streamID]
	h.mu.Unlock()
	if !ok {
		return AttachTicket{}, errors.WrapLifecycle(errors.ErrStreamNotFound, "testHub", "Attach", streamID)
	}
	return out.Attach(ctx, subscriberID, policy)
}

func (h *testHub) Detach(ctx context.Context, streamID, subscriberID string) error {
	h.mu.Lock()
	out, ok := h.streams[streamID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return out.Detach(ctx, subscriberID)
}

func (h *testHub) WatchLoss(_ context.Context, streamID string) (<-chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.loss[streamID]
	if !ok {
		ch = make(chan struct{})
		h.loss[streamID] = ch
	}
	return ch, nil
}

func (h *testHub) declareLost(streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.loss[streamID]; ok {
		close(ch)
		delete(h.loss, streamID)
	}
}

func inprocSpec(streamID string, compression Compression) StreamSpec {
	return StreamSpec{
		StreamID:    streamID,
		ElementType: Float32,
		Shape:       []int64{StreamingAxis, 4},
		SampleRate:  1000,
		ChunkSize:   8,
		Compression: compression,
		Endpoint:    "inproc://" + streamID,
	}
}

func startOutput(t *testing.T, hub *testHub, cfg OutputConfig) *OutputStream {
	t.Helper()

	out := NewOutputStream(OutputDeps{Registrar: hub})
	require.NoError(t, out.Configure(cfg))
	require.NoError(t, out.Start(context.Background()))
	hub.track(out)
	t.Cleanup(func() { _ = out.Close(context.Background()) })
	return out
}

func float32Payload(n int, base float32) []byte {
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(base+float32(i)))
	}
	return buf
}

func TestOutputLifecycle(t *testing.T) {
	out := NewOutputStream(OutputDeps{})
	ctx := context.Background()

	// Push and Start before Configure fail.
	err := out.Push(ctx, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNotStarted)
	err = out.Start(ctx)
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	require.NoError(t, out.Configure(OutputConfig{Spec: inprocSpec("lifecycle", CompressionNone)}))

	// Configure is once only.
	err = out.Configure(OutputConfig{Spec: inprocSpec("lifecycle", CompressionNone)})
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	// Push before Start fails.
	err = out.Push(ctx, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, out.Start(ctx))
	err = out.Start(ctx)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, out.Push(ctx, []byte("x")))
	require.NoError(t, out.Close(ctx))

	err = out.Push(ctx, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrStreamClosed)

	// Close is idempotent.
	require.NoError(t, out.Close(ctx))
}

func TestConfigureRejectsInvalidSpec(t *testing.T) {
	out := NewOutputStream(OutputDeps{})

	spec := inprocSpec("bad", CompressionNone)
	spec.ChunkSize = 0
	assert.Error(t, out.Configure(OutputConfig{Spec: spec}))

	spec = inprocSpec("bad", CompressionNone)
	spec.Endpoint = "not-an-endpoint"
	assert.Error(t, out.Configure(OutputConfig{Spec: spec}))
}

func TestStreamIDExclusive(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	startOutput(t, hub, OutputConfig{Spec: inprocSpec("exclusive", CompressionNone)})

	// Second producer on the same id is rejected.
	dup := NewOutputStream(OutputDeps{Registrar: hub})
	require.NoError(t, dup.Configure(OutputConfig{Spec: inprocSpec("exclusive", CompressionNone)}))
	err := dup.Start(ctx)
	assert.ErrorIs(t, err, errors.ErrStreamAlreadyExists)
}

func TestStreamIDReusableAfterClose(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	first := NewOutputStream(OutputDeps{Registrar: hub})
	require.NoError(t, first.Configure(OutputConfig{Spec: inprocSpec("reuse", CompressionNone)}))
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Close(ctx))

	second := NewOutputStream(OutputDeps{Registrar: hub})
	require.NoError(t, second.Configure(OutputConfig{Spec: inprocSpec("reuse", CompressionNone)}))
	require.NoError(t, second.Start(ctx))
	require.NoError(t, second.Close(ctx))
}

func TestEndToEndDelivery(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("e2e", CompressionLZ4)})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID: "e2e",
		Policy:   ring.DropOldest,
	})
	require.NoError(t, err)
	defer in.Close(ctx)

	assert.Equal(t, out.Spec().StreamID, in.Spec().StreamID)

	for i := 0; i < 5; i++ {
		require.NoError(t, out.Push(ctx, float32Payload(32, float32(i))))
	}

	for i := 0; i < 5; i++ {
		nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		chunk, err := in.Next(nextCtx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), chunk.Seq)
		assert.Equal(t, float32Payload(32, float32(i)), chunk.Payload)
		assert.False(t, chunk.Timestamp.IsZero())
	}

	stats := in.Stats()
	assert.Equal(t, uint64(5), stats.Received)
	assert.Equal(t, uint64(0), stats.MissedChunks)
}

func TestDropOldestAccountsForEveryChunk(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	const total = 400 // enough to overflow the transport plus the queue

	out := startOutput(t, hub, OutputConfig{
		Spec:          inprocSpec("drop-oldest", CompressionNone),
		QueueCapacity: 4,
	})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID: "drop-oldest",
		Policy:   ring.DropOldest,
	})
	require.NoError(t, err)
	defer in.Close(ctx)

	payload := float32Payload(8, 0)
	for i := 0; i < total; i++ {
		require.NoError(t, out.Push(ctx, payload))
	}

	var received, missed uint64
	lastSeq := uint64(0)
	for received+missed < total {
		nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		chunk, err := in.Next(nextCtx)
		cancel()

		var gap *GapError
		switch {
		case err == nil:
			assert.Greater(t, chunk.Seq, lastSeq, "sequence must be strictly increasing")
			lastSeq = chunk.Seq
			received++
		case stderrors.As(err, &gap):
			missed += gap.Missing
		default:
			t.Fatalf("unexpected error after %d chunks: %v", received, err)
		}
	}

	assert.Equal(t, uint64(total), received+missed)
	assert.Equal(t, missed, in.Stats().MissedChunks)
}

// rawFeed is a Resolver whose Attach hands out a pre-opened endpoint so a
// test can inject frames directly, bypassing OutputStream.
type rawFeed struct {
	spec StreamSpec
	pub  transport.Channel
}

func newRawFeed(t *testing.T, spec StreamSpec) *rawFeed {
	t.Helper()
	pub, err := transport.Open(spec.Endpoint+".reader", transport.Publisher, transport.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })
	return &rawFeed{spec: spec, pub: pub}
}

func (f *rawFeed) Lookup(context.Context, string) (StreamSpec, error) { return f.spec, nil }

func (f *rawFeed) Attach(context.Context, string, string, ring.Policy) (AttachTicket, error) {
	return AttachTicket{Spec: f.spec, Endpoint: f.spec.Endpoint + ".reader", SubscriberID: "reader"}, nil
}

func (f *rawFeed) Detach(context.Context, string, string) error { return nil }

func (f *rawFeed) WatchLoss(context.Context, string) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

func (f *rawFeed) send(t *testing.T, seq uint64, payload []byte) {
	t.Helper()
	frame, err := EncodeChunk(Chunk{Seq: seq, Timestamp: time.Now(), Payload: payload}, f.spec.Compression)
	require.NoError(t, err)
	require.NoError(t, f.pub.Send(context.Background(), frame))
}

func TestGapBeforeFirstDelivery(t *testing.T) {
	ctx := context.Background()
	feed := newRawFeed(t, inprocSpec("lead-loss", CompressionNone))

	in, err := Subscribe(ctx, InputDeps{Resolver: feed}, InputConfig{StreamID: "lead-loss"})
	require.NoError(t, err)
	defer in.Close(ctx)

	// Chunks 1..4 never arrive; delivery begins at seq 5. The very first
	// Next must report the loss, not silently accept the frame.
	feed.send(t, 5, float32Payload(32, 0))

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = in.Next(nextCtx)
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, uint64(4), gap.Missing)
	assert.Equal(t, uint64(1), gap.Expected)
	assert.Equal(t, uint64(5), gap.Got)

	chunk, err := in.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), chunk.Seq)
	assert.Equal(t, uint64(4), in.Stats().MissedChunks)
}

func TestMidStreamAttachIsNotAGap(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("late-join", CompressionNone)})

	payload := float32Payload(32, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, out.Push(ctx, payload))
	}

	// A subscriber joining at seq 3 must not see chunks 1..3 as lost.
	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{StreamID: "late-join"})
	require.NoError(t, err)
	defer in.Close(ctx)

	require.NoError(t, out.Push(ctx, payload))

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	chunk, err := in.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), chunk.Seq)
	assert.Equal(t, uint64(0), in.Stats().MissedChunks)
}

func TestBlockingSubscriberDroppedAfterTimeout(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{
		Spec:              inprocSpec("block-timeout", CompressionNone),
		QueueCapacity:     1,
		SubscriberTimeout: 50 * time.Millisecond,
	})

	// Attach a Block subscriber that never reads.
	_, err := out.Attach(ctx, "stalled", ring.Block)
	require.NoError(t, err)
	require.Len(t, out.Stats().Subscriptions, 1)

	// Keep pushing until the transport and queue are full, then one more
	// push stalls past the timeout and evicts the subscription.
	payload := []byte{1, 2, 3, 4}
	deadline := time.Now().Add(10 * time.Second)
	for len(out.Stats().Subscriptions) > 0 {
		require.NoError(t, out.Push(ctx, payload))
		if time.Now().After(deadline) {
			t.Fatal("stalled subscriber was never dropped")
		}
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	startOutput(t, hub, OutputConfig{Spec: inprocSpec("close-next", CompressionNone)})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{StreamID: "close-next"})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, nerr := in.Next(context.Background())
		errs <- nerr
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, in.Close(ctx))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errors.ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on Close")
	}
}

func TestSubscribeUnknownStream(t *testing.T) {
	hub := newTestHub()

	_, err := Subscribe(context.Background(), InputDeps{Resolver: hub},
		InputConfig{StreamID: "missing"})
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)
}

func TestSubscribeIncompatibleSpec(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	startOutput(t, hub, OutputConfig{Spec: inprocSpec("compat", CompressionNone)})

	expected := inprocSpec("compat", CompressionNone)
	expected.ElementType = Int16
	_, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID: "compat",
		Expected: &expected,
	})
	assert.ErrorIs(t, err, errors.ErrIncompatibleSpec)
}

func TestProducerLoss(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	startOutput(t, hub, OutputConfig{Spec: inprocSpec("lost", CompressionNone)})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{StreamID: "lost"})
	require.NoError(t, err)
	defer in.Close(ctx)

	errs := make(chan error, 1)
	go func() {
		_, nerr := in.Next(context.Background())
		errs <- nerr
	}()

	time.Sleep(20 * time.Millisecond)
	hub.declareLost("lost")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errors.ErrProducerLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe producer loss")
	}
}

func TestDetachDeliversAcceptedChunks(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("detach-drain", CompressionNone)})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID:     "detach-drain",
		SubscriberID: "tap",
	})
	require.NoError(t, err)
	defer in.Close(ctx)

	payload := float32Payload(32, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, out.Push(ctx, payload))
	}

	// Detach right after the pushes: chunks the subscription accepted
	// must be drained to the consumer, not discarded with the queue.
	require.NoError(t, out.Detach(ctx, "tap"))

	for want := uint64(1); want <= 3; want++ {
		nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		chunk, err := in.Next(nextCtx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, chunk.Seq)
	}

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = in.Next(nextCtx)
	assert.ErrorIs(t, err, errors.ErrProducerLost)
}

func TestCleanProducerCloseEndsSubscription(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("clean-close", CompressionNone)})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{StreamID: "clean-close"})
	require.NoError(t, err)
	defer in.Close(ctx)

	payload := float32Payload(32, 0)
	require.NoError(t, out.Push(ctx, payload))
	require.NoError(t, out.Push(ctx, payload))
	require.NoError(t, out.Close(ctx))

	// Chunks accepted before the close are still delivered, then the
	// subscription ends instead of blocking forever.
	for want := uint64(1); want <= 2; want++ {
		nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		chunk, err := in.Next(nextCtx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, chunk.Seq)
	}

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = in.Next(nextCtx)
	assert.ErrorIs(t, err, errors.ErrProducerLost)
}

func TestCallbackMode(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("callbacks", CompressionSnappy)})

	var mu sync.Mutex
	var seqs []uint64
	chunkSeen := make(chan struct{}, 16)

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID: "callbacks",
		OnChunk: func(chunk Chunk) {
			mu.Lock()
			seqs = append(seqs, chunk.Seq)
			mu.Unlock()
			chunkSeen <- struct{}{}
		},
		OnGap: func(GapError) {},
	})
	require.NoError(t, err)
	defer in.Close(ctx)

	// Next is unavailable in callback mode.
	_, err = in.Next(ctx)
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	for i := 0; i < 3; i++ {
		require.NoError(t, out.Push(ctx, float32Payload(8, float32(i))))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-chunkSeen:
		case <-time.After(2 * time.Second):
			t.Fatalf("callback %d never fired", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestDetachStopsDelivery(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("detach", CompressionNone)})

	in, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID:     "detach",
		SubscriberID: "sub1",
	})
	require.NoError(t, err)
	defer in.Close(ctx)

	require.NoError(t, out.Detach(ctx, "sub1"))
	assert.Empty(t, out.Stats().Subscriptions)

	// Detaching twice reports the unknown subscriber.
	assert.Error(t, out.Detach(ctx, "sub1"))
}

func TestOutputStats(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	out := startOutput(t, hub, OutputConfig{Spec: inprocSpec("stats", CompressionNone)})

	_, err := Subscribe(ctx, InputDeps{Resolver: hub}, InputConfig{
		StreamID:     "stats",
		SubscriberID: "watcher",
	})
	require.NoError(t, err)

	payload := float32Payload(8, 1)
	for i := 0; i < 4; i++ {
		require.NoError(t, out.Push(ctx, payload))
	}

	stats := out.Stats()
	assert.Equal(t, "stats", stats.StreamID)
	assert.Equal(t, uint64(4), stats.Seq)
	assert.Equal(t, uint64(4), stats.Pushed)
	assert.Equal(t, uint64(4*len(payload)), stats.BytesPushed)
	require.Len(t, stats.Subscriptions, 1)
	assert.Equal(t, "watcher", stats.Subscriptions[0].SubscriberID)
	assert.Equal(t, fmt.Sprintf("inproc://stats.%s", "watcher"), stats.Subscriptions[0].Endpoint)
}
