package node

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/stream"
)

// fakeHub is a minimal in-process stream registry for node tests.
type fakeHub struct {
	mu      sync.Mutex
	streams map[string]*stream.OutputStream
	specs   map[string]stream.StreamSpec
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		streams: make(map[string]*stream.OutputStream),
		specs:   make(map[string]stream.StreamSpec),
	}
}

func (h *fakeHub) Register(_ context.Context, spec stream.StreamSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.specs[spec.StreamID]; exists {
		return errors.WrapLifecycle(errors.ErrStreamAlreadyExists, "fakeHub", "Register", spec.StreamID)
	}
	h.specs[spec.StreamID] = spec
	return nil
}

func (h *fakeHub) Unregister(_ context.Context, streamID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.specs, streamID)
	delete(h.streams, streamID)
	return nil
}

func (h *fakeHub) track(out *stream.OutputStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[out.Spec().StreamID] = out
}

func (h *fakeHub) Lookup(_ context.Context, streamID string) (stream.StreamSpec, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	spec, ok := h.specs[streamID]
	if !ok {
		return stream.StreamSpec{}, errors.WrapLifecycle(errors.ErrStreamNotFound, "fakeHub", "Lookup", streamID)
	}
	return spec, nil
}

func (h *fakeHub) Attach(ctx context.Context, streamID, subscriberID string, policy ring.Policy) (stream.AttachTicket, error) {
	h.mu.Lock()
	out, ok := h.streams[streamID]
	h.mu.Unlock()
	if !ok {
		return stream.AttachTicket{}, errors.WrapLifecycle(errors.ErrStreamNotFound, "fakeHub", "Attach", streamID)
	}
	return out.Attach(ctx, subscriberID, policy)
}

func (h *fakeHub) Detach(ctx context.Context, streamID, subscriberID string) error {
	h.mu.Lock()
	out, ok := h.streams[streamID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return out.Detach(ctx, subscriberID)
}

func (h *fakeHub) WatchLoss(context.Context, string) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

// fakeDriver declares canned streams and runs until cancelled, unless
// primed to fail.
type fakeDriver struct {
	decl       Declaration
	configErr  error
	runErr     error
	runStarted chan struct{}
}

func (d *fakeDriver) Configure(json.RawMessage) (Declaration, error) {
	if d.configErr != nil {
		return Declaration{}, d.configErr
	}
	return d.decl, nil
}

func (d *fakeDriver) Run(ctx context.Context, _ IO) error {
	if d.runStarted != nil {
		close(d.runStarted)
	}
	if d.runErr != nil {
		return d.runErr
	}
	<-ctx.Done()
	return nil
}

func testSpec(streamID string) stream.StreamSpec {
	return stream.StreamSpec{
		StreamID:    streamID,
		ElementType: stream.Float32,
		Shape:       []int64{stream.StreamingAxis, 2},
		SampleRate:  1000,
		ChunkSize:   10,
		Compression: stream.CompressionNone,
		Endpoint:    "inproc://" + streamID,
	}
}

func TestNodeLifecycle(t *testing.T) {
	hub := newFakeHub()
	driver := &fakeDriver{decl: Declaration{
		Outputs: []stream.OutputConfig{{Spec: testSpec("lifecycle-out")}},
	}}
	n := New("dev0", driver, Deps{Registrar: hub, Resolver: hub})

	assert.Equal(t, StateConfiguring, n.State())
	assert.Equal(t, "dev0", n.Name())

	// Start before Configure fails.
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	require.NoError(t, n.Configure(nil))
	assert.Equal(t, StateReady, n.State())

	// Configure is only valid while configuring.
	err = n.Configure(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, StateRunning, n.State())
	assert.Len(t, n.Outputs(), 1)

	err = n.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, n.Stop(2*time.Second))
	assert.Equal(t, StateStopped, n.State())

	// Stop is idempotent.
	require.NoError(t, n.Stop(2*time.Second))
}

func TestNodeConfigureFailure(t *testing.T) {
	driver := &fakeDriver{configErr: stderrors.New("device unreachable")}
	n := New("dev1", driver, Deps{})

	err := n.Configure(nil)
	require.Error(t, err)
	assert.Equal(t, StateConfiguring, n.State())
	assert.Error(t, n.Health().Err)
}

func TestNodeStartRollsBackOnPartialFailure(t *testing.T) {
	hub := newFakeHub()

	// Two outputs with the same stream id: the second registration fails,
	// so the first must be rolled back.
	driver := &fakeDriver{decl: Declaration{
		Outputs: []stream.OutputConfig{
			{Spec: testSpec("rollback")},
			{Spec: testSpec("rollback")},
		},
	}}
	n := New("dev2", driver, Deps{Registrar: hub, Resolver: hub})
	require.NoError(t, n.Configure(nil))

	err := n.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrStreamAlreadyExists)
	assert.Equal(t, StateConfiguring, n.State())

	// The rollback released the id: a clean node can claim it.
	clean := &fakeDriver{decl: Declaration{
		Outputs: []stream.OutputConfig{{Spec: testSpec("rollback")}},
	}}
	n2 := New("dev3", clean, Deps{Registrar: hub, Resolver: hub})
	require.NoError(t, n2.Configure(nil))
	require.NoError(t, n2.Start(context.Background()))
	require.NoError(t, n2.Stop(2*time.Second))
}

func TestNodeCrashOnRunFailure(t *testing.T) {
	hub := newFakeHub()
	driver := &fakeDriver{
		decl:   Declaration{Outputs: []stream.OutputConfig{{Spec: testSpec("crash-out")}}},
		runErr: stderrors.New("acquisition fault"),
	}
	n := New("dev4", driver, Deps{Registrar: hub, Resolver: hub})
	require.NoError(t, n.Configure(nil))
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool {
		return n.State() == StateCrashed
	}, 2*time.Second, 10*time.Millisecond)

	health := n.Health()
	assert.True(t, errors.IsCrash(health.Err))

	// Stop after crash is a no-op.
	require.NoError(t, n.Stop(time.Second))
	assert.Equal(t, StateCrashed, n.State())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register("fake", func() Driver { return &fakeDriver{} }))
	assert.Error(t, registry.Register("fake", func() Driver { return &fakeDriver{} }))
	assert.Error(t, registry.Register("", func() Driver { return &fakeDriver{} }))

	n, err := registry.Create("fake", "dev5", Deps{})
	require.NoError(t, err)
	assert.Equal(t, "dev5", n.Name())

	_, err = registry.Create("missing", "dev6", Deps{})
	assert.Error(t, err)

	require.NoError(t, RegisterBuiltins(registry))
	assert.Equal(t, []string{"fake", GeneratorDriverType}, registry.Types())
}

func TestGeneratorConfigure(t *testing.T) {
	g := NewGenerator()

	decl, err := g.Configure(json.RawMessage(`{
		"stream_id": "sig",
		"channels": 4,
		"sample_rate": 20000,
		"chunk_size": 100,
		"compression": "lz4"
	}`))
	require.NoError(t, err)
	require.Len(t, decl.Outputs, 1)

	spec := decl.Outputs[0].Spec
	assert.Equal(t, "sig", spec.StreamID)
	assert.Equal(t, stream.Float32, spec.ElementType)
	assert.Equal(t, []int64{stream.StreamingAxis, 4}, spec.Shape)
	assert.Equal(t, stream.CompressionLZ4, spec.Compression)
	assert.Equal(t, "inproc://sig", spec.Endpoint)

	_, err = NewGenerator().Configure(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewGenerator().Configure(json.RawMessage(`{"stream_id":"x","compression":"zstd"}`))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestGeneratorProducesChunks(t *testing.T) {
	hub := newFakeHub()
	ctx := context.Background()

	registry := NewRegistry()
	require.NoError(t, RegisterBuiltins(registry))

	n, err := registry.Create(GeneratorDriverType, "gen0", Deps{Registrar: hub, Resolver: hub})
	require.NoError(t, err)

	require.NoError(t, n.Configure(json.RawMessage(`{
		"stream_id": "gen-sig",
		"channels": 2,
		"sample_rate": 10000,
		"chunk_size": 100,
		"frequency": 50
	}`)))
	require.NoError(t, n.Start(ctx))
	defer n.Stop(2 * time.Second)

	hub.track(n.Outputs()["gen-sig"])

	in, err := stream.Subscribe(ctx, stream.InputDeps{Resolver: hub}, stream.InputConfig{
		StreamID: "gen-sig",
		Policy:   ring.DropOldest,
	})
	require.NoError(t, err)
	defer in.Close(ctx)

	for i := 0; i < 3; i++ {
		nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		chunk, err := in.Next(nextCtx)
		cancel()
		if err != nil {
			// Chunks produced before the subscription attached are gone;
			// gaps here are expected, real data must still follow.
			var gap *stream.GapError
			require.ErrorAs(t, err, &gap)
			continue
		}
		assert.Len(t, chunk.Payload, 100*2*4)
	}
}
