package manager

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/node"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/stream"
)

// fakeSource declares one output stream and runs until cancelled, unless
// primed to fail.
type fakeSource struct {
	streamID string
	runErr   error
}

func (d *fakeSource) Configure(json.RawMessage) (node.Declaration, error) {
	return node.Declaration{
		Outputs: []stream.OutputConfig{{Spec: stream.StreamSpec{
			StreamID:    d.streamID,
			ElementType: stream.Float32,
			Shape:       []int64{stream.StreamingAxis, 2},
			SampleRate:  1000,
			ChunkSize:   10,
			Compression: stream.CompressionNone,
			Endpoint:    "inproc://" + d.streamID,
		}}},
	}, nil
}

func (d *fakeSource) Run(ctx context.Context, _ node.IO) error {
	if d.runErr != nil {
		return d.runErr
	}
	<-ctx.Done()
	return nil
}

func newTestManager(t *testing.T, cfg Config, driver node.Driver) *Manager {
	t.Helper()

	drivers := node.NewRegistry()
	require.NoError(t, drivers.Register("fakesrc", func() node.Driver { return driver }))

	m, err := New(cfg, Deps{Drivers: drivers})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestManagerSpawnLocalNode(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{}, &fakeSource{streamID: "spawn-sig"})

	record, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc", AutoStart: true})
	require.NoError(t, err)
	assert.Equal(t, "fakesrc0", record.Name)
	assert.Equal(t, LocalHost, record.Host)
	assert.Equal(t, NodeRunning, record.Status)
	assert.Equal(t, []string{"spawn-sig"}, record.Streams)

	// The node's output is registered and attachable.
	spec, err := m.Registry().Lookup(ctx, "spawn-sig")
	require.NoError(t, err)
	assert.Equal(t, "spawn-sig", spec.StreamID)

	ticket, err := m.Registry().Attach(ctx, "spawn-sig", "sub-1", ring.DropOldest)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", ticket.SubscriberID)
	require.NoError(t, m.Registry().Detach(ctx, "spawn-sig", "sub-1"))

	require.NoError(t, m.Terminate(ctx, record.NodeID))
	_, err = m.Registry().Lookup(ctx, "spawn-sig")
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)
	assert.Empty(t, m.ListNodes())
}

func TestManagerSpawnWithoutStart(t *testing.T) {
	drivers := node.NewRegistry()
	require.NoError(t, drivers.Register("fakesrc", func() node.Driver { return &fakeSource{streamID: "x"} }))
	m, err := New(Config{}, Deps{Drivers: drivers})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), NodeConfig{Type: "fakesrc"})
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestManagerRejectsUnknownDriver(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeSource{streamID: "y"})

	_, err := m.Spawn(context.Background(), NodeConfig{Type: "missing"})
	require.Error(t, err)
}

func TestManagerRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{}, &fakeSource{streamID: "dup-sig"})

	_, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc", Name: "dev0"})
	require.NoError(t, err)

	_, err = m.Spawn(ctx, NodeConfig{Type: "fakesrc", Name: "dev0"})
	require.Error(t, err)
}

func TestManagerNodeNaming(t *testing.T) {
	ctx := context.Background()

	drivers := node.NewRegistry()
	i := 0
	require.NoError(t, drivers.Register("fakesrc", func() node.Driver {
		i++
		return &fakeSource{streamID: "name-sig-" + string(rune('a'+i))}
	}))
	m, err := New(Config{}, Deps{Drivers: drivers})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	first, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc"})
	require.NoError(t, err)
	second, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc"})
	require.NoError(t, err)

	assert.Equal(t, "fakesrc0", first.Name)
	assert.Equal(t, "fakesrc1", second.Name)
}

func TestManagerRemoteSpawnNeedsBinaryAndNATS(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeSource{streamID: "z"})

	_, err := m.Spawn(context.Background(), NodeConfig{Type: "fakesrc", Host: "rig-2"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestManagerHeartbeatUnknownNode(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeSource{streamID: "w"})

	err := m.Heartbeat("no-such-node", NodeRunning, nil)
	assert.ErrorIs(t, err, errors.ErrNodeNotFound)
}

func TestManagerDetectsLocalCrash(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{HeartbeatInterval: 20 * time.Millisecond},
		&fakeSource{streamID: "crash-sig", runErr: stderrors.New("acquisition fault")})

	record, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc"})
	require.NoError(t, err)

	// Watch before the node starts so the crash cannot outrun us.
	lost, err := m.Registry().WatchLoss(ctx, "crash-sig")
	require.NoError(t, err)

	require.NoError(t, m.StartNode(ctx, record.NodeID))

	require.Eventually(t, func() bool {
		got, err := m.GetNode(record.NodeID)
		return err == nil && got.Status == NodeCrashed
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("loss watcher never fired")
	}
}

func TestManagerStartStopAll(t *testing.T) {
	ctx := context.Background()

	drivers := node.NewRegistry()
	i := 0
	require.NoError(t, drivers.Register("fakesrc", func() node.Driver {
		i++
		return &fakeSource{streamID: "all-sig-" + string(rune('a'+i))}
	}))
	m, err := New(Config{}, Deps{Drivers: drivers})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Close(ctx) })

	a, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc"})
	require.NoError(t, err)
	b, err := m.Spawn(ctx, NodeConfig{Type: "fakesrc"})
	require.NoError(t, err)
	assert.Equal(t, NodeReady, a.Status)
	assert.Equal(t, NodeReady, b.Status)

	require.NoError(t, m.StartAllNodes(ctx))
	for _, rec := range m.ListNodes() {
		assert.Equal(t, NodeRunning, rec.Status)
		assert.Len(t, rec.Streams, 1)
	}

	require.NoError(t, m.StopAllNodes(ctx))
	assert.Empty(t, m.ListNodes())
	assert.Empty(t, m.Registry().List())
}

func TestManagerDoubleStart(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeSource{streamID: "v"})

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestRegistryUnmanagedProducer(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil)

	spec := stream.StreamSpec{
		StreamID:    "bare",
		ElementType: stream.Int16,
		Shape:       []int64{stream.StreamingAxis, 8},
		SampleRate:  500,
		ChunkSize:   50,
		Compression: stream.CompressionNone,
		Endpoint:    "inproc://bare",
	}
	require.NoError(t, r.Register(ctx, spec))
	assert.ErrorIs(t, r.Register(ctx, spec), errors.ErrStreamAlreadyExists)

	// Registered but never bound: lookups work, attach has no path.
	_, err := r.Lookup(ctx, "bare")
	require.NoError(t, err)
	_, err = r.Attach(ctx, "bare", "sub", ring.Block)
	assert.ErrorIs(t, err, errors.ErrEndpointUnreachable)

	require.NoError(t, r.Unregister(ctx, "bare"))
	assert.ErrorIs(t, r.Unregister(ctx, "bare"), errors.ErrStreamNotFound)
}

func TestUnregisterWakesLossWatchers(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil)

	spec := stream.StreamSpec{
		StreamID:    "clean-close",
		ElementType: stream.Int16,
		Shape:       []int64{stream.StreamingAxis, 8},
		SampleRate:  500,
		ChunkSize:   50,
		Compression: stream.CompressionNone,
		Endpoint:    "inproc://clean-close",
	}
	require.NoError(t, r.Register(ctx, spec))

	var lossSignals []string
	r.onLoss = func(streamID string) { lossSignals = append(lossSignals, streamID) }

	lost, err := r.WatchLoss(ctx, "clean-close")
	require.NoError(t, err)

	// A clean producer close must wake watchers the same way a crash
	// does, or a consumer blocked on the stream never returns.
	require.NoError(t, r.Unregister(ctx, "clean-close"))

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("loss watcher not woken by Unregister")
	}
	assert.Equal(t, []string{"clean-close"}, lossSignals)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(rpcEnvelope{OK: true, Data: json.RawMessage(`{"stream_id":"s"}`)})
	require.NoError(t, err)

	var req lookupRequest
	require.NoError(t, decodeEnvelope(payload, &req))
	assert.Equal(t, "s", req.StreamID)
}

func TestEnvelopeErrorCodes(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{errors.WrapLifecycle(errors.ErrStreamNotFound, "t", "t", ""), errors.ErrStreamNotFound},
		{errors.WrapLifecycle(errors.ErrStreamAlreadyExists, "t", "t", ""), errors.ErrStreamAlreadyExists},
		{errors.WrapProtocol(errors.ErrIncompatibleSpec, "t", "t", ""), errors.ErrIncompatibleSpec},
		{errors.WrapLifecycle(errors.ErrNodeNotFound, "t", "t", ""), errors.ErrNodeNotFound},
		{errors.WrapLifecycle(errors.ErrNotStarted, "t", "t", ""), errors.ErrNotStarted},
	}
	for _, tc := range cases {
		payload, err := json.Marshal(rpcEnvelope{Error: tc.err.Error(), Code: codeFor(tc.err)})
		require.NoError(t, err)
		assert.ErrorIs(t, decodeEnvelope(payload, nil), tc.sentinel)
	}

	// Unmapped failures stay transport-classified rather than silently
	// matching a sentinel.
	payload, err := json.Marshal(rpcEnvelope{Error: "boom", Code: codeInternal})
	require.NoError(t, err)
	assert.True(t, errors.IsTransient(decodeEnvelope(payload, nil)))
}
