//go:build integration

package natsclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func natsURL() string {
	if url := os.Getenv("PYACQ_NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4222"
}

func connectedClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(natsURL(), WithName("pyacq-integration"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})
	return client
}

func TestIntegrationPublishSubscribe(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, client.Subscribe(ctx, "acq.test.pubsub", func(_ context.Context, data []byte) {
		received <- data
	}))

	require.NoError(t, client.Publish(ctx, "acq.test.pubsub", []byte("chunk")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("chunk"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegrationRequestReply(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	require.NoError(t, client.RespondSubscribe(ctx, "acq.test.echo",
		func(_ context.Context, data []byte) ([]byte, error) {
			return append([]byte("echo:"), data...), nil
		}))

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reply, err := client.Request(reqCtx, "acq.test.echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), reply)
}

func TestIntegrationKVRoundTrip(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	kv, err := client.EnsureKVBucket(ctx, "pyacq-test-registry")
	require.NoError(t, err)

	_, err = kv.Put(ctx, "stream.eeg-raw", []byte(`{"endpoint":"nats://acq.data.eeg-raw"}`))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "stream.eeg-raw")
	require.NoError(t, err)
	assert.Contains(t, string(entry.Value), "acq.data.eeg-raw")

	require.NoError(t, kv.Delete(ctx, "stream.eeg-raw"))
	_, err = kv.Get(ctx, "stream.eeg-raw")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestIntegrationKVCASRetry(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	kv, err := client.EnsureKVBucket(ctx, "pyacq-test-registry")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Delete(ctx, "counter") })

	for i := 0; i < 5; i++ {
		err := kv.UpdateWithRetry(ctx, "counter", func(current []byte) ([]byte, error) {
			return append(current, 'x'), nil
		})
		require.NoError(t, err)
	}

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Len(t, entry.Value, 5)
}
