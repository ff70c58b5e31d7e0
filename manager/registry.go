package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/natsclient"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/stream"
)

// attacher is whatever can create a subscription on a producer: a local
// OutputStream or a remote forwarder.
type attacher interface {
	Attach(ctx context.Context, subscriberID string, policy ring.Policy) (stream.AttachTicket, error)
	Detach(ctx context.Context, subscriberID string) error
}

type streamRecord struct {
	spec     stream.StreamSpec
	ownerID  string // node id, empty for unmanaged producers
	producer attacher
}

// Registry is the stream table: stream id to spec and producer. It
// implements stream.Registrar for producers and stream.Resolver for
// consumers, and optionally mirrors itself into a JetStream KV bucket.
type Registry struct {
	logger *slog.Logger
	kv     *natsclient.KVStore // nil in local mode
	// onLoss, when set, broadcasts producer loss beyond this process.
	onLoss func(streamID string)

	mu       sync.RWMutex
	streams  map[string]*streamRecord
	watchers map[string][]chan struct{}
}

// NewRegistry creates an empty stream registry. kv may be nil.
func NewRegistry(logger *slog.Logger, kv *natsclient.KVStore) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		kv:       kv,
		streams:  make(map[string]*streamRecord),
		watchers: make(map[string][]chan struct{}),
	}
}

// Register claims a stream id for a producer. An id held by a live
// producer fails with ErrStreamAlreadyExists.
func (r *Registry) Register(ctx context.Context, spec stream.StreamSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.streams[spec.StreamID]; exists {
		r.mu.Unlock()
		return errors.WrapLifecycle(errors.ErrStreamAlreadyExists, "Registry", "Register", spec.StreamID)
	}
	r.streams[spec.StreamID] = &streamRecord{spec: spec}
	r.mu.Unlock()

	r.mirrorPut(ctx, spec)
	r.logger.Info("stream registered", "stream", spec.StreamID, "endpoint", spec.Endpoint)
	return nil
}

// Unregister releases a stream id after a clean producer close. Loss
// watchers are woken so a consumer blocked on the stream sees end of
// stream instead of hanging.
func (r *Registry) Unregister(ctx context.Context, streamID string) error {
	r.mu.Lock()
	_, exists := r.streams[streamID]
	var watchers []chan struct{}
	if exists {
		delete(r.streams, streamID)
		watchers = r.watchers[streamID]
		delete(r.watchers, streamID)
	}
	r.mu.Unlock()

	if !exists {
		return errors.WrapLifecycle(errors.ErrStreamNotFound, "Registry", "Unregister", streamID)
	}
	for _, ch := range watchers {
		close(ch)
	}
	r.mirrorDelete(ctx, streamID)
	if r.onLoss != nil {
		r.onLoss(streamID)
	}
	r.logger.Info("stream unregistered", "stream", streamID, "watchers", len(watchers))
	return nil
}

// bind attaches ownership and the attach path to a registered stream.
func (r *Registry) bind(streamID, ownerID string, producer attacher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.streams[streamID]; ok {
		rec.ownerID = ownerID
		rec.producer = producer
	}
}

// Lookup returns the spec registered for a stream id.
func (r *Registry) Lookup(_ context.Context, streamID string) (stream.StreamSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.streams[streamID]
	if !ok {
		return stream.StreamSpec{}, errors.WrapLifecycle(errors.ErrStreamNotFound, "Registry", "Lookup", streamID)
	}
	return rec.spec, nil
}

// Attach negotiates a subscription with the stream's producer.
func (r *Registry) Attach(ctx context.Context, streamID, subscriberID string,
	policy ring.Policy) (stream.AttachTicket, error) {

	r.mu.RLock()
	rec, ok := r.streams[streamID]
	r.mu.RUnlock()

	if !ok {
		return stream.AttachTicket{}, errors.WrapLifecycle(errors.ErrStreamNotFound, "Registry", "Attach", streamID)
	}
	if rec.producer == nil {
		return stream.AttachTicket{}, errors.WrapTransport(errors.ErrEndpointUnreachable, "Registry", "Attach",
			"no attach path for "+streamID)
	}
	return rec.producer.Attach(ctx, subscriberID, policy)
}

// Detach removes a subscription from the stream's producer.
func (r *Registry) Detach(ctx context.Context, streamID, subscriberID string) error {
	r.mu.RLock()
	rec, ok := r.streams[streamID]
	r.mu.RUnlock()

	if !ok || rec.producer == nil {
		return nil
	}
	return rec.producer.Detach(ctx, subscriberID)
}

// WatchLoss returns a channel closed when the stream's producer is
// declared lost.
func (r *Registry) WatchLoss(_ context.Context, streamID string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{})
	r.watchers[streamID] = append(r.watchers[streamID], ch)
	return ch, nil
}

// declareLost drops a stream whose producer crashed and wakes every loss
// watcher.
func (r *Registry) declareLost(ctx context.Context, streamID string) {
	r.mu.Lock()
	_, existed := r.streams[streamID]
	delete(r.streams, streamID)
	watchers := r.watchers[streamID]
	delete(r.watchers, streamID)
	r.mu.Unlock()

	if !existed && len(watchers) == 0 {
		return
	}
	for _, ch := range watchers {
		close(ch)
	}
	r.mirrorDelete(ctx, streamID)
	if r.onLoss != nil {
		r.onLoss(streamID)
	}
	r.logger.Warn("stream producer lost", "stream", streamID, "watchers", len(watchers))
}

// streamsOwnedBy lists the stream ids bound to a node.
func (r *Registry) streamsOwnedBy(ownerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, rec := range r.streams {
		if rec.ownerID == ownerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// List returns every registered spec.
func (r *Registry) List() []stream.StreamSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]stream.StreamSpec, 0, len(r.streams))
	for _, rec := range r.streams {
		specs = append(specs, rec.spec)
	}
	return specs
}

func (r *Registry) mirrorPut(ctx context.Context, spec stream.StreamSpec) {
	if r.kv == nil {
		return
	}
	value, err := json.Marshal(spec)
	if err != nil {
		return
	}
	if _, err := r.kv.Put(ctx, "stream."+spec.StreamID, value); err != nil {
		r.logger.Warn("kv mirror put failed", "stream", spec.StreamID, "error", err)
	}
}

func (r *Registry) mirrorDelete(ctx context.Context, streamID string) {
	if r.kv == nil {
		return
	}
	if err := r.kv.Delete(ctx, "stream."+streamID); err != nil {
		r.logger.Warn("kv mirror delete failed", "stream", streamID, "error", err)
	}
}
