package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/natsclient"
	"github.com/anatoleotman/pyacq/node"
	"github.com/anatoleotman/pyacq/pkg/retry"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/stream"
	"github.com/anatoleotman/pyacq/transport"
)

// RemoteResolver speaks the control-plane protocol from another process.
// It satisfies stream.Registrar and stream.Resolver, so producers and
// consumers use it exactly like the in-process registry.
type RemoteResolver struct {
	nats    *natsclient.Client
	logger  *slog.Logger
	timeout time.Duration

	// NodeID, when set, ties registered streams to a node so the manager
	// can forward attach calls and sweep the streams on node death.
	NodeID string
}

// NewRemoteResolver creates a resolver over an established NATS client.
func NewRemoteResolver(nats *natsclient.Client, logger *slog.Logger) *RemoteResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteResolver{
		nats:    nats,
		logger:  logger.With("component", "remote_resolver"),
		timeout: 5 * time.Second,
	}
}

// request performs one control round trip with transient-failure retry.
func (r *RemoteResolver) request(ctx context.Context, subject string, req, out any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return retry.Do(ctx, retry.Control(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		reply, err := r.nats.Request(callCtx, subject, data)
		if err != nil {
			return err
		}
		if err := decodeEnvelope(reply, out); err != nil {
			// The manager answered; retrying will not change its mind.
			return retry.NonRetryable(err)
		}
		return nil
	})
}

// Register announces a stream to the manager.
func (r *RemoteResolver) Register(ctx context.Context, spec stream.StreamSpec) error {
	frame, err := stream.EncodeSpec(spec)
	if err != nil {
		return err
	}
	return r.request(ctx, subjectRegister, registerRequest{SpecFrame: frame, NodeID: r.NodeID}, nil)
}

// Unregister withdraws a stream.
func (r *RemoteResolver) Unregister(ctx context.Context, streamID string) error {
	return r.request(ctx, subjectUnregister, unregisterRequest{StreamID: streamID}, nil)
}

// Lookup fetches a stream's spec from the manager.
func (r *RemoteResolver) Lookup(ctx context.Context, streamID string) (stream.StreamSpec, error) {
	var reply specReply
	if err := r.request(ctx, subjectLookup, lookupRequest{StreamID: streamID}, &reply); err != nil {
		return stream.StreamSpec{}, err
	}
	return stream.DecodeSpec(reply.SpecFrame)
}

// Attach asks the manager for a subscription ticket.
func (r *RemoteResolver) Attach(ctx context.Context, streamID, subscriberID string,
	policy ring.Policy) (stream.AttachTicket, error) {

	var reply attachReply
	err := r.request(ctx, subjectAttach, attachRequest{
		StreamID:     streamID,
		SubscriberID: subscriberID,
		Policy:       policy.String(),
	}, &reply)
	if err != nil {
		return stream.AttachTicket{}, err
	}
	spec, err := stream.DecodeSpec(reply.SpecFrame)
	if err != nil {
		return stream.AttachTicket{}, err
	}
	return stream.AttachTicket{
		Spec:         spec,
		Endpoint:     reply.Endpoint,
		SubscriberID: reply.SubscriberID,
		StartSeq:     reply.StartSeq,
	}, nil
}

// Detach releases a subscription.
func (r *RemoteResolver) Detach(ctx context.Context, streamID, subscriberID string) error {
	return r.request(ctx, subjectDetach, detachRequest{StreamID: streamID, SubscriberID: subscriberID}, nil)
}

// WatchLoss delivers producer-loss by closing the returned channel when
// the manager broadcasts on the stream's loss subject.
func (r *RemoteResolver) WatchLoss(ctx context.Context, streamID string) (<-chan struct{}, error) {
	ch := make(chan struct{})
	var once sync.Once
	err := r.nats.Subscribe(ctx, subjectLoss(streamID), func(context.Context, []byte) {
		once.Do(func() { close(ch) })
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Heartbeat reports a remote node's status to the manager.
func (r *RemoteResolver) Heartbeat(ctx context.Context, nodeID string, status NodeStatus, streams []string) error {
	return r.request(ctx, subjectHeartbeat, heartbeatRequest{
		NodeID:  nodeID,
		Status:  status,
		Streams: streams,
	}, nil)
}

// NodeHostConfig describes one node hosted in a worker process.
type NodeHostConfig struct {
	NodeID            string
	Name              string
	Driver            string
	Params            json.RawMessage
	HeartbeatInterval time.Duration
}

// NodeHost runs a single node in a worker process: it registers streams
// through the manager, serves forwarded attach calls, and heartbeats
// until the context ends.
type NodeHost struct {
	cfg      NodeHostConfig
	nats     *natsclient.Client
	drivers  *node.Registry
	resolver *RemoteResolver
	logger   *slog.Logger
	n        *node.Node
}

// NewNodeHost wires a host; Run does the rest.
func NewNodeHost(cfg NodeHostConfig, nats *natsclient.Client, drivers *node.Registry,
	logger *slog.Logger) (*NodeHost, error) {

	if cfg.NodeID == "" || cfg.Driver == "" {
		return nil, errors.WrapLifecycle(errors.ErrInvalidConfig, "NodeHost", "New",
			"node id and driver are required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Driver
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	resolver := NewRemoteResolver(nats, logger)
	resolver.NodeID = cfg.NodeID

	return &NodeHost{
		cfg:      cfg,
		nats:     nats,
		drivers:  drivers,
		resolver: resolver,
		logger:   logger.With("component", "node_host", "node", cfg.Name),
	}, nil
}

// Run configures and starts the node, then blocks until ctx ends or the
// node crashes.
func (h *NodeHost) Run(ctx context.Context) error {
	n, err := h.drivers.Create(h.cfg.Driver, h.cfg.Name, node.Deps{
		Transport: transport.Deps{NATS: h.nats, Logger: h.logger},
		Registrar: h.resolver,
		Resolver:  h.resolver,
		Logger:    h.logger,
	})
	if err != nil {
		return err
	}
	h.n = n

	if err := n.Configure(h.cfg.Params); err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	if err := h.serveAttach(ctx); err != nil {
		_ = n.Stop(5 * time.Second)
		return err
	}

	h.logger.Info("node host running", "node_id", h.cfg.NodeID)
	err = h.heartbeatLoop(ctx)

	if stopErr := n.Stop(5 * time.Second); stopErr != nil {
		h.logger.Warn("node stop failed", "error", stopErr)
	}

	// Best effort; the manager also learns of the stop from silence.
	finalCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.resolver.Heartbeat(finalCtx, h.cfg.NodeID, NodeStopped, nil)

	return err
}

// serveAttach answers forwarded attach and detach calls for the node's
// output streams.
func (h *NodeHost) serveAttach(ctx context.Context) error {
	attach := func(_ context.Context, data []byte) ([]byte, error) {
		var req attachRequest
		env := rpcEnvelope{}
		if err := json.Unmarshal(data, &req); err != nil {
			env.Error, env.Code = err.Error(), codeInvalid
			return json.Marshal(env)
		}
		out, ok := h.n.Outputs()[req.StreamID]
		policy, perr := ring.ParsePolicy(req.Policy)
		switch {
		case !ok:
			env.Error, env.Code = "unknown stream "+req.StreamID, codeStreamNotFound
		case perr != nil:
			env.Error, env.Code = perr.Error(), codeInvalid
		default:
			ticket, err := out.Attach(ctx, req.SubscriberID, policy)
			if err != nil {
				env.Error, env.Code = err.Error(), codeFor(err)
				break
			}
			frame, err := stream.EncodeSpec(ticket.Spec)
			if err != nil {
				env.Error, env.Code = err.Error(), codeInternal
				break
			}
			payload, _ := json.Marshal(attachReply{
				SpecFrame:    frame,
				Endpoint:     ticket.Endpoint,
				SubscriberID: ticket.SubscriberID,
				StartSeq:     ticket.StartSeq,
			})
			env.OK, env.Data = true, payload
		}
		return json.Marshal(env)
	}

	detach := func(_ context.Context, data []byte) ([]byte, error) {
		var req detachRequest
		env := rpcEnvelope{}
		if err := json.Unmarshal(data, &req); err != nil {
			env.Error, env.Code = err.Error(), codeInvalid
			return json.Marshal(env)
		}
		if out, ok := h.n.Outputs()[req.StreamID]; ok {
			if err := out.Detach(ctx, req.SubscriberID); err != nil {
				env.Error, env.Code = err.Error(), codeFor(err)
				return json.Marshal(env)
			}
			env.OK = true
		} else {
			env.Error, env.Code = "unknown stream "+req.StreamID, codeStreamNotFound
		}
		return json.Marshal(env)
	}

	if err := h.nats.RespondSubscribe(ctx, subjectNodeAttach(h.cfg.NodeID), attach); err != nil {
		return err
	}
	return h.nats.RespondSubscribe(ctx, subjectNodeDetach(h.cfg.NodeID), detach)
}

func (h *NodeHost) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		state := h.n.State()
		if state == node.StateCrashed {
			health := h.n.Health()
			return errors.WrapCrash(health.Err, "NodeHost", "heartbeatLoop", h.cfg.Name)
		}

		status := NodeRunning
		if state != node.StateRunning {
			status = NodeReady
		}
		streams := make([]string, 0, len(h.n.Outputs()))
		for id := range h.n.Outputs() {
			streams = append(streams, id)
		}
		if err := h.resolver.Heartbeat(ctx, h.cfg.NodeID, status, streams); err != nil {
			h.logger.Warn("heartbeat failed", "error", err)
		}
	}
}
