package manager

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/pkg/ring"
	"github.com/anatoleotman/pyacq/stream"
)

// Control-plane subjects. Everything travels as JSON over NATS
// request/reply; chunk data never touches these subjects.
const (
	subjectLookup     = "acq.ctrl.lookup"
	subjectAttach     = "acq.ctrl.attach"
	subjectDetach     = "acq.ctrl.detach"
	subjectRegister   = "acq.ctrl.register"
	subjectUnregister = "acq.ctrl.unregister"
	subjectHeartbeat  = "acq.ctrl.heartbeat"
	subjectSpawn      = "acq.ctrl.spawn"
	subjectTerminate  = "acq.ctrl.terminate"
	subjectNodes      = "acq.ctrl.nodes"
)

func subjectLoss(streamID string) string {
	return "acq.ctrl.loss." + streamID
}

func subjectNodeAttach(nodeID string) string {
	return "acq.ctrl.node." + nodeID + ".attach"
}

func subjectNodeDetach(nodeID string) string {
	return "acq.ctrl.node." + nodeID + ".detach"
}

// rpcEnvelope is the reply frame for every control subject.
type rpcEnvelope struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Error codes let a remote caller recover the sentinel that classified
// the failure on the manager's side.
const (
	codeStreamNotFound = "stream_not_found"
	codeStreamExists   = "stream_exists"
	codeIncompatible   = "incompatible_spec"
	codeNodeNotFound   = "node_not_found"
	codeNotStarted     = "not_started"
	codeInvalid        = "invalid"
	codeRateLimited    = "rate_limited"
	codeInternal       = "internal"
)

func codeFor(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrStreamNotFound):
		return codeStreamNotFound
	case stderrors.Is(err, errors.ErrStreamAlreadyExists):
		return codeStreamExists
	case stderrors.Is(err, errors.ErrIncompatibleSpec):
		return codeIncompatible
	case stderrors.Is(err, errors.ErrNodeNotFound):
		return codeNodeNotFound
	case stderrors.Is(err, errors.ErrNotStarted):
		return codeNotStarted
	case stderrors.Is(err, errors.ErrInvalidConfig):
		return codeInvalid
	default:
		return codeInternal
	}
}

func sentinelFor(code string) error {
	switch code {
	case codeStreamNotFound:
		return errors.ErrStreamNotFound
	case codeStreamExists:
		return errors.ErrStreamAlreadyExists
	case codeIncompatible:
		return errors.ErrIncompatibleSpec
	case codeNodeNotFound:
		return errors.ErrNodeNotFound
	case codeNotStarted:
		return errors.ErrNotStarted
	case codeInvalid, codeRateLimited:
		return errors.ErrInvalidConfig
	default:
		return nil
	}
}

// Request and reply payloads. Stream specs travel in their wire encoding
// so both ends share one source of truth for the header layout.
type lookupRequest struct {
	StreamID string `json:"stream_id"`
}

type specReply struct {
	SpecFrame []byte `json:"spec"`
}

type attachRequest struct {
	StreamID     string `json:"stream_id"`
	SubscriberID string `json:"subscriber_id"`
	Policy       string `json:"policy"`
}

type attachReply struct {
	SpecFrame    []byte `json:"spec"`
	Endpoint     string `json:"endpoint"`
	SubscriberID string `json:"subscriber_id"`
	StartSeq     uint64 `json:"start_seq"`
}

type detachRequest struct {
	StreamID     string `json:"stream_id"`
	SubscriberID string `json:"subscriber_id"`
}

type registerRequest struct {
	SpecFrame []byte `json:"spec"`
	NodeID    string `json:"node_id"`
}

type unregisterRequest struct {
	StreamID string `json:"stream_id"`
}

type heartbeatRequest struct {
	NodeID  string     `json:"node_id"`
	Status  NodeStatus `json:"status"`
	Streams []string   `json:"streams,omitempty"`
}

type terminateRequest struct {
	NodeID string `json:"node_id"`
}

// serveRPC registers every control subject on the NATS client.
func (m *Manager) serveRPC(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) (any, error){
		subjectLookup:     m.handleLookup,
		subjectAttach:     m.handleAttach,
		subjectDetach:     m.handleDetach,
		subjectRegister:   m.handleRegister,
		subjectUnregister: m.handleUnregister,
		subjectHeartbeat:  m.handleHeartbeat,
		subjectSpawn:      m.handleSpawn,
		subjectTerminate:  m.handleTerminate,
		subjectNodes:      m.handleNodes,
	}
	for subject, handler := range handlers {
		if err := m.deps.NATS.RespondSubscribe(ctx, subject, m.instrument(subject, handler)); err != nil {
			return err
		}
	}
	return nil
}

// instrument wraps a handler with rate limiting, metrics, and envelope
// encoding. Handler errors become error envelopes rather than dropped
// replies, so callers fail fast instead of timing out.
func (m *Manager) instrument(subject string,
	handler func(context.Context, []byte) (any, error)) func(context.Context, []byte) ([]byte, error) {

	return func(ctx context.Context, data []byte) ([]byte, error) {
		start := time.Now()

		var env rpcEnvelope
		switch {
		case !m.limiter.Allow():
			env = rpcEnvelope{Error: "control plane is saturated", Code: codeRateLimited}
		default:
			result, err := handler(ctx, data)
			if err != nil {
				m.logger.Warn("rpc failed", "subject", subject, "error", err)
				env = rpcEnvelope{Error: err.Error(), Code: codeFor(err)}
			} else {
				payload, err := json.Marshal(result)
				if err != nil {
					env = rpcEnvelope{Error: err.Error(), Code: codeInternal}
				} else {
					env = rpcEnvelope{OK: true, Data: payload}
				}
			}
		}

		if m.deps.Metrics != nil {
			status := "ok"
			if !env.OK {
				status = env.Code
			}
			m.deps.Metrics.RPCTotal.WithLabelValues(subject, status).Inc()
			m.deps.Metrics.RPCDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
		}
		return json.Marshal(env)
	}
}

func (m *Manager) handleLookup(ctx context.Context, data []byte) (any, error) {
	var req lookupRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleLookup", "bad request")
	}
	spec, err := m.registry.Lookup(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}
	frame, err := stream.EncodeSpec(spec)
	if err != nil {
		return nil, err
	}
	return specReply{SpecFrame: frame}, nil
}

func (m *Manager) handleAttach(ctx context.Context, data []byte) (any, error) {
	var req attachRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleAttach", "bad request")
	}
	policy, err := ring.ParsePolicy(req.Policy)
	if err != nil {
		return nil, err
	}
	ticket, err := m.registry.Attach(ctx, req.StreamID, req.SubscriberID, policy)
	if err != nil {
		return nil, err
	}
	frame, err := stream.EncodeSpec(ticket.Spec)
	if err != nil {
		return nil, err
	}
	return attachReply{
		SpecFrame:    frame,
		Endpoint:     ticket.Endpoint,
		SubscriberID: ticket.SubscriberID,
		StartSeq:     ticket.StartSeq,
	}, nil
}

func (m *Manager) handleDetach(ctx context.Context, data []byte) (any, error) {
	var req detachRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleDetach", "bad request")
	}
	return struct{}{}, m.registry.Detach(ctx, req.StreamID, req.SubscriberID)
}

func (m *Manager) handleRegister(ctx context.Context, data []byte) (any, error) {
	var req registerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleRegister", "bad request")
	}
	spec, err := stream.DecodeSpec(req.SpecFrame)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(ctx, spec); err != nil {
		return nil, err
	}
	if req.NodeID != "" {
		m.registry.bind(spec.StreamID, req.NodeID, &remoteAttacher{
			nats:         m.deps.NATS,
			attachSubj:   subjectNodeAttach(req.NodeID),
			detachSubj:   subjectNodeDetach(req.NodeID),
			streamID:     spec.StreamID,
			replyTimeout: m.cfg.HeartbeatInterval,
		})
		if mn, err := m.get(req.NodeID); err == nil {
			mn.mu.Lock()
			mn.record.Streams = append(mn.record.Streams, spec.StreamID)
			mn.mu.Unlock()
		}
	}
	return struct{}{}, nil
}

func (m *Manager) handleUnregister(ctx context.Context, data []byte) (any, error) {
	var req unregisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleUnregister", "bad request")
	}
	return struct{}{}, m.registry.Unregister(ctx, req.StreamID)
}

func (m *Manager) handleHeartbeat(_ context.Context, data []byte) (any, error) {
	var req heartbeatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleHeartbeat", "bad request")
	}
	return struct{}{}, m.Heartbeat(req.NodeID, req.Status, req.Streams)
}

func (m *Manager) handleSpawn(ctx context.Context, data []byte) (any, error) {
	var cfg NodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleSpawn", "bad request")
	}
	record, err := m.Spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (m *Manager) handleTerminate(ctx context.Context, data []byte) (any, error) {
	var req terminateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapProtocol(err, "Manager", "handleTerminate", "bad request")
	}
	return struct{}{}, m.Terminate(ctx, req.NodeID)
}

func (m *Manager) handleNodes(context.Context, []byte) (any, error) {
	return m.ListNodes(), nil
}

// remoteAttacher forwards attach calls to the node that owns the stream;
// the producing process sets up the per-subscriber endpoint and replies
// with the ticket.
type remoteAttacher struct {
	nats         requester
	attachSubj   string
	detachSubj   string
	streamID     string
	replyTimeout time.Duration
}

// requester is the slice of the NATS client the forwarder needs.
type requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

func (a *remoteAttacher) Attach(ctx context.Context, subscriberID string, policy ring.Policy) (stream.AttachTicket, error) {
	req, err := json.Marshal(attachRequest{
		StreamID:     a.streamID,
		SubscriberID: subscriberID,
		Policy:       policy.String(),
	})
	if err != nil {
		return stream.AttachTicket{}, err
	}
	var reply attachReply
	if err := a.roundTrip(ctx, a.attachSubj, req, &reply); err != nil {
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

func (a *remoteAttacher) Detach(ctx context.Context, subscriberID string) error {
	req, err := json.Marshal(detachRequest{StreamID: a.streamID, SubscriberID: subscriberID})
	if err != nil {
		return err
	}
	return a.roundTrip(ctx, a.detachSubj, req, &struct{}{})
}

func (a *remoteAttacher) roundTrip(ctx context.Context, subject string, req []byte, out any) error {
	if a.replyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.replyTimeout)
		defer cancel()
	}
	data, err := a.nats.Request(ctx, subject, req)
	if err != nil {
		return err
	}
	return decodeEnvelope(data, out)
}

// decodeEnvelope unwraps an rpcEnvelope into out, reconstructing the
// sentinel error on failures.
func decodeEnvelope(data []byte, out any) error {
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.WrapProtocol(err, "rpc", "decodeEnvelope", "bad reply")
	}
	if !env.OK {
		if sentinel := sentinelFor(env.Code); sentinel != nil {
			return fmt.Errorf("%s: %w", env.Error, sentinel)
		}
		return errors.WrapTransport(fmt.Errorf("%s", env.Error), "rpc", "decodeEnvelope", env.Code)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
