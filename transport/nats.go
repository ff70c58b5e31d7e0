package transport

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/anatoleotman/pyacq/errors"
)

// natsRecvBuffer bounds frames parked between the NATS delivery goroutine
// and Recv. Beyond it NATS applies its own slow-consumer handling.
const natsRecvBuffer = 512

// natsSender is the producer side of a nats:// endpoint.
type natsSender struct {
	deps     Deps
	endpoint string
	subject  string

	closeOnce sync.Once
	closed    chan struct{}
}

func openNATS(ep Endpoint, role Role, deps Deps) (Channel, error) {
	if deps.NATS == nil {
		return nil, errors.WrapTransport(errors.ErrNoConnection, "NATSChannel", "Open",
			"no NATS client for "+ep.String())
	}
	if role == Subscriber {
		return dialNATS(ep, deps)
	}
	return &natsSender{
		deps:     deps,
		endpoint: ep.String(),
		subject:  ep.Address,
		closed:   make(chan struct{}),
	}, nil
}

func (s *natsSender) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return errors.WrapTransport(errors.ErrChannelClosed, "NATSChannel", "Send", s.endpoint)
	default:
	}
	return s.deps.NATS.Publish(ctx, s.subject, frame)
}

func (s *natsSender) Receive(context.Context) ([]byte, error) {
	return nil, errors.WrapTransport(errors.ErrChannelClosed, "NATSChannel", "Receive",
		"publisher side cannot receive")
}

func (s *natsSender) Endpoint() string { return s.endpoint }

func (s *natsSender) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// natsReceiver is the consumer side of a nats:// endpoint.
type natsReceiver struct {
	deps     Deps
	endpoint string
	sub      *nats.Subscription
	msgs     chan *nats.Msg

	closeOnce sync.Once
	closed    chan struct{}
}

func dialNATS(ep Endpoint, deps Deps) (Channel, error) {
	if deps.NATS == nil {
		return nil, errors.WrapTransport(errors.ErrNoConnection, "NATSChannel", "Dial",
			"no NATS client for "+ep.String())
	}
	msgs := make(chan *nats.Msg, natsRecvBuffer)
	sub, err := deps.NATS.ChanSubscribe(ep.Address, msgs)
	if err != nil {
		return nil, err
	}
	return &natsReceiver{
		deps:     deps,
		endpoint: ep.String(),
		sub:      sub,
		msgs:     msgs,
		closed:   make(chan struct{}),
	}, nil
}

func (r *natsReceiver) Send(context.Context, []byte) error {
	return errors.WrapTransport(errors.ErrChannelClosed, "NATSChannel", "Send",
		"subscriber side cannot send")
}

func (r *natsReceiver) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-r.msgs:
		return msg.Data, nil
	default:
	}

	select {
	case msg := <-r.msgs:
		return msg.Data, nil
	case <-r.closed:
		return nil, errors.WrapTransport(errors.ErrChannelClosed, "NATSChannel", "Receive", r.endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *natsReceiver) Endpoint() string { return r.endpoint }

func (r *natsReceiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		if uerr := r.sub.Unsubscribe(); uerr != nil {
			err = errors.WrapTransport(uerr, "NATSChannel", "Close", r.endpoint)
			r.deps.logger().Warn("unsubscribe failed", "endpoint", r.endpoint, "error", uerr)
		}
	})
	return err
}
