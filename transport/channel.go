package transport

import (
	"context"
	"log/slog"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/natsclient"
)

// Role selects which side of a channel Open returns.
type Role int

// Channel roles.
const (
	Publisher Role = iota
	Subscriber
)

// String returns the role name used in logs.
func (r Role) String() string {
	switch r {
	case Publisher:
		return "publisher"
	case Subscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Channel is a directed frame pipe. Publishers call Send, subscribers call
// Receive. After Close both directions fail with ErrChannelClosed.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Endpoint() string
	Close() error
}

// Deps carries the shared infrastructure a channel may need. NATS may be
// nil when only inproc endpoints are used.
type Deps struct {
	NATS   *natsclient.Client
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Open binds one side of an endpoint.
func Open(endpoint string, role Role, deps Deps) (Channel, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case SchemeInproc:
		return openInproc(ep, role), nil
	case SchemeNATS:
		return openNATS(ep, role, deps)
	}
	// ParseEndpoint already rejected unknown schemes.
	return nil, errors.WrapTransport(errors.ErrEndpointUnreachable, "Channel", "Open", endpoint)
}
