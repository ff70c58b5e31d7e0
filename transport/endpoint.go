package transport

import (
	"fmt"
	"strings"

	"github.com/anatoleotman/pyacq/errors"
)

// Supported endpoint schemes.
const (
	SchemeNATS   = "nats"
	SchemeInproc = "inproc"
)

// Endpoint is a parsed channel address.
type Endpoint struct {
	Scheme  string
	Address string // NATS subject or inproc bus name
}

// String reassembles the endpoint URL.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

// ParseEndpoint splits an endpoint URL into scheme and address.
func ParseEndpoint(raw string) (Endpoint, error) {
	const component = "Endpoint"

	scheme, address, ok := strings.Cut(raw, "://")
	if !ok {
		return Endpoint{}, errors.WrapTransport(errors.ErrEndpointUnreachable, component, "ParseEndpoint",
			fmt.Sprintf("missing scheme in %q", raw))
	}
	if address == "" {
		return Endpoint{}, errors.WrapTransport(errors.ErrEndpointUnreachable, component, "ParseEndpoint",
			fmt.Sprintf("empty address in %q", raw))
	}
	switch scheme {
	case SchemeNATS, SchemeInproc:
		return Endpoint{Scheme: scheme, Address: address}, nil
	default:
		return Endpoint{}, errors.WrapTransport(errors.ErrEndpointUnreachable, component, "ParseEndpoint",
			fmt.Sprintf("unknown scheme %q", scheme))
	}
}
