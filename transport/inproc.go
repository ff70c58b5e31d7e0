package transport

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/pkg/ring"
)

// inprocBusCapacity bounds frames parked between a same-process producer
// and consumer. Overflow blocks the sender; the subscription layer above
// turns that into its configured policy.
const inprocBusCapacity = 256

var (
	inprocMu    sync.Mutex
	inprocBuses = map[string]*inprocBus{}
)

type inprocBus struct {
	name string
	ring *ring.Ring[[]byte]
	refs int
}

// getBus returns the named bus, creating it on first use. Listen and Dial
// may arrive in either order.
func getBus(name string) *inprocBus {
	inprocMu.Lock()
	defer inprocMu.Unlock()

	bus, ok := inprocBuses[name]
	if !ok {
		bus = &inprocBus{
			name: name,
			ring: ring.New[[]byte](inprocBusCapacity),
		}
		inprocBuses[name] = bus
	}
	bus.refs++
	return bus
}

func releaseBus(bus *inprocBus) {
	inprocMu.Lock()
	defer inprocMu.Unlock()

	bus.refs--
	if bus.refs <= 0 {
		bus.ring.Close()
		delete(inprocBuses, bus.name)
	}
}

// inprocChannel is one side's handle on a shared bus.
type inprocChannel struct {
	endpoint string
	bus      *inprocBus
	producer bool

	closeOnce sync.Once
	closed    chan struct{}
}

func openInproc(ep Endpoint, role Role) Channel {
	return &inprocChannel{
		endpoint: ep.String(),
		bus:      getBus(ep.Address),
		producer: role == Publisher,
		closed:   make(chan struct{}),
	}
}

func (c *inprocChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.WrapTransport(errors.ErrChannelClosed, "InprocChannel", "Send", c.endpoint)
	default:
	}

	err := c.bus.ring.WriteContext(ctx, frame)
	if err == nil {
		return nil
	}
	if stderrors.Is(err, errors.ErrStreamClosed) {
		return errors.WrapTransport(errors.ErrChannelClosed, "InprocChannel", "Send", c.endpoint)
	}
	return errors.WrapTransport(err, "InprocChannel", "Send", c.endpoint)
}

func (c *inprocChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.WrapTransport(errors.ErrChannelClosed, "InprocChannel", "Receive", c.endpoint)
	default:
	}

	frame, err := c.bus.ring.ReadContext(ctx)
	if err == nil {
		return frame, nil
	}
	if stderrors.Is(err, errors.ErrStreamClosed) {
		return nil, errors.WrapTransport(errors.ErrChannelClosed, "InprocChannel", "Receive", c.endpoint)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, errors.WrapTransport(err, "InprocChannel", "Receive", c.endpoint)
}

func (c *inprocChannel) Endpoint() string { return c.endpoint }

func (c *inprocChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Producer departure is end of stream: close the ring so the
		// consumer drains what remains and then sees ErrChannelClosed.
		if c.producer {
			c.bus.ring.Close()
		}
		releaseBus(c.bus)
	})
	return nil
}
