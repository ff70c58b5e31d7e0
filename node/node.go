package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/metric"
	"github.com/anatoleotman/pyacq/stream"
	"github.com/anatoleotman/pyacq/transport"
)

// State is a node's lifecycle state.
type State int32

// Node lifecycle states.
const (
	StateConfiguring State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

// String returns the state name used in logs and records.
func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Declaration lists the streams a driver will own once started.
type Declaration struct {
	Outputs []stream.OutputConfig
	Inputs  []stream.InputConfig
}

// IO is the set of opened streams handed to a running driver, keyed by
// stream id.
type IO struct {
	Outputs map[string]*stream.OutputStream
	Inputs  map[string]*stream.InputStream
}

// Driver is the device-specific part of a node: a camera, DAQ board,
// filter stage, or recorder. Configure translates raw params into stream
// declarations; Run is the acquisition loop and returns only when ctx is
// done or the device fails.
type Driver interface {
	Configure(params json.RawMessage) (Declaration, error)
	Run(ctx context.Context, io IO) error
}

// Deps carries the infrastructure a node needs to open its streams.
type Deps struct {
	Transport transport.Deps
	Registrar stream.Registrar
	Resolver  stream.Resolver
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// Node wraps a Driver in the acquisition lifecycle.
type Node struct {
	name   string
	driver Driver
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	decl    Declaration
	io      IO
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a node in the configuring state.
func New(name string, driver Driver, deps Deps) *Node {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		name:   name,
		driver: driver,
		deps:   deps,
		logger: logger.With("node", name),
		state:  StateConfiguring,
	}
}

// Name returns the node's name.
func (n *Node) Name() string { return n.name }

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.state = s
	if n.deps.Metrics != nil {
		n.deps.Metrics.NodeStatus.WithLabelValues(n.name).Set(float64(s))
	}
}

// Health reports the node's state and the last lifecycle error.
type Health struct {
	Node  string
	State State
	Err   error
}

// Health returns the node's current health snapshot.
func (n *Node) Health() Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Health{Node: n.name, State: n.state, Err: n.lastErr}
}

// Configure runs the driver's configuration and fixes the node's stream
// declarations. Only valid in the configuring state; on success the node
// is ready.
func (n *Node) Configure(params json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateConfiguring {
		return errors.WrapLifecycle(errors.ErrInvalidState, "Node", "Configure",
			fmt.Sprintf("%s is %s", n.name, n.state))
	}

	decl, err := n.driver.Configure(params)
	if err != nil {
		n.lastErr = err
		return errors.Wrap(err, "Node", "Configure", n.name)
	}
	for _, out := range decl.Outputs {
		if err := out.Spec.Validate(); err != nil {
			n.lastErr = err
			return err
		}
	}

	n.decl = decl
	n.setState(StateReady)
	n.logger.Info("node configured",
		"outputs", len(decl.Outputs), "inputs", len(decl.Inputs))
	return nil
}

// Start opens every declared stream and launches the driver's run loop.
// On partial failure the streams already opened are closed in reverse
// order and the node returns to configuring with the failure reported.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateRunning:
		return errors.WrapLifecycle(errors.ErrAlreadyStarted, "Node", "Start", n.name)
	case StateReady:
	default:
		return errors.WrapLifecycle(errors.ErrInvalidState, "Node", "Start",
			fmt.Sprintf("%s is %s", n.name, n.state))
	}

	io, err := n.openStreams(ctx)
	if err != nil {
		n.lastErr = err
		n.setState(StateConfiguring)
		return err
	}
	n.io = io

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	n.setState(StateRunning)
	n.logger.Info("node started")

	go n.supervise(runCtx)
	return nil
}

// openStreams opens outputs then inputs in declaration order, undoing in
// reverse on the first failure.
func (n *Node) openStreams(ctx context.Context) (IO, error) {
	io := IO{
		Outputs: make(map[string]*stream.OutputStream),
		Inputs:  make(map[string]*stream.InputStream),
	}
	var opened []func()

	rollback := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i]()
		}
	}

	for _, cfg := range n.decl.Outputs {
		out := stream.NewOutputStream(stream.OutputDeps{
			Transport: n.deps.Transport,
			Registrar: n.deps.Registrar,
			Logger:    n.logger,
			Metrics:   n.deps.Metrics,
		})
		if err := out.Configure(cfg); err != nil {
			rollback()
			return IO{}, err
		}
		if err := out.Start(ctx); err != nil {
			rollback()
			return IO{}, err
		}
		io.Outputs[cfg.Spec.StreamID] = out
		o := out
		opened = append(opened, func() { _ = o.Close(ctx) })
	}

	for _, cfg := range n.decl.Inputs {
		in, err := stream.Subscribe(ctx, stream.InputDeps{
			Resolver:  n.deps.Resolver,
			Transport: n.deps.Transport,
			Logger:    n.logger,
			Metrics:   n.deps.Metrics,
		}, cfg)
		if err != nil {
			rollback()
			return IO{}, err
		}
		io.Inputs[cfg.StreamID] = in
		i := in
		opened = append(opened, func() { _ = i.Close(ctx) })
	}
	return io, nil
}

// supervise waits for the driver's run loop and records a crash if it
// fails while the node is supposed to be running.
func (n *Node) supervise(ctx context.Context) {
	defer close(n.done)

	err := n.driver.Run(ctx, n.io)
	if err == nil || ctx.Err() != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateRunning {
		n.lastErr = errors.WrapCrash(err, "Node", "Run", n.name)
		n.setState(StateCrashed)
		n.logger.Error("node crashed", "error", err)
		n.closeStreamsLocked()
	}
}

// Stop halts the driver and closes the node's streams. Idempotent; safe
// to call while running or already stopping. The timeout bounds the wait
// for the driver's run loop.
func (n *Node) Stop(timeout time.Duration) error {
	n.mu.Lock()

	switch n.state {
	case StateStopped, StateCrashed:
		n.mu.Unlock()
		return nil
	case StateRunning:
		n.setState(StateStopping)
	case StateStopping:
		// A concurrent Stop is already draining; just wait.
	default:
		// Never started; nothing to drain.
		n.setState(StateStopped)
		n.mu.Unlock()
		return nil
	}

	cancel := n.cancel
	done := n.done
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var timedOut bool
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			timedOut = true
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateStopping {
		n.closeStreamsLocked()
		n.setState(StateStopped)
		n.logger.Info("node stopped")
	}
	if timedOut {
		return errors.WrapLifecycle(
			fmt.Errorf("driver did not stop within %v", timeout),
			"Node", "Stop", n.name)
	}
	return nil
}

// closeStreamsLocked closes outputs and inputs. Caller holds the lock.
func (n *Node) closeStreamsLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for id, out := range n.io.Outputs {
		if err := out.Close(ctx); err != nil {
			n.logger.Warn("output close failed", "stream", id, "error", err)
		}
	}
	for id, in := range n.io.Inputs {
		if err := in.Close(ctx); err != nil {
			n.logger.Warn("input close failed", "stream", id, "error", err)
		}
	}
	n.io = IO{}
}

// Outputs returns the node's opened output streams; empty unless running.
func (n *Node) Outputs() map[string]*stream.OutputStream {
	n.mu.Lock()
	defer n.mu.Unlock()

	outs := make(map[string]*stream.OutputStream, len(n.io.Outputs))
	for id, out := range n.io.Outputs {
		outs[id] = out
	}
	return outs
}
