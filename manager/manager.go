package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/metric"
	"github.com/anatoleotman/pyacq/natsclient"
	"github.com/anatoleotman/pyacq/node"
	"github.com/anatoleotman/pyacq/transport"
)

// Config tunes a Manager.
type Config struct {
	// Name identifies this manager in logs and RPC.
	Name string
	// HeartbeatInterval is how often remote nodes must report in.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many silent intervals crash a remote node.
	HeartbeatMisses int
	// NodeBinary is the executable spawned for remote nodes; empty
	// disables process spawning.
	NodeBinary string
	// RegistryBucket is the JetStream KV bucket mirroring the registry.
	RegistryBucket string
	// RPCRate bounds control-plane requests per second; zero uses a
	// default of 200.
	RPCRate float64
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "manager"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.RegistryBucket == "" {
		c.RegistryBucket = "pyacq-registry"
	}
	if c.RPCRate <= 0 {
		c.RPCRate = 200
	}
}

// Deps carries the manager's infrastructure. NATS is optional: without it
// the manager runs in local mode (in-process nodes only, no RPC surface).
type Deps struct {
	NATS    *natsclient.Client
	Drivers *node.Registry
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// managedNode pairs a NodeRecord with whatever runs it.
type managedNode struct {
	mu     sync.Mutex
	record NodeRecord
	local  *node.Node // in-process nodes
	cmd    *exec.Cmd  // remote nodes
	params []byte
}

func (m *managedNode) snapshot() NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Manager is the acquisition control plane.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	registry *Registry
	limiter  *rate.Limiter

	mu         sync.RWMutex
	nodes      map[string]*managedNode
	nameCounts map[string]int

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an unstarted manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	cfg.applyDefaults()
	if deps.Drivers == nil {
		return nil, errors.WrapLifecycle(errors.ErrInvalidConfig, "Manager", "New",
			"driver registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With("component", "manager", "manager", cfg.Name),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPCRate), int(cfg.RPCRate)),
		nodes:      make(map[string]*managedNode),
		nameCounts: make(map[string]int),
	}, nil
}

// Registry returns the stream registry, which serves stream.Registrar and
// stream.Resolver for in-process producers and consumers.
func (m *Manager) Registry() *Registry { return m.registry }

// Start initializes the registry, the heartbeat monitor, and, with NATS
// present, the KV mirror and RPC surface.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.WrapLifecycle(errors.ErrAlreadyStarted, "Manager", "Start", m.cfg.Name)
	}
	m.started = true
	m.mu.Unlock()

	var kv *natsclient.KVStore
	if m.deps.NATS != nil {
		var err error
		kv, err = m.deps.NATS.EnsureKVBucket(ctx, m.cfg.RegistryBucket)
		if err != nil {
			m.logger.Warn("registry KV mirror unavailable", "error", err)
		}
	}
	m.registry = NewRegistry(m.logger, kv)

	if m.deps.NATS != nil {
		m.registry.onLoss = func(streamID string) {
			_ = m.deps.NATS.Publish(context.Background(), subjectLoss(streamID), nil)
		}
		if err := m.serveRPC(ctx); err != nil {
			m.mu.Lock()
			m.started = false
			m.mu.Unlock()
			return err
		}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.monitorHeartbeats(monitorCtx)

	m.logger.Info("manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"heartbeat_misses", m.cfg.HeartbeatMisses,
		"nats", m.deps.NATS != nil)
	return nil
}

// Close stops every node, then the monitor. The registry empties as nodes
// close their streams.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	if err := m.StopAllNodes(ctx); err != nil {
		m.logger.Warn("stopping nodes during close", "error", err)
	}

	m.cancel()
	<-m.done
	m.logger.Info("manager closed")
	return nil
}

// suggestNodeName produces the next free name for a driver type, the way
// device instances are numbered in acquisition configs: generator0,
// generator1, ...
func (m *Manager) suggestNodeName(driverType string) string {
	for {
		n := m.nameCounts[driverType]
		m.nameCounts[driverType]++
		name := fmt.Sprintf("%s%d", driverType, n)
		if _, taken := m.nodeByName(name); !taken {
			return name
		}
	}
}

func (m *Manager) nodeByName(name string) (*managedNode, bool) {
	for _, mn := range m.nodes {
		if mn.record.Name == name {
			return mn, true
		}
	}
	return nil, false
}

// Spawn creates a node from a NodeConfig, locally or as a child process.
func (m *Manager) Spawn(ctx context.Context, cfg NodeConfig) (NodeRecord, error) {
	if !m.isStarted() {
		return NodeRecord{}, errors.WrapLifecycle(errors.ErrNotStarted, "Manager", "Spawn", cfg.Type)
	}

	m.mu.Lock()
	if cfg.Name == "" {
		cfg.Name = m.suggestNodeName(cfg.Type)
	} else if _, taken := m.nodeByName(cfg.Name); taken {
		m.mu.Unlock()
		return NodeRecord{}, errors.WrapLifecycle(
			fmt.Errorf("node name %q already in use", cfg.Name),
			"Manager", "Spawn", cfg.Type)
	}
	m.mu.Unlock()

	if cfg.Host == "" || cfg.Host == LocalHost {
		return m.spawnLocal(ctx, cfg)
	}
	return m.spawnProcess(ctx, cfg)
}

// spawnLocal runs the node inside the manager's process, wired straight
// into the registry.
func (m *Manager) spawnLocal(ctx context.Context, cfg NodeConfig) (NodeRecord, error) {
	nodeID := uuid.NewString()

	n, err := m.deps.Drivers.Create(cfg.Type, cfg.Name, node.Deps{
		Transport: transport.Deps{NATS: m.deps.NATS, Logger: m.logger},
		Registrar: m.registry,
		Resolver:  m.registry,
		Logger:    m.logger,
		Metrics:   m.deps.Metrics,
	})
	if err != nil {
		return NodeRecord{}, err
	}
	if err := n.Configure(cfg.Params); err != nil {
		return NodeRecord{}, err
	}

	mn := &managedNode{
		record: NodeRecord{
			NodeID:        nodeID,
			Name:          cfg.Name,
			Type:          cfg.Type,
			Host:          LocalHost,
			Status:        NodeReady,
			LastHeartbeat: time.Now(),
		},
		local: n,
	}
	m.mu.Lock()
	m.nodes[nodeID] = mn
	m.mu.Unlock()

	if cfg.AutoStart {
		if err := m.StartNode(ctx, nodeID); err != nil {
			m.mu.Lock()
			delete(m.nodes, nodeID)
			m.mu.Unlock()
			return NodeRecord{}, err
		}
	}
	m.logger.Info("node spawned", "node", cfg.Name, "node_id", nodeID, "host", LocalHost)
	return mn.snapshot(), nil
}

// spawnProcess launches cmd/pyacq-node for the node and tracks its exit.
func (m *Manager) spawnProcess(_ context.Context, cfg NodeConfig) (NodeRecord, error) {
	if m.cfg.NodeBinary == "" {
		return NodeRecord{}, errors.WrapLifecycle(errors.ErrInvalidConfig, "Manager", "Spawn",
			"no node binary configured for remote spawn")
	}
	if m.deps.NATS == nil {
		return NodeRecord{}, errors.WrapTransport(errors.ErrNoConnection, "Manager", "Spawn",
			"remote nodes need NATS")
	}

	nodeID := uuid.NewString()
	args := []string{
		"-node-id", nodeID,
		"-name", cfg.Name,
		"-driver", cfg.Type,
		"-nats-url", m.deps.NATS.URL(),
		"-heartbeat", m.cfg.HeartbeatInterval.String(),
	}
	if len(cfg.Params) > 0 {
		args = append(args, "-params", string(cfg.Params))
	}

	cmd := exec.Command(m.cfg.NodeBinary, args...)
	if err := cmd.Start(); err != nil {
		return NodeRecord{}, errors.WrapTransport(err, "Manager", "Spawn", "exec "+m.cfg.NodeBinary)
	}

	mn := &managedNode{
		record: NodeRecord{
			NodeID:        nodeID,
			Name:          cfg.Name,
			Type:          cfg.Type,
			Host:          cfg.Host,
			PID:           cmd.Process.Pid,
			Status:        NodeReady,
			LastHeartbeat: time.Now(),
		},
		cmd:    cmd,
		params: cfg.Params,
	}
	m.mu.Lock()
	m.nodes[nodeID] = mn
	m.mu.Unlock()

	// Process exit is one crash signal; heartbeat silence is the other.
	go func() {
		err := cmd.Wait()
		mn.mu.Lock()
		status := mn.record.Status
		mn.mu.Unlock()
		if status == NodeStopped {
			return
		}
		m.logger.Warn("node process exited unexpectedly",
			"node", cfg.Name, "pid", cmd.Process.Pid, "error", err)
		m.declareNodeCrashed(nodeID)
	}()

	m.logger.Info("node process spawned", "node", cfg.Name, "node_id", nodeID,
		"host", cfg.Host, "pid", cmd.Process.Pid)
	return mn.snapshot(), nil
}

// StartNode starts a ready local node and binds its streams.
func (m *Manager) StartNode(ctx context.Context, nodeID string) error {
	mn, err := m.get(nodeID)
	if err != nil {
		return err
	}
	if mn.local == nil {
		// Remote nodes start themselves; the record follows heartbeats.
		return nil
	}

	if err := mn.local.Start(ctx); err != nil {
		return err
	}
	outputs := mn.local.Outputs()

	mn.mu.Lock()
	mn.record.Status = NodeRunning
	mn.record.Streams = mn.record.Streams[:0]
	for id, out := range outputs {
		m.registry.bind(id, nodeID, out)
		mn.record.Streams = append(mn.record.Streams, id)
	}
	mn.mu.Unlock()
	return nil
}

// Terminate stops a node and forgets it. Remote nodes get SIGTERM; if the
// process ignores it the heartbeat monitor escalates.
func (m *Manager) Terminate(ctx context.Context, nodeID string) error {
	mn, err := m.get(nodeID)
	if err != nil {
		return err
	}

	if mn.local != nil {
		if err := mn.local.Stop(stopTimeout(ctx)); err != nil {
			m.logger.Warn("node stop failed", "node_id", nodeID, "error", err)
		}
	} else if mn.cmd != nil && mn.cmd.Process != nil {
		mn.mu.Lock()
		mn.record.Status = NodeStopped
		mn.mu.Unlock()
		if err := mn.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			m.logger.Warn("signalling node process failed", "node_id", nodeID, "error", err)
		}
	}

	mn.mu.Lock()
	mn.record.Status = NodeStopped
	streams := mn.record.Streams
	mn.mu.Unlock()

	// Remote producers cannot unregister after SIGKILL; sweep here.
	for _, streamID := range streams {
		if _, err := m.registry.Lookup(ctx, streamID); err == nil {
			_ = m.registry.Unregister(ctx, streamID)
		}
	}

	m.mu.Lock()
	delete(m.nodes, nodeID)
	m.mu.Unlock()

	m.logger.Info("node terminated", "node_id", nodeID)
	return nil
}

// ListNodes returns a snapshot of the node table.
func (m *Manager) ListNodes() []NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]NodeRecord, 0, len(m.nodes))
	for _, mn := range m.nodes {
		records = append(records, mn.snapshot())
	}
	return records
}

// GetNode returns one node's record.
func (m *Manager) GetNode(nodeID string) (NodeRecord, error) {
	mn, err := m.get(nodeID)
	if err != nil {
		return NodeRecord{}, err
	}
	return mn.snapshot(), nil
}

// StartAllNodes starts every ready local node in parallel.
func (m *Manager) StartAllNodes(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.nodes))
	for id, mn := range m.nodes {
		if mn.local != nil && mn.local.State() == node.StateReady {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.StartNode(gctx, id) })
	}
	return g.Wait()
}

// StopAllNodes stops every node in parallel, remote ones by SIGTERM.
func (m *Manager) StopAllNodes(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g := new(errgroup.Group)
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.Terminate(ctx, id) })
	}
	return g.Wait()
}

// Heartbeat records life from a remote node.
func (m *Manager) Heartbeat(nodeID string, status NodeStatus, streams []string) error {
	mn, err := m.get(nodeID)
	if err != nil {
		return err
	}

	mn.mu.Lock()
	mn.record.LastHeartbeat = time.Now()
	if status != "" {
		mn.record.Status = status
	}
	if streams != nil {
		mn.record.Streams = streams
	}
	mn.mu.Unlock()
	return nil
}

func (m *Manager) get(nodeID string) (*managedNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mn, ok := m.nodes[nodeID]
	if !ok {
		return nil, errors.WrapLifecycle(errors.ErrNodeNotFound, "Manager", "get", nodeID)
	}
	return mn, nil
}

func (m *Manager) isStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// stopTimeout derives a node stop budget from the context deadline.
func stopTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}
	return 5 * time.Second
}
