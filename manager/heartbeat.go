package manager

import (
	"context"
	"syscall"
	"time"

	"github.com/anatoleotman/pyacq/node"
)

// monitorHeartbeats watches every node for signs of death: local nodes by
// polling their lifecycle state, remote nodes by heartbeat age.
func (m *Manager) monitorHeartbeats(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	deadline := time.Now().Add(-time.Duration(m.cfg.HeartbeatMisses) * m.cfg.HeartbeatInterval)

	m.mu.RLock()
	type suspect struct {
		nodeID string
		mn     *managedNode
	}
	var suspects []suspect
	for id, mn := range m.nodes {
		suspects = append(suspects, suspect{id, mn})
	}
	m.mu.RUnlock()

	for _, s := range suspects {
		s.mn.mu.Lock()
		record := s.mn.record
		local := s.mn.local
		s.mn.mu.Unlock()

		if record.Status == NodeCrashed || record.Status == NodeStopped {
			continue
		}

		if local != nil {
			if local.State() == node.StateCrashed {
				m.logger.Error("node crashed", "node", record.Name, "node_id", s.nodeID)
				m.declareNodeCrashed(s.nodeID)
			}
			continue
		}

		if record.LastHeartbeat.Before(deadline) {
			missed := int(time.Since(record.LastHeartbeat) / m.cfg.HeartbeatInterval)
			m.logger.Error("node heartbeat lost",
				"node", record.Name, "node_id", s.nodeID,
				"last_heartbeat", record.LastHeartbeat, "missed", missed)
			if m.deps.Metrics != nil {
				m.deps.Metrics.HeartbeatMissed.WithLabelValues(record.Name).Add(float64(missed))
			}
			m.declareNodeCrashed(s.nodeID)
		}
	}
}

// declareNodeCrashed marks a node crashed, kills its process if one is
// still around, and declares its streams lost so consumers unblock.
func (m *Manager) declareNodeCrashed(nodeID string) {
	mn, err := m.get(nodeID)
	if err != nil {
		return
	}

	mn.mu.Lock()
	if mn.record.Status == NodeCrashed {
		mn.mu.Unlock()
		return
	}
	mn.record.Status = NodeCrashed
	cmd := mn.cmd
	streams := append([]string(nil), mn.record.Streams...)
	mn.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGKILL)
	}

	// The owned set covers remote producers; the record covers local ones
	// whose streams already unregistered themselves during the crash.
	ctx := context.Background()
	for _, streamID := range append(m.registry.streamsOwnedBy(nodeID), streams...) {
		m.registry.declareLost(ctx, streamID)
	}
}
