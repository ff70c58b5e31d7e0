package manager

import (
	"encoding/json"
	"time"
)

// NodeStatus is the manager's view of a node, which for remote nodes can
// lag the node's own state by one heartbeat.
type NodeStatus string

// Node statuses as recorded in the node table.
const (
	NodeReady   NodeStatus = "ready"
	NodeRunning NodeStatus = "running"
	NodeStopped NodeStatus = "stopped"
	NodeCrashed NodeStatus = "crashed"
)

// NodeConfig describes a node to spawn.
type NodeConfig struct {
	// Name is optional; the manager suggests one from the driver type.
	Name string `json:"name,omitempty"`
	// Type is the driver type name in the driver registry.
	Type string `json:"type"`
	// Params is the driver's raw configuration.
	Params json.RawMessage `json:"params,omitempty"`
	// Host selects where the node runs; empty means the default local
	// host (the manager's own process).
	Host string `json:"host,omitempty"`
	// AutoStart starts the node right after configuring. When false the
	// node waits ready until StartAllNodes or StartNode.
	AutoStart bool `json:"auto_start"`
}

// NodeRecord is one row of the manager's node table.
type NodeRecord struct {
	NodeID        string     `json:"node_id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Host          string     `json:"host"`
	PID           int        `json:"pid,omitempty"`
	Status        NodeStatus `json:"status"`
	Streams       []string   `json:"streams,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// LocalHost is the default host name for nodes running inside the
// manager's process.
const LocalHost = "local"
