package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Config is the complete daemon configuration: manager identity and
// tuning, NATS connection, observability, and the node instances to
// spawn at boot.
type Config struct {
	Version string        `json:"version,omitempty"`
	Manager ManagerConfig `json:"manager"`
	NATS    NATSConfig    `json:"nats"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
	// Nodes maps instance names (e.g. "generator-main") to node
	// configurations. A node is spawned only when enabled.
	Nodes map[string]NodeConfig `json:"nodes,omitempty"`
}

// ManagerConfig tunes the control plane.
type ManagerConfig struct {
	Name              string        `json:"name,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	HeartbeatMisses   int           `json:"heartbeat_misses,omitempty"`
	NodeBinary        string        `json:"node_binary,omitempty"`
	RegistryBucket    string        `json:"registry_bucket,omitempty"`
	RPCRate           float64       `json:"rpc_rate,omitempty"`
}

// NATSConfig defines the NATS connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// URL joins the configured server URLs the way the NATS client expects.
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text or json
}

// NewLogger builds a slog logger from the logging settings.
func (l LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(l.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// NodeConfig describes one node instance to spawn at boot.
type NodeConfig struct {
	Enabled   bool            `json:"enabled"`
	Type      string          `json:"type"`
	Host      string          `json:"host,omitempty"`
	AutoStart bool            `json:"auto_start"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Validate checks the configuration for mistakes a typo would produce.
func (c *Config) Validate() error {
	if c.Manager.Name != "" && !isValidSubjectPart(c.Manager.Name) {
		return fmt.Errorf(
			"manager.name %q is not valid for NATS subjects (alphanumeric with dots, dashes, underscores)",
			c.Manager.Name)
	}
	if c.Manager.HeartbeatInterval < 0 {
		return errors.New("manager.heartbeat_interval cannot be negative")
	}
	if c.Manager.HeartbeatMisses < 0 {
		return errors.New("manager.heartbeat_misses cannot be negative")
	}

	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}
	for i, url := range c.NATS.URLs {
		if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			return fmt.Errorf("nats.urls[%d] %q must start with nats:// or tls://", i, url)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	for name, node := range c.Nodes {
		if name == "" {
			return errors.New("node instance name cannot be empty")
		}
		if node.Type == "" {
			return fmt.Errorf("node %s: type is required", name)
		}
		if len(node.Params) > 0 && !json.Valid(node.Params) {
			return fmt.Errorf("node %s: params is not valid JSON", name)
		}
	}
	return nil
}

// isValidSubjectPart checks a string for NATS subject compatibility.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns an indented JSON rendering, with credentials redacted.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "<redacted>"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "<redacted>"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to a live configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a configuration for concurrent access.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Loader loads configuration from layered JSON files with environment
// overrides. Later layers win; environment wins over every layer.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with the PYACQ environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "PYACQ", validation: true}
}

// AddLayer appends a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles validation after loading.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Manager: ManagerConfig{
			Name:              "manager",
			HeartbeatInterval: 2 * time.Second,
			HeartbeatMisses:   3,
			RegistryBucket:    "pyacq-registry",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
			DrainTimeout:  10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadRawJSON reads one layer into a map, normalizing duration strings.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	l.parseDurations(raw)
	return raw, nil
}

// durationKeys lists the section/key pairs that accept "2s"-style strings.
var durationKeys = map[string][]string{
	"manager": {"heartbeat_interval"},
	"nats":    {"reconnect_wait", "timeout", "drain_timeout"},
}

// parseDurations converts duration strings to nanoseconds so they
// unmarshal into time.Duration fields.
func (l *Loader) parseDurations(data map[string]any) {
	for section, keys := range durationKeys {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if s, ok := m[key].(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					m[key] = d.Nanoseconds()
				}
			}
		}
	}
}

// mergeFromMap merges one raw layer over the base configuration.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}
	return &merged
}

// deepMergeMaps recursively merges two maps, override winning.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PYACQ_* environment variables on top of the
// loaded configuration.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_MANAGER_NAME"); val != "" {
		cfg.Manager.Name = val
	}
	if val := os.Getenv(l.envPrefix + "_NODE_BINARY"); val != "" {
		cfg.Manager.NodeBinary = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
