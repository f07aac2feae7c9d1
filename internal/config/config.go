// Package config loads and saves the on-disk configuration for a supervisor
// fleet node: its identity, network listeners, ring protection, and the
// topology/strategy hints, which are validated and stored but neither
// forwarded nor interpreted by the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Topology is a cluster topology hint passed through to services.
type Topology string

const (
	TopologyStandalone  Topology = "standalone"
	TopologyLeader      Topology = "leader"
	TopologyInitializer Topology = "initializer"
)

// Strategy is an update-strategy hint passed through to services.
type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyAtOnce  Strategy = "at-once"
	StrategyRolling Strategy = "rolling"
)

// Config is the full node configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Network NetworkConfig `yaml:"network"`
	Ring    RingConfig    `yaml:"ring"`
	Trace   bool          `yaml:"trace"`
}

// NodeConfig contains node-specific configuration.
type NodeConfig struct {
	// ID is the node's stable identity; empty means "generate one at startup".
	ID string `yaml:"id"`

	// Permanent marks the local member persistent (always probed, heals partitions).
	Permanent bool `yaml:"permanent"`

	// Group is the default service group. It is stored only; no rumor is
	// built from it.
	Group string `yaml:"group"`

	// Org is the default organization. It is stored only; no rumor is built
	// from it.
	Org string `yaml:"org"`

	// Topology and Strategy are validated and stored only; they are not
	// placed on any rumor and never interpreted here.
	Topology Topology `yaml:"topology"`
	Strategy Strategy `yaml:"strategy"`

	DataDir string `yaml:"data_dir"`
}

// NetworkConfig contains the addresses the membership/gossip planes bind to.
type NetworkConfig struct {
	// ListenSwim is the UDP address the SWIM probe engine binds.
	ListenSwim string `yaml:"listen_swim"`

	// ListenGossip is the QUIC address the gossip pull activity binds.
	ListenGossip string `yaml:"listen_gossip"`

	// Peers is the initial gossip peer set used to seed membership.
	Peers []string `yaml:"peers"`
}

// RingConfig names the pre-shared ring key protecting wire traffic.
// Key material itself is resolved by an external collaborator (env or a key
// file) and is never stored in this struct or on disk.
type RingConfig struct {
	Name string `yaml:"name"`
}

const (
	defaultSwimAddr   = "0.0.0.0:9638"
	defaultGossipAddr = "0.0.0.0:9638"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}
	dataDir := filepath.Join(homeDir, ".fleetsup")

	return &Config{
		Node: NodeConfig{
			DataDir:  dataDir,
			Topology: TopologyStandalone,
			Strategy: StrategyNone,
		},
		Network: NetworkConfig{
			ListenSwim:   defaultSwimAddr,
			ListenGossip: defaultGossipAddr,
			Peers:        []string{},
		},
	}
}

// LoadConfig loads configuration from a file, or returns the default
// configuration if the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file.
func (c *Config) SaveConfig(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(filename, data, 0o644)
}

// ParseTopology validates a --topology flag value.
func ParseTopology(s string) (Topology, error) {
	switch Topology(s) {
	case TopologyStandalone, TopologyLeader, TopologyInitializer:
		return Topology(s), nil
	default:
		return "", fmt.Errorf("config: invalid topology %q", s)
	}
}

// ParseStrategy validates a --strategy flag value.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNone, StrategyAtOnce, StrategyRolling:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("config: invalid strategy %q", s)
	}
}

// ValidateListenAddr does a light sanity check on a host:port string, the
// only startup-time ConfigInvalid check this package is responsible for.
func ValidateListenAddr(addr string) error {
	if !strings.Contains(addr, ":") {
		return fmt.Errorf("config: invalid listen address %q: missing port", addr)
	}
	return nil
}
