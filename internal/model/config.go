package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Conductor ConductorConfig `yaml:"conductor"`
	Workers   []Worker        `yaml:"workers"`
	Routing   RoutingConfig   `yaml:"routing"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ConductorConfig struct {
	Version     string `yaml:"version"`
	Created     string `yaml:"created"`
	ProjectRoot string `yaml:"project_root"`
}

// RoutingMode controls capability routing behavior.
//   - auto:   the dispatcher issues model_switch instructions on its own
//   - manual: recommendations are computed and logged but never acted on
//   - off:    routing disabled entirely
type RoutingMode string

const (
	RoutingAuto   RoutingMode = "auto"
	RoutingManual RoutingMode = "manual"
	RoutingOff    RoutingMode = "off"
)

type RoutingConfig struct {
	Mode RoutingMode `yaml:"mode"`
	// Tiers maps a model identifier to its capability ceiling and cost
	// classification. An absent entry means the model is unbounded; an
	// absent table disables routing entirely.
	Tiers map[string]TierSpec `yaml:"tiers"`
	// CostGroupOrder is the tie-break preference among tiers with equal
	// max_bloom: the first-listed group always wins.
	CostGroupOrder []string `yaml:"cost_group_order"`
}

type TierSpec struct {
	MaxBloom  int    `yaml:"max_bloom"`
	CostGroup string `yaml:"cost_group"`
	// CLI names the family able to serve this model. Empty means claude.
	CLI CLIFamily `yaml:"cli,omitempty"`
}

// Family returns the CLI family serving this tier, defaulting to claude.
func (t TierSpec) Family() CLIFamily {
	if t.CLI == "" {
		return CLIClaude
	}
	return t.CLI
}

type WatcherConfig struct {
	DebounceSec     float64 `yaml:"debounce_sec"`
	ScanIntervalSec int     `yaml:"scan_interval_sec"`
	TailLines       int     `yaml:"tail_lines"`
	LockTimeoutSec  int     `yaml:"lock_timeout_sec"`
}

type BridgeConfig struct {
	ServerURL string `yaml:"server_url"`
	Topic     string `yaml:"topic"`
	AckPrefix string `yaml:"ack_prefix"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Watcher.ScanIntervalSec <= 0 {
		c.Watcher.ScanIntervalSec = 10
	}
	if c.Watcher.TailLines <= 0 {
		c.Watcher.TailLines = 5
	}
	if c.Watcher.LockTimeoutSec <= 0 {
		c.Watcher.LockTimeoutSec = 10
	}
	if c.Watcher.DebounceSec <= 0 {
		c.Watcher.DebounceSec = 0.5
	}
	if c.Routing.Mode == "" {
		c.Routing.Mode = RoutingOff
	}
	if c.Bridge.AckPrefix == "" {
		c.Bridge.AckPrefix = "received: "
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// WorkerByID looks up a configured worker.
func (c *Config) WorkerByID(id string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return Worker{}, false
}

// LoadConfig reads and parses the config file, applying defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
