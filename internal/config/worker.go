package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SimConfig drives the worker's simulated trading loop.
type SimConfig struct {
	Symbol      string  `yaml:"symbol"`
	TickMS      int     `yaml:"tick_ms"`
	BaseBalance float64 `yaml:"base_balance"`
	MaxDrift    float64 `yaml:"max_drift"`
}

// WorkerConfig is what cmd/bot parses from the runtime payload built by
// RuntimeYAML.
type WorkerConfig struct {
	Kind           string            `yaml:"kind"`
	Name           string            `yaml:"name"`
	IPCPort        int               `yaml:"ipc_port"`
	PersistenceDir string            `yaml:"persistence_dir"`
	Credentials    map[string]string `yaml:"credentials,omitempty"`
	Sim            SimConfig         `yaml:"sim,omitempty"`
}

// LoadWorker reads the runtime payload. The path is usually a
// /proc/self/fd/N handle inherited from the supervisor.
func LoadWorker(path string) (*WorkerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read runtime payload %s: %w", path, err)
	}
	var wc WorkerConfig
	if err := yaml.Unmarshal(raw, &wc); err != nil {
		return nil, fmt.Errorf("config: parse runtime payload: %w", err)
	}
	if err := wc.Validate(); err != nil {
		return nil, fmt.Errorf("config: runtime payload: %w", err)
	}
	wc.applyDefaults()
	return &wc, nil
}

func (c *WorkerConfig) Validate() error {
	if strings.TrimSpace(c.Kind) == "" {
		return fmt.Errorf("kind is required")
	}
	if c.IPCPort < 0 || c.IPCPort > 65535 {
		return fmt.Errorf("invalid ipc_port %d", c.IPCPort)
	}
	if c.Sim.TickMS < 0 {
		return fmt.Errorf("sim.tick_ms must not be negative")
	}
	return nil
}

func (c *WorkerConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = c.Kind
	}
	if c.Sim.Symbol == "" {
		c.Sim.Symbol = "BTCUSDT"
	}
	if c.Sim.TickMS == 0 {
		c.Sim.TickMS = 1000
	}
	if c.Sim.BaseBalance == 0 {
		c.Sim.BaseBalance = 10000
	}
	if c.Sim.MaxDrift == 0 {
		c.Sim.MaxDrift = 0.5
	}
}
