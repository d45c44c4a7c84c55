// Package config handles configuration for screenpulse.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration (config.yaml).
type Config struct {
	FlowsDir string `yaml:"flowsDir"` // Directory of flow definition files
	DataDir  string `yaml:"dataDir"`  // Badger database directory

	Log       Log       `yaml:"log"`
	Devices   []Device  `yaml:"devices"`
	Execution Execution `yaml:"execution"`
	Stitch    Stitch    `yaml:"stitch"`
	API       API       `yaml:"api"`
}

// Log controls the structured logger.
type Log struct {
	Level string `yaml:"level"` // trace, debug, info, warn, error
	File  string `yaml:"file"`  // optional log file path
	JSON  bool   `yaml:"json"`
}

// Device declares one device the service drives.
type Device struct {
	ID     string            `yaml:"id"`
	Driver string            `yaml:"driver"` // driver name, e.g. "mock"
	Params map[string]string `yaml:"params"` // driver-specific settings
}

// Execution tunes the step interpreter.
type Execution struct {
	RetryDelayMs  int    `yaml:"retryDelay"`   // fixed pause between step attempts, in ms
	SettleDelayMs int    `yaml:"settleDelay"`  // pause after navigation before re-capture, in ms
	ArtifactsDir  string `yaml:"artifactsDir"` // failure artifacts; empty disables capture
}

// RetryDelay returns the pause between step attempts.
func (e Execution) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelayMs) * time.Millisecond
}

// SettleDelay returns the post-interaction settle pause.
func (e Execution) SettleDelay() time.Duration {
	return time.Duration(e.SettleDelayMs) * time.Millisecond
}

// Stitch holds the service-wide scrolling screenshot defaults. Individual
// scrollCapture steps may override them.
type Stitch struct {
	MaxScrolls     int     `yaml:"maxScrolls"`
	ScrollRatio    float64 `yaml:"scrollRatio"`
	OverlapRatio   float64 `yaml:"overlapRatio"`
	SettleDelayMs  int     `yaml:"settleDelay"`
	MatchThreshold float64 `yaml:"matchThreshold"`
}

// SettleDelay returns the pause between a scroll gesture and the next
// capture.
func (s Stitch) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

// API controls the HTTP metrics endpoint.
type API struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration used when fields are absent.
func Default() *Config {
	return &Config{
		FlowsDir: filepath.Join(GetHome(), "flows"),
		DataDir:  filepath.Join(GetHome(), "data"),
		Log: Log{
			Level: "info",
		},
		Execution: Execution{
			RetryDelayMs:  500,
			SettleDelayMs: 500,
		},
		Stitch: Stitch{
			MaxScrolls:     20,
			ScrollRatio:    0.75,
			OverlapRatio:   0.25,
			SettleDelayMs:  500,
			MatchThreshold: 0.8,
		},
		API: API{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load loads configuration from a file, with defaults applied for absent
// fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, run on defaults
	return Default(), nil
}

// Validate checks ranges that would otherwise fail in confusing places at
// runtime.
func (c *Config) Validate() error {
	if c.Stitch.MaxScrolls < 1 {
		return fmt.Errorf("stitch.maxScrolls must be at least 1, got %d", c.Stitch.MaxScrolls)
	}
	if c.Stitch.ScrollRatio <= 0 || c.Stitch.ScrollRatio > 1 {
		return fmt.Errorf("stitch.scrollRatio must be in (0, 1], got %v", c.Stitch.ScrollRatio)
	}
	if c.Stitch.OverlapRatio <= 0 || c.Stitch.OverlapRatio >= 1 {
		return fmt.Errorf("stitch.overlapRatio must be in (0, 1), got %v", c.Stitch.OverlapRatio)
	}
	if c.Stitch.MatchThreshold < 0 || c.Stitch.MatchThreshold > 1 {
		return fmt.Errorf("stitch.matchThreshold must be in [0, 1], got %v", c.Stitch.MatchThreshold)
	}
	if c.Execution.RetryDelayMs < 0 {
		return fmt.Errorf("execution.retryDelay must not be negative, got %d", c.Execution.RetryDelayMs)
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port, got %d", c.API.Port)
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device entries require an id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
