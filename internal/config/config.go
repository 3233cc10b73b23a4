// Package config holds the kernel configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MaxCores is the largest supported core count; affinity masks are 64 bits.
const MaxCores = 64

// Config represents the kernel configuration file.
type Config struct {
	NumCores        int    `json:"num_cores"`
	MaxThreads      int    `json:"max_threads"`
	HandleTableSize int    `json:"handle_table_size"`
	TargetFirmware  string `json:"target_firmware"`

	WorkerPriority         int   `json:"worker_priority"`
	PreemptionPriorities   []int `json:"preemption_priorities"`
	PreemptionIntervalMs   int   `json:"preemption_interval_ms"`
	CompareTimeOnSelect    bool  `json:"compare_time_on_select"`
	MigrationPriorityFloor int   `json:"migration_priority_floor"`

	LogLevel       string `json:"log_level"`
	InspectorAddr  string `json:"inspector_addr"`
	InspectorHTTP3 bool   `json:"inspector_http3"`

	firmware *semver.Version
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		NumCores:               4,
		MaxThreads:             256,
		HandleTableSize:        1024,
		TargetFirmware:         "13.0.0",
		WorkerPriority:         11,
		PreemptionPriorities:   []int{59, 59, 59, 63},
		PreemptionIntervalMs:   10,
		MigrationPriorityFloor: 2,
		LogLevel:               "info",
	}
	c.firmware = semver.MustParse(c.TargetFirmware)
	return c
}

// Load reads a configuration file. Fields missing from the file keep their
// defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks ranges and parses the target firmware.
func (c *Config) Validate() error {
	if c.NumCores < 1 || c.NumCores > MaxCores {
		return fmt.Errorf("num_cores must be in [1, %d], got %d", MaxCores, c.NumCores)
	}
	if c.MaxThreads < 1 {
		return fmt.Errorf("max_threads must be positive, got %d", c.MaxThreads)
	}
	if c.HandleTableSize < 0 || c.HandleTableSize > 1024 {
		return fmt.Errorf("handle_table_size must be in [0, 1024], got %d", c.HandleTableSize)
	}
	if c.WorkerPriority < 0 || c.WorkerPriority > 63 {
		return fmt.Errorf("worker_priority must be in [0, 63], got %d", c.WorkerPriority)
	}
	for _, p := range c.PreemptionPriorities {
		if p < 0 || p > 63 {
			return fmt.Errorf("preemption priority %d out of range", p)
		}
	}
	if c.PreemptionIntervalMs < 0 {
		return fmt.Errorf("preemption_interval_ms must not be negative")
	}
	if c.MigrationPriorityFloor < 0 || c.MigrationPriorityFloor > 64 {
		return fmt.Errorf("migration_priority_floor must be in [0, 64], got %d", c.MigrationPriorityFloor)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	v, err := semver.NewVersion(c.TargetFirmware)
	if err != nil {
		return fmt.Errorf("invalid target_firmware %q: %w", c.TargetFirmware, err)
	}
	c.firmware = v
	return nil
}

// Firmware returns the parsed target firmware version.
func (c *Config) Firmware() *semver.Version {
	if c.firmware == nil {
		if v, err := semver.NewVersion(c.TargetFirmware); err == nil {
			c.firmware = v
		} else {
			c.firmware = semver.MustParse("0.0.0")
		}
	}
	return c.firmware
}

// TargetFirmwareAtLeast reports whether the target firmware is at or above
// the given version.
func (c *Config) TargetFirmwareAtLeast(version string) bool {
	return !c.Firmware().LessThan(semver.MustParse(version))
}

// PreemptionPriority returns the preempted priority for a core, or -1 when
// the core has none.
func (c *Config) PreemptionPriority(core int) int {
	if core < len(c.PreemptionPriorities) {
		return c.PreemptionPriorities[core]
	}
	return -1
}

// Tunables is the subset of the configuration that can change while the
// kernel runs.
type Tunables struct {
	LogLevel             string
	CompareTimeOnSelect  bool
	PreemptionPriorities []int
}

// Tunables extracts the runtime-tunable fields.
func (c *Config) Tunables() Tunables {
	return Tunables{
		LogLevel:             c.LogLevel,
		CompareTimeOnSelect:  c.CompareTimeOnSelect,
		PreemptionPriorities: append([]int(nil), c.PreemptionPriorities...),
	}
}
