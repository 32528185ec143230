package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultFile is read when present.
const DefaultFile = "config/dcps.yaml"

// Config is the complete dcps configuration.
type Config struct {
	Instrument InstrumentConfig `yaml:"instrument"`
	Logging    LoggingConfig    `yaml:"logging"`
	Journal    JournalConfig    `yaml:"journal"`
	Trace      TraceConfig      `yaml:"trace"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

// InstrumentConfig selects and tunes the instrument the CLI talks to.
type InstrumentConfig struct {
	Model string `yaml:"model"`
	// Resource overrides the model's environment default.
	Resource string `yaml:"resource"`
	// Channel is made active after open. Zero keeps channel 1.
	Channel int `yaml:"channel"`
	// TimeoutMs overrides the model's I/O timeout. Zero keeps the model's
	// own value.
	TimeoutMs int `yaml:"timeoutMs"`
	// SettleMs overrides the model's settle time. Negative keeps the
	// model's own value.
	SettleMs    int  `yaml:"settleMs"`
	GPIBAddress int  `yaml:"gpibAddress"`
	CheckErrors bool `yaml:"checkErrors"`
}

// Timeout returns the I/O timeout override, zero when unset.
func (c InstrumentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Settle returns the settle override and whether one is set.
func (c InstrumentConfig) Settle() (time.Duration, bool) {
	if c.SettleMs < 0 {
		return 0, false
	}
	return time.Duration(c.SettleMs) * time.Millisecond, true
}

// LoggingConfig holds operational log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File, when set, receives logs in addition to stderr and is rotated.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// JournalConfig holds the operation journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// TraceConfig holds exchange trace settings.
type TraceConfig struct {
	// File receives CBOR trace events. Empty disables tracing.
	File string `yaml:"file"`
}

// SimulatorConfig holds dcpssim settings.
type SimulatorConfig struct {
	Listen     string        `yaml:"listen"`
	Dialect    string        `yaml:"dialect"`
	Channels   int           `yaml:"channels"`
	MaxVoltage float64       `yaml:"maxVoltage"`
	MaxCurrent float64       `yaml:"maxCurrent"`
	LoadOhms   float64       `yaml:"loadOhms"`
	Fault      string        `yaml:"fault"`
	Control    ControlConfig `yaml:"control"`
}

// ControlConfig holds the simulator's HTTP control API settings.
type ControlConfig struct {
	// Listen is empty to disable the control API.
	Listen string `yaml:"listen"`
	// Secret, when set, requires HS256 bearer tokens on every request.
	Secret string `yaml:"secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			Model:    "scpi",
			SettleMs: -1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Journal: JournalConfig{
			Enabled: false,
			Dir:     "journal",
		},
		Simulator: SimulatorConfig{
			Listen:     "127.0.0.1:5025",
			Dialect:    "scpi",
			Channels:   3,
			MaxVoltage: 30,
			MaxCurrent: 3,
			LoadOhms:   10,
			Fault:      "none",
			Control: ControlConfig{
				Listen: "127.0.0.1:8025",
			},
		},
	}
}

// Load builds the configuration. path, when non-empty, takes the place of
// DCPS_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadFromFile(cfg, DefaultFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DefaultFile, err)
	}

	if path == "" {
		path = os.Getenv("DCPS_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile merges a YAML file into cfg. Keys absent from the file keep
// their current values.
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// applyEnvOverrides applies DCPS_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DCPS_MODEL"); v != "" {
		cfg.Instrument.Model = v
	}
	if v := os.Getenv("DCPS_RESOURCE"); v != "" {
		cfg.Instrument.Resource = v
	}
	if v := os.Getenv("DCPS_TIMEOUT"); v != "" {
		ms, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("DCPS_TIMEOUT: %w", err)
		}
		cfg.Instrument.TimeoutMs = ms
	}
	if v := os.Getenv("DCPS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DCPS_TRACE_FILE"); v != "" {
		cfg.Trace.File = v
	}
	if v := os.Getenv("DCPS_SIM_SECRET"); v != "" {
		cfg.Simulator.Control.Secret = v
	}
	return nil
}

// parseMillis accepts a Go duration ("1500ms", "2s") or a bare number of
// milliseconds.
func parseMillis(s string) (int, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		return ms, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return int(d / time.Millisecond), nil
}
