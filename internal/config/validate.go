package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/benchlab/dcps/internal/catalog"
)

// Valid simulator settings.
var (
	Dialects = []string{"scpi", "dp800", "aimtti"}
	Faults   = []string{"none", "garbage", "silent", "reject"}
)

// Validate checks cfg for consistency.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validateInstrument(&cfg.Instrument); err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation limits must be non-negative")
	}
	if cfg.Journal.Enabled && cfg.Journal.Dir == "" {
		return fmt.Errorf("journal: dir is required when enabled")
	}
	if err := validateSimulator(&cfg.Simulator); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	return nil
}

func validateInstrument(c *InstrumentConfig) error {
	e, err := catalog.Lookup(c.Model)
	if err != nil {
		return err
	}
	if c.Channel < 0 || c.Channel > len(e.Model.Channels) {
		return fmt.Errorf("channel %d outside 1..%d for %s", c.Channel, len(e.Model.Channels), e.Name)
	}
	if c.TimeoutMs < 0 || c.TimeoutMs > 60000 {
		return fmt.Errorf("timeout %dms is outside reasonable range [0, 60000]", c.TimeoutMs)
	}
	if c.SettleMs > 60000 {
		return fmt.Errorf("settle %dms is outside reasonable range [0, 60000]", c.SettleMs)
	}
	if c.GPIBAddress < 0 || c.GPIBAddress > 30 {
		return fmt.Errorf("gpib address %d outside 0..30", c.GPIBAddress)
	}
	return nil
}

func validateSimulator(c *SimulatorConfig) error {
	if !slices.Contains(Dialects, c.Dialect) {
		return fmt.Errorf("invalid dialect %s, must be one of: %v", c.Dialect, Dialects)
	}
	if !slices.Contains(Faults, c.Fault) {
		return fmt.Errorf("invalid fault %s, must be one of: %v", c.Fault, Faults)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("channels %d outside 1..8", c.Channels)
	}
	if c.MaxVoltage <= 0 || c.MaxCurrent <= 0 {
		return fmt.Errorf("limits must be positive, got %gV %gA", c.MaxVoltage, c.MaxCurrent)
	}
	if c.LoadOhms <= 0 {
		return fmt.Errorf("load resistance must be positive, got %g", c.LoadOhms)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}
