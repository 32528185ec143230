package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DCPS_CONFIG", "DCPS_MODEL", "DCPS_RESOURCE", "DCPS_TIMEOUT",
		"DCPS_LOG_LEVEL", "DCPS_TRACE_FILE", "DCPS_SIM_SECRET"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dcps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "scpi", cfg.Instrument.Model)
	assert.Zero(t, cfg.Instrument.Timeout(), "the model's own timeout applies")
	_, ok := cfg.Instrument.Settle()
	assert.False(t, ok)
	assert.Equal(t, "127.0.0.1:5025", cfg.Simulator.Listen)
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
instrument:
  model: dp800
  resource: TCPIP0::10.0.0.5::INSTR
  channel: 2
  settleMs: 0
logging:
  level: debug
simulator:
  dialect: dp800
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dp800", cfg.Instrument.Model)
	assert.Equal(t, 2, cfg.Instrument.Channel)
	assert.Zero(t, cfg.Instrument.TimeoutMs, "unset keys keep defaults")
	settle, ok := cfg.Instrument.Settle()
	assert.True(t, ok)
	assert.Zero(t, settle)
	assert.Equal(t, "dp800", cfg.Simulator.Dialect)
	assert.Equal(t, 3, cfg.Simulator.Channels)
}

func TestLoadFromConfigEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DCPS_CONFIG", writeFile(t, "instrument:\n  model: korad\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "korad", cfg.Instrument.Model)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "instrument:\n  modle: dp800\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "instrument:\n  model: hp6632\n"))
	assert.ErrorContains(t, err, "unknown model")
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DCPS_MODEL", "ttiplp")
	t.Setenv("DCPS_RESOURCE", "10.0.0.9")
	t.Setenv("DCPS_TIMEOUT", "1500ms")
	t.Setenv("DCPS_LOG_LEVEL", "warn")
	t.Setenv("DCPS_TRACE_FILE", "/tmp/x.cbor")
	t.Setenv("DCPS_SIM_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ttiplp", cfg.Instrument.Model)
	assert.Equal(t, "10.0.0.9", cfg.Instrument.Resource)
	assert.Equal(t, 1500, cfg.Instrument.TimeoutMs)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/x.cbor", cfg.Trace.File)
	assert.Equal(t, "s3cret", cfg.Simulator.Control.Secret)

	t.Setenv("DCPS_TIMEOUT", "250")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Instrument.TimeoutMs)

	t.Setenv("DCPS_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "DCPS_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown model", func(c *Config) { c.Instrument.Model = "nope" }},
		{"channel above model", func(c *Config) { c.Instrument.Channel = 4 }},
		{"negative timeout", func(c *Config) { c.Instrument.TimeoutMs = -1 }},
		{"huge timeout", func(c *Config) { c.Instrument.TimeoutMs = 120000 }},
		{"gpib address", func(c *Config) { c.Instrument.GPIBAddress = 31 }},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"journal without dir", func(c *Config) { c.Journal.Enabled = true; c.Journal.Dir = "" }},
		{"dialect", func(c *Config) { c.Simulator.Dialect = "visa" }},
		{"fault", func(c *Config) { c.Simulator.Fault = "smoke" }},
		{"sim channels", func(c *Config) { c.Simulator.Channels = 0 }},
		{"load", func(c *Config) { c.Simulator.LoadOhms = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
	assert.Error(t, Validate(nil))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}
