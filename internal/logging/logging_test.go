package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/config"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "channel", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "channel=2")
	assert.NoError(t, l.Close())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcps.log")
	var buf bytes.Buffer
	l, err := newLogger(config.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	l.Debug("to both")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
