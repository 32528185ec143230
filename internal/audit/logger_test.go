package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/adapter"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestNewLoggerCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	l, err := NewLogger(dir, 1, 1)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, filepath.Join(dir, FileName), l.FilePath())
	assert.FileExists(t, l.FilePath())
}

func TestRecord(t *testing.T) {
	l, err := NewLogger(t.TempDir(), 1, 1)
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	outcome, code := Outcome(nil)
	l.Record(Entry{Model: "DP800", Action: "volt", Channel: 2,
		Params: map[string]any{"value": 5.0}, Outcome: outcome, Code: code})
	outcome, code = Outcome(fmt.Errorf("set: %w", adapter.ErrInvalidParameter))
	l.Record(Entry{Model: "DP800", Action: "volt", Outcome: outcome, Code: code})
	require.NoError(t, l.Close())

	entries := readEntries(t, l.FilePath())
	require.Len(t, entries, 2)
	assert.True(t, fixed.Equal(entries[0].Timestamp))
	assert.Equal(t, 2, entries[0].Channel)
	assert.Equal(t, 5.0, entries[0].Params["value"])
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, "OK", entries[0].Code)
	assert.Equal(t, OutcomeFailure, entries[1].Outcome)
	assert.Equal(t, "INVALID_PARAMETER", entries[1].Code)
}

func TestOutcomeCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{adapter.ErrTimeout, "TRANSPORT_TIMEOUT"},
		{adapter.ErrNotSupported, "NOT_SUPPORTED"},
		{adapter.ErrProtocol, "PROTOCOL_ERROR"},
		{errors.New("boom"), "INTERNAL"},
	}
	for _, tt := range tests {
		_, code := Outcome(tt.err)
		assert.Equal(t, tt.code, code)
	}
}

func TestConcurrentRecords(t *testing.T) {
	l, err := NewLogger(t.TempDir(), 1, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(Entry{Action: "idn", Channel: i})
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())
	assert.Len(t, readEntries(t, l.FilePath()), 20)
}

func TestRotateAndClose(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, 1, 2)
	require.NoError(t, err)

	l.Record(Entry{Action: "on"})
	require.NoError(t, l.Rotate())
	l.Record(Entry{Action: "off"})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	l.Record(Entry{Action: "dropped"})

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	entries := readEntries(t, l.FilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "off", entries[0].Action)
	assert.Error(t, l.Rotate())
}

func TestNop(t *testing.T) {
	var j Journal = Nop{}
	j.Record(Entry{Action: "idn"})
}
