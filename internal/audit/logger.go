package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benchlab/dcps/internal/adapter"
)

// FileName is the journal file inside the journal directory.
const FileName = "journal.jsonl"

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	SessionID string         `json:"sessionId"`
	Model     string         `json:"model"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	Channel   int            `json:"channel,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"`
	Code      string         `json:"code"`
	LatencyMs int64          `json:"latencyMs"`
}

// Outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// Journal is implemented by Logger and Nop.
type Journal interface {
	Record(e Entry)
}

// Nop discards entries.
type Nop struct{}

// Record discards e.
func (Nop) Record(Entry) {}

// Logger appends entries to a size-rotated file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	now      func() time.Time
}

// NewLogger opens the journal in dir, creating the directory if needed.
// Files rotate at maxSizeMB (lumberjack's default when zero).
func NewLogger(dir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	filePath := filepath.Join(dir, FileName)

	// lumberjack opens lazily; fail early on an unwritable directory.
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	_ = f.Close()

	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
		now: time.Now,
	}, nil
}

// Record writes e, filling the timestamp when unset. Write failures are
// reported on stderr and never fail the operation being journaled.
func (l *Logger) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal journal entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write journal entry: %v\n", err)
	}
}

// Close closes the journal file. Later records are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// Rotate starts a new journal file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return fmt.Errorf("journal closed")
	}
	return l.out.Rotate()
}

// FilePath returns the journal file path.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Outcome returns the outcome and code recorded for err.
func Outcome(err error) (outcome, code string) {
	if err == nil {
		return OutcomeSuccess, adapter.Code(nil)
	}
	return OutcomeFailure, adapter.Code(err)
}
