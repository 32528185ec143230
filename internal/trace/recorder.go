package trace

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Recorder receives trace events. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	Record(e Event)
}

// Noop discards events.
type Noop struct{}

// Record discards e.
func (Noop) Record(Event) {}

// Multi fans events out to several recorders.
type Multi []Recorder

// Record sends e to every recorder.
func (m Multi) Record(e Event) {
	for _, r := range m {
		r.Record(e)
	}
}

// FileRecorder appends CBOR events to a file.
type FileRecorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	closed bool
}

// NewFileRecorder opens path for appending, creating it if needed.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileRecorder{file: f, enc: newEncoder(f)}, nil
}

// Record appends e. Encoding failures are dropped; tracing never fails an
// instrument operation.
func (r *FileRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	_ = r.enc.Encode(e)
}

// Close closes the file. Later Record calls are ignored.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// SlogRecorder writes events to a slog.Logger at debug level.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder returns a recorder logging to logger.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	return &SlogRecorder{logger: logger}
}

// Record logs e.
func (r *SlogRecorder) Record(e Event) {
	attrs := []slog.Attr{
		slog.String("session", e.SessionID),
		slog.String("dir", e.Direction.String()),
		slog.String("kind", e.Kind.String()),
	}
	if e.Data != "" {
		attrs = append(attrs, slog.String("data", e.Data))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", e.Elapsed))
	}
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "scpi", attrs...)
}

var (
	_ Recorder = Noop{}
	_ Recorder = Multi{}
	_ Recorder = (*FileRecorder)(nil)
	_ Recorder = (*SlogRecorder)(nil)
)
