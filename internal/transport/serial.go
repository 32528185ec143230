package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/benchlab/dcps/internal/resource"
)

// serialPoll is the port read timeout. Reads loop on it until the session
// deadline so that a cancelled context is noticed promptly.
const serialPoll = 100 * time.Millisecond

type serialConfig = serial.Config

// serialPort is the subset of *serial.Port the session uses.
type serialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// Serial is an ASRL session over a local serial port, 8N1.
type Serial struct {
	addr     resource.Address
	settings Settings
	device   string
	open     func(*serialConfig) (serialPort, error)

	mu      sync.Mutex
	port    serialPort
	pending []byte
}

// NewSerial returns an unopened serial session.
func NewSerial(addr resource.Address, s Settings) *Serial {
	return &Serial{
		addr:     addr,
		settings: s.withDefaults(),
		device:   resource.SerialDevice(addr, runtime.GOOS),
		open: func(c *serialConfig) (serialPort, error) {
			return serial.OpenPort(c)
		},
	}
}

// Resource returns the ASRL resource string.
func (s *Serial) Resource() string { return s.addr.Raw }

// Open opens the serial device and discards stale input.
func (s *Serial) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := s.open(&serialConfig{
		Name:        s.device,
		Baud:        s.settings.BaudRate,
		ReadTimeout: serialPoll,
		Size:        serial.DefaultSize,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return fmt.Errorf("%w: open %s (%s): %w", ErrTransport, s.addr.Raw, s.device, err)
	}
	_ = port.Flush()
	s.port = port
	s.pending = nil
	s.settings.Logger.Debug("serial port opened", "resource", s.addr.Raw, "device", s.device, "baud", s.settings.BaudRate)
	return nil
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port, s.pending = nil, nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrTransport, s.addr.Raw, err)
	}
	return nil
}

// Write sends one command.
func (s *Serial) Write(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, cmd)
}

// Read reads one terminated reply.
func (s *Serial) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

// Query writes cmd and reads one reply.
func (s *Serial) Query(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(ctx, cmd); err != nil {
		return "", err
	}
	if err := sleep(ctx, s.settings.QueryDelay); err != nil {
		return "", wrapIOError(ctx, "query", s.addr.Raw, err)
	}
	return s.read(ctx)
}

// ReadBytes reads exactly n bytes.
func (s *Serial) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, s.addr.Raw, errNotOpen)
	}
	until := deadline(ctx, s.settings.Timeout)
	for len(s.pending) < n {
		if _, err := s.fill(ctx, until); err != nil {
			return nil, err
		}
	}
	out := make([]byte, n)
	copy(out, s.pending[:n])
	s.pending = s.pending[n:]
	return out, nil
}

func (s *Serial) write(ctx context.Context, cmd string) error {
	if s.port == nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, s.addr.Raw, errNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return wrapIOError(ctx, "write", s.addr.Raw, err)
	}
	if _, err := s.port.Write([]byte(cmd + s.settings.WriteTermination)); err != nil {
		return wrapIOError(ctx, "write", s.addr.Raw, err)
	}
	return nil
}

func (s *Serial) read(ctx context.Context) (string, error) {
	if s.port == nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrTransport, s.addr.Raw, errNotOpen)
	}
	term := []byte(s.settings.ReadTermination)
	idle := s.settings.ReadIdle
	if len(term) == 0 && idle <= 0 {
		return "", fmt.Errorf("%w: read %s: no read termination configured", ErrTransport, s.addr.Raw)
	}
	until := deadline(ctx, s.settings.Timeout)
	last := time.Now()
	for {
		if len(term) > 0 {
			if i := bytes.Index(s.pending, term); i >= 0 {
				reply := string(s.pending[:i])
				s.pending = s.pending[i+len(term):]
				return reply, nil
			}
		}
		if idle > 0 && len(s.pending) > 0 && time.Since(last) >= idle {
			reply := string(s.pending)
			s.pending = nil
			return reply, nil
		}
		n, err := s.fill(ctx, until)
		if err != nil {
			return "", err
		}
		if n > 0 {
			last = time.Now()
		}
	}
}

// fill performs one poll of the port, appending anything read.
func (s *Serial) fill(ctx context.Context, until time.Time) (int, error) {
	var buf [256]byte
	n, err := s.port.Read(buf[:])
	if n > 0 {
		s.pending = append(s.pending, buf[:n]...)
		return n, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, wrapIOError(ctx, "read", s.addr.Raw, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, wrapIOError(ctx, "read", s.addr.Raw, ctxErr)
	}
	if time.Now().After(until) {
		return 0, fmt.Errorf("%w: read %s: no reply within %s", ErrTimeout, s.addr.Raw, s.settings.Timeout)
	}
	return 0, nil
}
