package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benchlab/dcps/internal/resource"
)

// Socket is a raw SCPI-over-TCP session (TCPIP::host::port::SOCKET).
type Socket struct {
	addr     resource.Address
	settings Settings

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewSocket returns an unopened socket session.
func NewSocket(addr resource.Address, s Settings) *Socket {
	return &Socket{addr: addr, settings: s.withDefaults()}
}

// Resource returns the socket resource string.
func (s *Socket) Resource() string { return s.addr.Raw }

// Open dials the instrument.
func (s *Socket) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: s.settings.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr.HostPort())
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransport, s.addr.Raw, err)
	}
	s.conn = conn
	s.r = bufio.NewReader(conn)
	s.settings.Logger.Debug("socket opened", "resource", s.addr.Raw)
	return nil
}

// Close closes the connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.r = nil, nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrTransport, s.addr.Raw, err)
	}
	return nil
}

// Write sends one command.
func (s *Socket) Write(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, cmd)
}

// Read reads one terminated reply.
func (s *Socket) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

// Query writes cmd, waits the query delay and reads the reply.
func (s *Socket) Query(ctx context.Context, cmd string) (string, error) {
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
func (s *Socket) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, s.addr.Raw, errNotOpen)
	}
	stop := s.arm(ctx)
	defer stop()
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, wrapIOError(ctx, "read", s.addr.Raw, err)
	}
	return buf, nil
}

func (s *Socket) write(ctx context.Context, cmd string) error {
	if s.conn == nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, s.addr.Raw, errNotOpen)
	}
	stop := s.arm(ctx)
	defer stop()
	if _, err := io.WriteString(s.conn, cmd+s.settings.WriteTermination); err != nil {
		return wrapIOError(ctx, "write", s.addr.Raw, err)
	}
	return nil
}

func (s *Socket) read(ctx context.Context) (string, error) {
	if s.conn == nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrTransport, s.addr.Raw, errNotOpen)
	}
	if s.settings.ReadTermination == "" {
		return "", fmt.Errorf("%w: read %s: no read termination configured", ErrTransport, s.addr.Raw)
	}
	stop := s.arm(ctx)
	defer stop()
	reply, err := readTerminated(s.r, s.settings.ReadTermination)
	if err != nil {
		return "", wrapIOError(ctx, "read", s.addr.Raw, err)
	}
	return reply, nil
}

// arm sets the I/O deadline and makes context cancellation interrupt a
// blocked call. The returned func disarms the cancellation hook.
func (s *Socket) arm(ctx context.Context) func() bool {
	conn := s.conn
	_ = conn.SetDeadline(deadline(ctx, s.settings.Timeout))
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

// readTerminated reads until term and returns the text before it.
func readTerminated(r *bufio.Reader, term string) (string, error) {
	last := term[len(term)-1]
	var sb strings.Builder
	for {
		chunk, err := r.ReadString(last)
		sb.WriteString(chunk)
		if err != nil {
			return "", err
		}
		if strings.HasSuffix(sb.String(), term) {
			return strings.TrimSuffix(sb.String(), term), nil
		}
	}
}
