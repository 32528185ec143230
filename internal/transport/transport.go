package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benchlab/dcps/internal/resource"
)

// Transport-level errors. Every error returned by a session wraps one of
// these or a context error.
var (
	ErrTransport = errors.New("TRANSPORT_ERROR")
	ErrTimeout   = errors.New("TRANSPORT_TIMEOUT")
)

// Session is an open or openable connection to one instrument.
type Session interface {
	// Open acquires the underlying handle. Opening an open session is a no-op.
	Open(ctx context.Context) error

	// Close releases the handle. It is safe on a session that never opened
	// or failed half way, and safe to call twice.
	Close() error

	// Write sends cmd followed by the write termination.
	Write(ctx context.Context, cmd string) error

	// Read returns one reply with the read termination stripped.
	Read(ctx context.Context) (string, error)

	// Query writes cmd and reads the reply.
	Query(ctx context.Context, cmd string) (string, error)

	// ReadBytes reads exactly n bytes, for instruments that reply with
	// fixed-width unterminated messages.
	ReadBytes(ctx context.Context, n int) ([]byte, error)

	// Resource returns the resource string the session was built from.
	Resource() string
}

// FrontPanel is implemented by sessions that can return an instrument to
// local control or lock its front panel at the bus level.
type FrontPanel interface {
	Local(ctx context.Context) error
	Lockout(ctx context.Context) error
}

// Settings describe how a model expects to be spoken to.
type Settings struct {
	// ReadTermination ends every reply. Empty means replies are read with
	// ReadBytes only, unless ReadIdle is set.
	ReadTermination string

	// ReadIdle, when set, also ends a serial reply once the line has been
	// quiet this long after the first byte arrived. The whole pending input
	// is returned, leaving the port drained.
	ReadIdle time.Duration

	// WriteTermination is appended to every command.
	WriteTermination string

	// Timeout bounds each read and write. A context deadline that expires
	// sooner wins.
	Timeout time.Duration

	// QueryDelay is waited between the write and read halves of a query.
	QueryDelay time.Duration

	// BaudRate for serial sessions.
	BaudRate int

	// RawPort is the instrument's raw SCPI socket port. When set, VXI-11
	// INSTR resources are rewritten to a socket on this port.
	RawPort int

	// GPIB marks a GPIB instrument that may sit behind an Ethernet bridge.
	GPIB bool

	// GPIBAddress is the primary address configured on a Prologix bridge.
	GPIBAddress int

	// BridgeReadTimeout is the Prologix ++read_tmo_ms setting.
	BridgeReadTimeout time.Duration

	Logger *slog.Logger
}

// Default timeouts.
const (
	DefaultTimeout           = 2 * time.Second
	DefaultBridgeReadTimeout = 500 * time.Millisecond
	DefaultBaudRate          = 9600
)

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.BaudRate <= 0 {
		s.BaudRate = DefaultBaudRate
	}
	if s.BridgeReadTimeout <= 0 {
		s.BridgeReadTimeout = DefaultBridgeReadTimeout
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// New parses res, picks the profile matching the address and the model
// settings, and returns an unopened session.
func New(res string, s Settings) (Session, error) {
	s = s.withDefaults()
	addr, err := resource.Parse(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if rewritten, ok := resource.RewriteInstr(addr, s.RawPort); ok {
		s.Logger.Warn("VXI-11 resource rewritten to raw socket",
			"resource", addr.Raw, "socket", rewritten.Raw)
		addr = rewritten
	}

	switch profile := resource.Classify(addr, s.GPIB); profile {
	case resource.ProfileSocket:
		return NewSocket(addr, s), nil
	case resource.ProfileKISS488:
		return NewKISS488(NewSocket(addr, s), s), nil
	case resource.ProfilePrologix:
		return NewPrologix(NewSocket(addr, s), s), nil
	case resource.ProfileSerial:
		return NewSerial(addr, s), nil
	case resource.ProfileUSBTMC:
		return NewUSBTMC(addr, s), nil
	case resource.ProfileVXI11:
		return nil, fmt.Errorf("%w: VXI-11 resource %s has no raw socket port for this model", ErrTransport, res)
	default:
		return nil, fmt.Errorf("%w: unsupported %s resource %s", ErrTransport, profile, res)
	}
}

// deadline returns the earlier of the context deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// wrapIOError maps an I/O failure onto the transport errors.
func wrapIOError(ctx context.Context, op, res string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %w", ErrTimeout, op, res, ctxErr)
		}
		return fmt.Errorf("%s %s: %w", op, res, ctxErr)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, op, res, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, res, err)
}

type timeoutError interface{ Timeout() bool }

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errNotOpen = errors.New("session not open")
