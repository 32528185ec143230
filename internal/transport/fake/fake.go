// Package fake provides a scripted in-memory transport session for testing
// adapters without hardware.
//
// Every written command is recorded. Replies come from, in order: the exact
// command map set with Respond, the Handler func, and the FIFO queue filled
// by Reply. A read with nothing to return fails with transport.ErrTimeout,
// just like a silent instrument.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benchlab/dcps/internal/transport"
)

// Session is a fake transport.Session.
type Session struct {
	mu sync.Mutex

	resource  string
	open      bool
	openCount int
	closes    int

	writes    []string
	responses map[string]string
	queue     []string
	inbox     []string

	// Handler, when set, is consulted for commands without a fixed
	// response. Returning ok=false means the instrument stays silent.
	Handler func(cmd string) (reply string, ok bool)

	// OpenErr, WriteErr and ReadErr make the corresponding call fail.
	OpenErr  error
	WriteErr error
	ReadErr  error
}

// New returns a closed fake session for resource.
func New(resource string) *Session {
	return &Session{resource: resource, responses: map[string]string{}}
}

// Respond registers a fixed reply for an exact command.
func (s *Session) Respond(cmd, reply string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[cmd] = reply
	return s
}

// Reply queues replies for the next commands that have no fixed response.
func (s *Session) Reply(replies ...string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
	return s
}

// Writes returns every command written since the last Reset.
func (s *Session) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}

// Reset forgets recorded writes and pending replies.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
	s.inbox = nil
}

// IsOpen reports whether the session is open.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Opens and Closes report how often Open and Close succeeded.
func (s *Session) Opens() int  { s.mu.Lock(); defer s.mu.Unlock(); return s.openCount }
func (s *Session) Closes() int { s.mu.Lock(); defer s.mu.Unlock(); return s.closes }

// Resource returns the fake resource string.
func (s *Session) Resource() string { return s.resource }

// Open marks the session open.
func (s *Session) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	if !s.open {
		s.open = true
		s.openCount++
	}
	return nil
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.closes++
	}
	s.open = false
	s.inbox = nil
	return nil
}

// Write records cmd and stages its reply, if any.
func (s *Session) Write(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cmd)
}

// Read returns the oldest staged reply.
func (s *Session) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Query writes and reads.
func (s *Session) Query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(cmd); err != nil {
		return "", err
	}
	return s.read()
}

// ReadBytes returns the first n bytes of the oldest staged reply.
func (s *Session) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reply, err := s.read()
	if err != nil {
		return nil, err
	}
	if len(reply) < n {
		return nil, fmt.Errorf("%w: fake %s: short reply %q", transport.ErrTimeout, s.resource, reply)
	}
	return []byte(reply[:n]), nil
}

func (s *Session) write(cmd string) error {
	if !s.open {
		return fmt.Errorf("%w: fake %s: session not open", transport.ErrTransport, s.resource)
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.writes = append(s.writes, cmd)
	if reply, ok := s.responses[cmd]; ok {
		s.inbox = append(s.inbox, reply)
		return nil
	}
	if s.Handler != nil {
		if reply, ok := s.Handler(cmd); ok {
			s.inbox = append(s.inbox, reply)
		}
		return nil
	}
	if isQuery(cmd) && len(s.queue) > 0 {
		s.inbox = append(s.inbox, s.queue[0])
		s.queue = s.queue[1:]
	}
	return nil
}

func (s *Session) read() (string, error) {
	if !s.open {
		return "", fmt.Errorf("%w: fake %s: session not open", transport.ErrTransport, s.resource)
	}
	if s.ReadErr != nil {
		return "", s.ReadErr
	}
	if len(s.inbox) == 0 {
		return "", fmt.Errorf("%w: fake %s: no reply", transport.ErrTimeout, s.resource)
	}
	reply := s.inbox[0]
	s.inbox = s.inbox[1:]
	return reply, nil
}

// isQuery reports whether a command expects a reply: any line of it ends
// with '?'.
func isQuery(cmd string) bool {
	for _, line := range strings.Split(cmd, "\n") {
		f := strings.Fields(line)
		if len(f) > 0 && strings.HasSuffix(f[0], "?") {
			return true
		}
	}
	return false
}

// Bridge is a fake session that also implements transport.FrontPanel. Local
// and Lockout are recorded as the Prologix commands they stand for.
type Bridge struct {
	*Session
}

// NewBridge returns a closed fake bridge session.
func NewBridge(resource string) *Bridge {
	return &Bridge{Session: New(resource)}
}

// Local records "++loc".
func (b *Bridge) Local(ctx context.Context) error { return b.Write(ctx, "++loc") }

// Lockout records "++llo".
func (b *Bridge) Lockout(ctx context.Context) error { return b.Write(ctx, "++llo") }

var (
	_ transport.Session    = (*Session)(nil)
	_ transport.FrontPanel = (*Bridge)(nil)
)
