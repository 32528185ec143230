package trace

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/benchlab/dcps/internal/transport"
)

// Session records every call on a wrapped transport session.
type Session struct {
	inner transport.Session
	rec   Recorder
	id    string
	now   func() time.Time
}

// Wrap returns a session that records to rec under a fresh session ID. When
// inner implements transport.FrontPanel, so does the result.
func Wrap(inner transport.Session, rec Recorder) transport.Session {
	s := &Session{inner: inner, rec: rec, id: uuid.NewString(), now: time.Now}
	if fp, ok := inner.(transport.FrontPanel); ok {
		return &frontPanelSession{Session: s, fp: fp}
	}
	return s
}

// ID returns the session ID written into every event.
func (s *Session) ID() string { return s.id }

// Resource returns the wrapped session's resource string.
func (s *Session) Resource() string { return s.inner.Resource() }

func (s *Session) emit(dir Direction, kind Kind, data string, start time.Time, err error) {
	e := Event{
		Timestamp: s.now(),
		SessionID: s.id,
		Resource:  s.inner.Resource(),
		Direction: dir,
		Kind:      kind,
		Data:      data,
		Elapsed:   s.now().Sub(start),
	}
	if err != nil {
		e.Kind = KindError
		e.Error = err.Error()
	}
	s.rec.Record(e)
}

// Open opens the wrapped session.
func (s *Session) Open(ctx context.Context) error {
	start := s.now()
	err := s.inner.Open(ctx)
	s.emit(DirectionOut, KindOpen, "", start, err)
	return err
}

// Close closes the wrapped session.
func (s *Session) Close() error {
	start := s.now()
	err := s.inner.Close()
	s.emit(DirectionOut, KindClose, "", start, err)
	return err
}

// Write records the command.
func (s *Session) Write(ctx context.Context, cmd string) error {
	start := s.now()
	err := s.inner.Write(ctx, cmd)
	s.emit(DirectionOut, KindWrite, cmd, start, err)
	return err
}

// Read records the reply.
func (s *Session) Read(ctx context.Context) (string, error) {
	start := s.now()
	reply, err := s.inner.Read(ctx)
	s.emit(DirectionIn, KindRead, reply, start, err)
	return reply, err
}

// Query records the command and the reply as two events.
func (s *Session) Query(ctx context.Context, cmd string) (string, error) {
	start := s.now()
	reply, err := s.inner.Query(ctx, cmd)
	s.emit(DirectionOut, KindWrite, cmd, start, nil)
	s.emit(DirectionIn, KindRead, reply, start, err)
	return reply, err
}

// ReadBytes records the raw reply.
func (s *Session) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	start := s.now()
	b, err := s.inner.ReadBytes(ctx, n)
	s.emit(DirectionIn, KindRead, string(b), start, err)
	return b, err
}

type frontPanelSession struct {
	*Session
	fp transport.FrontPanel
}

func (f *frontPanelSession) Local(ctx context.Context) error {
	start := f.now()
	err := f.fp.Local(ctx)
	f.emit(DirectionOut, KindWrite, "GTL", start, err)
	return err
}

func (f *frontPanelSession) Lockout(ctx context.Context) error {
	start := f.now()
	err := f.fp.Lockout(ctx)
	f.emit(DirectionOut, KindWrite, "LLO", start, err)
	return err
}

var (
	_ transport.Session    = (*Session)(nil)
	_ transport.FrontPanel = (*frontPanelSession)(nil)
)
