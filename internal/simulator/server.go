package simulator

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Server exposes an Instrument on a raw SCPI socket: newline terminated
// commands in, newline terminated replies out. Like a real instrument it
// serves one client at a time; later clients are accepted and wait.
type Server struct {
	inst              *Instrument
	logger            *slog.Logger
	maxConnections    int
	connectionTimeout time.Duration

	turn chan struct{}
	done chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer returns a server for inst.
func NewServer(inst *Instrument, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		inst:              inst,
		logger:            logger,
		maxConnections:    4,
		connectionTimeout: 5 * time.Minute,
		turn:              make(chan struct{}, 1),
		done:              make(chan struct{}),
		conns:             make(map[net.Conn]struct{}),
	}
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil, net.ErrClosed
	}
	s.listener = ln
	// Counted under the lock so that Close cannot reach Wait first.
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("simulator listening", "addr", ln.Addr().String(), "dialect", s.inst.dialect.name)
	go func() {
		defer s.wg.Done()
		s.serve(ln)
	}()
	return ln.Addr(), nil
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	if _, err := s.Start(addr); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		if !s.track(conn) {
			s.logger.Warn("connection rejected", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.conns) >= s.maxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	select {
	case s.turn <- struct{}{}:
		defer func() { <-s.turn }()
	case <-s.done:
		return
	}
	s.logger.Debug("client connected", "remote", remote)
	defer s.logger.Debug("client disconnected", "remote", remote)

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.connectionTimeout))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		reply, ok := s.inst.Execute(line)
		s.logger.Debug("scpi", "remote", remote, "cmd", line, "reply", reply)
		if !ok {
			continue
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

// Close stops the listener, drops clients and waits for them to finish.
// It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
