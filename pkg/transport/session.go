// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport implements the single-peer TCP session the programmer
// talks through.
//
// A Session never blocks for long: accepts are polled, and every read or
// write is a retry loop bounded by a wall-clock budget (1000 ms by default)
// that hands control to a yield hook between attempts. Any hard failure
// tears the peer down and returns the session to Idle.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a Session
type Status int

const (
	StatusShutdown Status = iota
	StatusIdle
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusShutdown:
		return "shutdown"
	case StatusIdle:
		return "idle"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Defaults
const (
	DefaultTimeout      = 1000 * time.Millisecond
	DefaultPollInterval = 1 * time.Millisecond
)

// Errors returned by Read and Write
var (
	ErrNotConnected = errors.New("transport: no connected peer")
	ErrTimeout      = errors.New("transport: timed out")
	ErrPeerClosed   = errors.New("transport: remote closed connection")
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Session owns one listening endpoint and at most one peer connection
type Session struct {
	port    int
	host    string
	timeout time.Duration
	poll    time.Duration
	now     func() time.Time
	yield   func()
	log     zerolog.Logger

	status    Status
	listener  net.Listener
	peer      net.Conn
	observers []func(Status)
}

// New creates a session for the given port. The session starts in
// StatusShutdown; call Start to listen.
func New(port int, opts ...Option) *Session {
	s := &Session{
		port:    port,
		timeout: DefaultTimeout,
		poll:    DefaultPollInterval,
		now:     time.Now,
		yield:   func() {},
		log:     zerolog.Nop(),
		status:  StatusShutdown,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "transport").Logger()
	return s
}

// Start binds the listening socket. On success the session becomes Idle.
// Starting a running session is a no-op.
func (s *Session) Start() error {
	if s.status != StatusShutdown {
		return nil
	}
	// The runtime sets SO_REUSEADDR on Unix listeners.
	l, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		s.log.Warn().Err(err).Int("port", s.port).Msg("Socket unable to listen")
		return fmt.Errorf("listen on port %d: %w", s.port, err)
	}
	s.listener = l
	s.setStatus(StatusIdle)
	s.log.Info().Str("addr", l.Addr().String()).Msg("Socket started, idle")
	return nil
}

// Stop tears down the peer and the listener
func (s *Session) Stop() {
	s.dropPeer()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.log.Debug().Err(err).Msg("listener close")
		}
		s.listener = nil
	}
	s.setStatus(StatusShutdown)
}

// Close ends the active peer connection and returns to Idle
func (s *Session) Close() {
	s.dropPeer()
	if s.status == StatusConnected {
		s.setStatus(StatusIdle)
	}
}

// Handle polls for a new peer. It returns true when a new connection has been
// established on this call.
func (s *Session) Handle() bool {
	if s.status != StatusIdle {
		// Shutdown: nothing to do. Connected: liveness is discovered by
		// the next failing read or write.
		return false
	}

	if s.peer == nil {
		if d, ok := s.listener.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(s.poll))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if !isTimeout(err) {
				s.log.Warn().Err(err).Msg("Accept failed")
			}
			return false
		}
		s.peer = conn
	}

	if tcp, ok := s.peer.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			s.log.Warn().Err(err).Msg("Socket could not enable TCP nodelay")
		}
	}

	s.setStatus(StatusConnected)
	s.log.Info().Str("remote", s.peer.RemoteAddr().String()).Msg("Client connected")
	return true
}

// Read fills p from the peer
func (s *Session) Read(p []byte) error {
	if s.status != StatusConnected {
		return ErrNotConnected
	}
	if err := s.readAll(p); err != nil {
		s.Close()
		return err
	}
	return nil
}

// Write sends all of p to the peer
func (s *Session) Write(p []byte) error {
	if s.status != StatusConnected {
		return ErrNotConnected
	}
	if err := s.writeAll(p); err != nil {
		s.Close()
		return err
	}
	return nil
}

// WriteByte sends a single byte
func (s *Session) WriteByte(b byte) error {
	return s.Write([]byte{b})
}

// WriteString sends a string without terminator
func (s *Session) WriteString(str string) error {
	return s.Write([]byte(str))
}

// Status returns the session status
func (s *Session) Status() Status {
	return s.status
}

// IsRunning reports whether the listener is up
func (s *Session) IsRunning() bool {
	return s.status != StatusShutdown
}

// Port returns the configured port
func (s *Session) Port() int {
	return s.port
}

// Addr returns the bound listener address, or nil when shut down
func (s *Session) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// OnStatusChange registers an observer invoked synchronously on every status change
func (s *Session) OnStatusChange(fn func(Status)) {
	s.observers = append(s.observers, fn)
}

func (s *Session) setStatus(st Status) {
	if st == s.status {
		return
	}
	s.status = st
	for _, fn := range s.observers {
		fn(st)
	}
}

func (s *Session) dropPeer() {
	if s.peer == nil {
		return
	}
	if err := s.peer.Close(); err != nil {
		s.log.Debug().Err(err).Msg("peer close")
	}
	s.peer = nil
}

func (s *Session) readAll(p []byte) error {
	start := s.now()
	at := 0
	for at < len(p) {
		if s.now().Sub(start) > s.timeout {
			s.log.Warn().Int("len", len(p)).Msg("Timed out reading data")
			return ErrTimeout
		}

		_ = s.peer.SetReadDeadline(time.Now().Add(s.poll))
		n, err := s.peer.Read(p[at:])
		at += n
		if at == len(p) {
			// a peer closing right after the last byte still delivered it
			return nil
		}
		if err != nil {
			if isTimeout(err) {
				s.yield()
				continue
			}
			if errors.Is(err, io.EOF) {
				s.log.Warn().Msg("Remote closed connection")
				return ErrPeerClosed
			}
			s.log.Warn().Err(err).Int("len", len(p)).Msg("Failed to read data")
			return fmt.Errorf("read %d bytes: %w", len(p), err)
		}
		s.yield()
	}
	return nil
}

func (s *Session) writeAll(p []byte) error {
	start := s.now()
	at := 0
	for at < len(p) {
		if s.now().Sub(start) > s.timeout {
			s.log.Warn().Int("len", len(p)).Msg("Timed out writing data")
			return ErrTimeout
		}

		_ = s.peer.SetWriteDeadline(time.Now().Add(s.poll))
		n, err := s.peer.Write(p[at:])
		at += n
		if err != nil {
			if isTimeout(err) {
				s.yield()
				continue
			}
			s.log.Warn().Err(err).Int("len", len(p)).Msg("Failed to write data")
			return fmt.Errorf("write %d bytes: %w", len(p), err)
		}
		s.yield()
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
