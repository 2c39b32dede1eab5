// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// ============================================================
// Test Helpers
// ============================================================

// steppingClock advances by step every time it is read
type steppingClock struct {
	t    time.Time
	step time.Duration
}

func (c *steppingClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func startSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithHost("127.0.0.1")}, opts...)
	s := New(0, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// connect dials the session and polls Handle until the peer is accepted
func connect(t *testing.T, s *Session) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for !s.Handle() {
		if time.Now().After(deadline) {
			t.Fatal("session never accepted the connection")
		}
	}
	return conn
}

// ============================================================
// Lifecycle Tests
// ============================================================

func TestSessionStartsShutdown(t *testing.T) {
	s := New(0)
	if s.Status() != StatusShutdown {
		t.Errorf("Status() = %v, want shutdown", s.Status())
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}
	if s.Handle() {
		t.Error("Handle() = true while shut down")
	}
}

func TestSessionStartStop(t *testing.T) {
	s := startSession(t)
	if s.Status() != StatusIdle {
		t.Fatalf("Status() = %v, want idle", s.Status())
	}
	if s.Addr() == nil {
		t.Fatal("Addr() = nil after Start")
	}

	s.Stop()
	if s.Status() != StatusShutdown {
		t.Errorf("Status() = %v after Stop, want shutdown", s.Status())
	}
	if s.Addr() != nil {
		t.Error("Addr() should be nil after Stop")
	}
}

func TestSessionStart_PortInUse(t *testing.T) {
	first := startSession(t)
	_, port, _ := net.SplitHostPort(first.Addr().String())
	p, _ := strconv.Atoi(port)

	second := New(p, WithHost("127.0.0.1"))
	if err := second.Start(); err == nil {
		second.Stop()
		t.Fatal("Expected error binding a port already in use")
	}
	if second.Status() != StatusShutdown {
		t.Errorf("Status() = %v after failed Start, want shutdown", second.Status())
	}
}

func TestSessionHandle_NoPeer(t *testing.T) {
	s := startSession(t)
	if s.Handle() {
		t.Error("Handle() = true with nobody connecting")
	}
	if s.Status() != StatusIdle {
		t.Errorf("Status() = %v, want idle", s.Status())
	}
}

func TestSessionHandle_Accept(t *testing.T) {
	s := startSession(t)
	connect(t, s)

	if s.Status() != StatusConnected {
		t.Fatalf("Status() = %v, want connected", s.Status())
	}
	if s.Handle() {
		t.Error("Handle() should not report a new connection while connected")
	}
}

func TestSessionStatusObservers(t *testing.T) {
	s := New(0, WithHost("127.0.0.1"))
	var seen []Status
	s.OnStatusChange(func(st Status) { seen = append(seen, st) })

	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	connect(t, s)
	s.Close()
	s.Stop()

	want := []Status{StatusIdle, StatusConnected, StatusIdle, StatusShutdown}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

// ============================================================
// Read / Write Tests
// ============================================================

func TestSessionReadWrite(t *testing.T) {
	s := startSession(t)
	peer := connect(t, s)

	if _, err := peer.Write([]byte{0x30, 0x20}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf := make([]byte, 2)
	if err := s.Read(buf); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x30, 0x20}) {
		t.Errorf("read % X, want 30 20", buf)
	}

	if err := s.Write([]byte{0x14, 0x10}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	reply := make([]byte, 2)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(peer, reply); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x14, 0x10}) {
		t.Errorf("peer got % X, want 14 10", reply)
	}
}

func TestSessionRead_SplitAcrossSegments(t *testing.T) {
	s := startSession(t)
	peer := connect(t, s)

	go func() {
		peer.Write([]byte{0x01, 0x02})
		time.Sleep(20 * time.Millisecond)
		peer.Write([]byte{0x03})
	}()

	buf := make([]byte, 3)
	if err := s.Read(buf); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("read % X, want 01 02 03", buf)
	}
}

func TestSessionRead_NotConnected(t *testing.T) {
	s := startSession(t)
	if err := s.Read(make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read err = %v, want ErrNotConnected", err)
	}
	if err := s.WriteByte(0x14); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteByte err = %v, want ErrNotConnected", err)
	}
}

func TestSessionRead_Timeout(t *testing.T) {
	clock := &steppingClock{t: time.Unix(0, 0), step: 150 * time.Millisecond}
	yields := 0
	s := startSession(t,
		WithClock(clock.now),
		WithYield(func() { yields++ }),
	)
	connect(t, s)

	err := s.Read(make([]byte, 1))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read err = %v, want ErrTimeout", err)
	}
	if s.Status() != StatusIdle {
		t.Errorf("Status() = %v after timeout, want idle", s.Status())
	}
	if yields == 0 {
		t.Error("yield hook was never called while waiting")
	}
}

func TestSessionRead_PeerClosed(t *testing.T) {
	s := startSession(t)
	peer := connect(t, s)
	peer.Close()

	err := s.Read(make([]byte, 1))
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Read err = %v, want ErrPeerClosed", err)
	}
	if s.Status() != StatusIdle {
		t.Errorf("Status() = %v, want idle", s.Status())
	}
}

// eofConn hands out its data together with io.EOF in a single Read
type eofConn struct {
	net.Conn
	data []byte
}

func (c *eofConn) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, io.EOF
}

func TestSessionRead_LastBytesWithEOF(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	s := New(0)
	s.peer = &eofConn{Conn: local, data: []byte{0x30, 0x20}}
	s.status = StatusConnected

	buf := make([]byte, 2)
	if err := s.Read(buf); err != nil {
		t.Fatalf("Read err = %v, want nil", err)
	}
	if !bytes.Equal(buf, []byte{0x30, 0x20}) {
		t.Errorf("read % X, want 30 20", buf)
	}

	if err := s.Read(buf[:1]); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("next Read err = %v, want ErrPeerClosed", err)
	}
}

func TestSessionAcceptsNextPeerAfterFailure(t *testing.T) {
	s := startSession(t)
	first := connect(t, s)
	first.Close()
	if err := s.Read(make([]byte, 1)); err == nil {
		t.Fatal("Expected read failure after peer closed")
	}

	second := connect(t, s)
	if _, err := second.Write([]byte{0x55}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf := make([]byte, 1)
	if err := s.Read(buf); err != nil {
		t.Fatalf("Read error on second peer: %v", err)
	}
	if buf[0] != 0x55 {
		t.Errorf("read 0x%02X, want 0x55", buf[0])
	}
}

func TestSessionClose_PeerSeesEOF(t *testing.T) {
	s := startSession(t)
	peer := connect(t, s)

	s.Close()
	if s.Status() != StatusIdle {
		t.Errorf("Status() = %v after Close, want idle", s.Status())
	}

	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("peer read err = %v, want EOF", err)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusShutdown, "shutdown"},
		{StatusIdle, "idle"},
		{StatusConnected, "connected"},
		{Status(9), "status(9)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
