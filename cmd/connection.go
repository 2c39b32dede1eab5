// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/ispbridge/pkg/events"
)

// programmerTimeout bounds every read from a programmer
const programmerTimeout = 2 * time.Second

// Connection provides a common interface for reading/writing bytes from a
// serial port or a TCP bridge
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrReadTimeout is returned when a programmer stops answering
var ErrReadTimeout = errors.New("programmer did not answer in time")

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

// Read reports a timeout instead of the zero-length read go.bug.st/serial
// returns when its read timeout expires
func (s *SerialConnection) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err == nil && n == 0 && len(p) > 0 {
		return 0, ErrReadTimeout
	}
	return n, err
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// TCPConnection wraps a connection to a bridge
type TCPConnection struct {
	conn net.Conn
}

func (c *TCPConnection) Read(p []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(programmerTimeout))
	n, err := c.conn.Read(p)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, ErrReadTimeout
	}
	return n, err
}

func (c *TCPConnection) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

func (c *TCPConnection) Close() error {
	return c.conn.Close()
}

// OpenSerialConnection opens a serial port connection. Arduino based
// programmers reset when the port opens, so the caller should retry sync.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	if err := port.SetReadTimeout(programmerTimeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}

	return &SerialConnection{port: port}, nil
}

// OpenTCPConnection connects to a bridge. A missing port defaults to 328.
func OpenTCPConnection(addr string) (Connection, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "328")
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	return &TCPConnection{conn: conn}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("ISPBRIDGE_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenProgrammer opens either a TCP or serial programmer connection based on flags
func OpenProgrammer() (Connection, string, error) {
	if bridgeAddr != "" {
		conn, err := OpenTCPConnection(bridgeAddr)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("TCP: %s", bridgeAddr), nil
	}

	if portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", errors.New("either --addr or --port must be specified")
}

// monitorPassword is kept so reconnects do not prompt again
var monitorPassword string

// OpenMonitor connects to a bridge event stream
func OpenMonitor() (*events.Client, string, error) {
	if wsURL == "" {
		return nil, "", errors.New("--url must be specified")
	}

	if wsUsername != "" && monitorPassword == "" {
		var err error
		monitorPassword, err = GetPassword()
		if err != nil {
			return nil, "", err
		}
	}

	c, err := events.Dial(wsURL, wsUsername, monitorPassword, wsNoSSLVerify)
	if err != nil {
		return nil, "", err
	}
	return c, fmt.Sprintf("WebSocket: %s", wsURL), nil
}
