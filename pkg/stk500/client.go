// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxPageSize is the largest block PROG_PAGE/READ_PAGE will carry
const MaxPageSize = 256

// Client speaks STK500v1 to a programmer over any byte stream (a TCP
// connection to the bridge, or a serial port to an ArduinoISP).
//
// Timeouts are the responsibility of the underlying connection.
type Client struct {
	rw io.ReadWriter
}

// NewClient creates a client on top of rw
func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// Sync sends GET_SYNC until the programmer answers in sync, up to attempts times
func (c *Client) Sync(attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = c.simple(CmdGetSync); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "no sync after %d attempts", attempts)
}

// SignOn returns the programmer identification string
func (c *Client) SignOn() (string, error) {
	if err := c.send(CmdGetSignOn); err != nil {
		return "", err
	}
	if err := c.expectInSync(CmdGetSignOn); err != nil {
		return "", err
	}
	var id []byte
	for {
		b, err := c.readByte()
		if err != nil {
			return "", errors.Wrap(err, "read sign-on")
		}
		if b == RespOK {
			return string(id), nil
		}
		if len(id) > 32 {
			return "", errors.New("sign-on text not terminated")
		}
		id = append(id, b)
	}
}

// GetParameter reads one programmer parameter (ParamHWVersion, ...)
func (c *Client) GetParameter(index byte) (byte, error) {
	return c.byteCommand(CmdGetParameter, index)
}

// SetDevice sends the SET_DEVICE parameter block
func (c *Client) SetDevice(p Parameters) error {
	return c.simple(CmdSetDevice, p.Encode()...)
}

// SetDeviceExt sends the extended device parameters
func (c *Client) SetDeviceExt(ext [ExtParametersSize]byte) error {
	return c.simple(CmdSetDeviceExt, ext[:]...)
}

// EnterProgMode puts the target into programming mode
func (c *Client) EnterProgMode() error {
	return c.simple(CmdEnterProgMode)
}

// LeaveProgMode releases the target. The bridge closes the connection after
// answering.
func (c *Client) LeaveProgMode() error {
	return c.simple(CmdLeaveProgMode)
}

// LoadAddress sets the word address used by the next page command
func (c *Client) LoadAddress(word uint16) error {
	return c.simple(CmdLoadAddress, byte(word), byte(word>>8))
}

// Universal sends a raw 4-byte ISP instruction and returns the target's reply byte
func (c *Client) Universal(a, b, cc, d byte) (byte, error) {
	return c.byteCommand(CmdUniversal, a, b, cc, d)
}

// ProgramPage writes data at the current address into the given memory
func (c *Client) ProgramPage(mem byte, data []byte) error {
	if len(data) > MaxPageSize {
		return errors.Errorf("page of %d bytes exceeds %d", len(data), MaxPageSize)
	}
	args := make([]byte, 3, 3+len(data))
	binary.BigEndian.PutUint16(args, uint16(len(data)))
	args[2] = mem
	args = append(args, data...)
	return c.simple(CmdProgPage, args...)
}

// ReadPage reads n bytes of the given memory starting at the current address
func (c *Client) ReadPage(mem byte, n int) ([]byte, error) {
	if n > MaxPageSize {
		return nil, errors.Errorf("page of %d bytes exceeds %d", n, MaxPageSize)
	}
	args := make([]byte, 3)
	binary.BigEndian.PutUint16(args, uint16(n))
	args[2] = mem
	if err := c.send(CmdReadPage, args...); err != nil {
		return nil, err
	}
	if err := c.expectInSync(CmdReadPage); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return nil, errors.Wrap(err, "read page data")
	}
	if err := c.expectOK(CmdReadPage); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadSignature returns the three signature bytes of the target
func (c *Client) ReadSignature() ([3]byte, error) {
	var sig [3]byte
	if err := c.send(CmdReadSign); err != nil {
		return sig, err
	}
	if err := c.expectInSync(CmdReadSign); err != nil {
		return sig, err
	}
	if _, err := io.ReadFull(c.rw, sig[:]); err != nil {
		return sig, errors.Wrap(err, "read signature")
	}
	return sig, c.expectOK(CmdReadSign)
}

func (c *Client) send(op byte, args ...byte) error {
	frame := make([]byte, 0, len(args)+2)
	frame = append(frame, op)
	frame = append(frame, args...)
	frame = append(frame, SyncCRCEOP)
	if _, err := c.rw.Write(frame); err != nil {
		return errors.Wrapf(err, "send %s", FormatCommand(op))
	}
	return nil
}

// simple sends a command whose reply is INSYNC OK
func (c *Client) simple(op byte, args ...byte) error {
	if err := c.send(op, args...); err != nil {
		return err
	}
	if err := c.expectInSync(op); err != nil {
		return err
	}
	return c.expectOK(op)
}

// byteCommand sends a command whose reply is INSYNC value OK
func (c *Client) byteCommand(op byte, args ...byte) (byte, error) {
	if err := c.send(op, args...); err != nil {
		return 0, err
	}
	if err := c.expectInSync(op); err != nil {
		return 0, err
	}
	v, err := c.readByte()
	if err != nil {
		return 0, errors.Wrapf(err, "read %s value", FormatCommand(op))
	}
	return v, c.expectOK(op)
}

func (c *Client) expectInSync(op byte) error {
	b, err := c.readByte()
	if err != nil {
		return errors.Wrapf(err, "read %s reply", FormatCommand(op))
	}
	switch b {
	case RespInSync:
		return nil
	case RespNoSync:
		return ErrNoSync
	case RespUnknown:
		return ErrUnknown
	case RespFailed:
		return ErrFailed
	}
	return &ResponseError{Command: op, Expected: RespInSync, Actual: b}
}

func (c *Client) expectOK(op byte) error {
	b, err := c.readByte()
	if err != nil {
		return errors.Wrapf(err, "read %s status", FormatCommand(op))
	}
	switch b {
	case RespOK:
		return nil
	case RespFailed:
		return ErrFailed
	}
	return &ResponseError{Command: op, Expected: RespOK, Actual: b}
}

func (c *Client) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.rw, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
