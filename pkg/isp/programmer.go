// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package isp turns an STK500v1 byte stream into AVR serial programming
// transactions.
//
// A Programmer is driven by repeated calls to Tick from a single goroutine.
// Each tick advances the lifecycle state machine once and, while a client is
// active, handles exactly one command. The bus is owned only between
// ENTER_PROGMODE and the end of the session.
package isp

import (
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"

	"github.com/Thermoquad/ispbridge/pkg/stk500"
	"github.com/Thermoquad/ispbridge/pkg/transport"
)

// Settle delays required by the target between programming steps
const (
	ResetPulse       = 10 * time.Millisecond
	EnableSettle     = 50 * time.Microsecond
	ProgEnableSettle = 30 * time.Millisecond
	PageWriteSettle  = 10 * time.Millisecond
	EEPROMSettle     = 45 * time.Millisecond
	LeaveSettle      = 5 * time.Millisecond
)

// EEPROMChunk is how many EEPROM bytes are staged per transport read
const EEPROMChunk = 32

// Programmer is the ISP state machine and command dispatcher
type Programmer struct {
	conn   Transport
	bus    Bus
	enable gpio.PinOut

	log      zerolog.Logger
	sleep    func(time.Duration)
	liveness func()

	state       State
	lastState   State
	subscribers []func(State)

	params     stk500.Parameters
	buf        PageBuffer
	here       int
	errCount   int
	pmode      bool
	busClaimed bool
	closeOwed  bool // the client seen by ForceShutdown is still attached

	stats *Statistics

	txw, txr [4]byte
}

// New creates a programmer reading commands from conn and driving the target
// through bus. enable is the target's reset line; it is held high (target
// running) while no session owns the bus.
func New(conn Transport, bus Bus, enable gpio.PinOut, opts ...Option) *Programmer {
	if conn == nil {
		panic("isp: transport cannot be nil")
	}
	if bus == nil {
		panic("isp: bus cannot be nil")
	}
	if enable == nil {
		panic("isp: enable pin cannot be nil")
	}

	p := &Programmer{
		conn:     conn,
		bus:      bus,
		enable:   enable,
		log:      zerolog.Nop(),
		sleep:    time.Sleep,
		liveness: func() {},
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.stats == nil {
		p.stats = NewStatistics()
	}
	p.log = p.log.With().Str("component", "isp").Logger()
	p.lastState = p.state
	return p
}

// ============================================================
// State machine
// ============================================================

// Update advances the state machine once and returns the new state
func (p *Programmer) Update() State {
	connected := p.conn.Status() == transport.StatusConnected

	switch p.state {
	case StateForcedShutdown:
		p.releaseBus()
		p.pmode = false
		if p.closeOwed && connected {
			p.conn.Close()
		}
		p.closeOwed = false
		p.pulseReset()
		p.state = StateIdle

	case StateIdle:
		if connected {
			p.beginSession()
			p.state = StatePending
		}

	case StatePending:
		if connected {
			p.state = StateActive
		} else {
			p.state = StateIdle
		}

	case StateActive:
		if connected {
			p.dispatch()
		} else {
			p.releaseBus()
			p.pmode = false
			p.setEnable(true)
			p.state = StateIdle
		}
	}

	return p.state
}

// Tick runs Update and notifies subscribers when the state changed since the
// previous tick
func (p *Programmer) Tick() State {
	prev := p.lastState
	st := p.Update()
	if st == prev {
		return st
	}

	switch st {
	case StateIdle:
		if prev == StateActive {
			p.log.Info().Msg("Programming complete, now idle")
		} else {
			p.log.Info().Msg("Now idle")
		}
	case StatePending:
		p.log.Info().Msg("Connection pending")
	case StateActive:
		p.log.Info().Msg("Client active")
	case StateForcedShutdown:
		p.log.Warn().Int("errors", p.errCount).Msg("Forced shutdown pending")
	}

	p.lastState = st
	for _, fn := range p.subscribers {
		fn(st)
	}
	return st
}

// Subscribe registers fn to be called with every observed state change
func (p *Programmer) Subscribe(fn func(State)) {
	p.subscribers = append(p.subscribers, fn)
}

// ForceShutdown schedules bus release, session close and a target reset on
// the next update. Only a client attached at this call is closed; one
// accepted after a transport failure dropped the old peer is left alone.
func (p *Programmer) ForceShutdown() {
	if p.state != StateForcedShutdown {
		p.stats.ForcedShutdowns++
	}
	p.closeOwed = p.conn.Status() == transport.StatusConnected
	p.state = StateForcedShutdown
}

// Reset pulses the target reset line. A session in progress is also torn
// down on the next update.
func (p *Programmer) Reset() {
	if p.state != StateIdle {
		p.ForceShutdown()
	}
	p.pulseReset()
}

func (p *Programmer) beginSession() {
	p.here = 0
	p.errCount = 0
	p.params = stk500.Parameters{}
	p.buf.Clear()
	p.stats.Sessions++
}

// ============================================================
// Accessors
// ============================================================

// State returns the current state
func (p *Programmer) State() State {
	return p.state
}

// Errors returns the protocol error counter
func (p *Programmer) Errors() int {
	return p.errCount
}

// Here returns the programming cursor (word address)
func (p *Programmer) Here() int {
	return p.here
}

// Parameters returns the parameters negotiated by SET_DEVICE
func (p *Programmer) Parameters() stk500.Parameters {
	return p.params
}

// InProgramMode reports whether ENTER_PROGMODE succeeded this session
func (p *Programmer) InProgramMode() bool {
	return p.pmode
}

// BusClaimed reports whether the programmer currently owns the bus
func (p *Programmer) BusClaimed() bool {
	return p.busClaimed
}

// Stats returns a snapshot of the statistics
func (p *Programmer) Stats() Statistics {
	s := *p.stats
	s.CalculateRates()
	return s
}

// ============================================================
// Hardware helpers
// ============================================================

func (p *Programmer) setEnable(high bool) {
	level := gpio.Low
	if high {
		level = gpio.High
	}
	if err := p.enable.Out(level); err != nil {
		p.log.Warn().Err(err).Bool("high", high).Msg("Failed to drive enable line")
	}
}

func (p *Programmer) pulseReset() {
	p.setEnable(false)
	p.sleep(ResetPulse)
	p.setEnable(true)
}

func (p *Programmer) claimBus() {
	if p.busClaimed {
		return
	}
	if err := p.bus.Claim(); err != nil {
		p.stats.BusErrors++
		p.log.Error().Err(err).Msg("Failed to claim bus")
		return
	}
	p.busClaimed = true
}

func (p *Programmer) releaseBus() {
	if !p.busClaimed {
		return
	}
	if err := p.bus.Release(); err != nil {
		p.stats.BusErrors++
		p.log.Warn().Err(err).Msg("Failed to release bus")
	}
	p.busClaimed = false
}

// transact performs one 4-byte bus instruction and returns the final byte
// clocked back. Bus errors read as 0x00.
func (p *Programmer) transact(a, b, c, d byte) byte {
	p.txw = [4]byte{a, b, c, d}
	p.txr = [4]byte{}
	if err := p.bus.Tx(p.txw[:], p.txr[:]); err != nil {
		p.stats.BusErrors++
		p.log.Warn().Err(err).Hex("instruction", p.txw[:]).Msg("Bus transfer failed")
		return 0
	}
	return p.txr[3]
}

// ============================================================
// Transport helpers
// ============================================================

// fail schedules a forced shutdown after a transport error
func (p *Programmer) fail(op string, err error) {
	p.log.Debug().Err(err).Str("op", op).Msg("Transport failure")
	p.ForceShutdown()
}

// getch reads one byte; a failed read yields 0x00 and forces a shutdown
func (p *Programmer) getch() byte {
	var b [1]byte
	if err := p.conn.Read(b[:]); err != nil {
		p.fail("read", err)
		return 0
	}
	return b[0]
}

// fill stages n bytes in the page buffer. A failed read leaves them zeroed,
// forces a shutdown and returns false.
func (p *Programmer) fill(n int) bool {
	dst, err := p.buf.Stage(n)
	if err != nil {
		p.log.Error().Err(err).Msg("Page buffer overflow")
		p.ForceShutdown()
		return false
	}
	if err := p.conn.Read(dst); err != nil {
		clear(dst)
		p.fail("read", err)
		return false
	}
	return true
}

// drain reads and discards n payload bytes
func (p *Programmer) drain(n int) bool {
	for n > 0 {
		chunk := min(n, PageBufferSize)
		if !p.fill(chunk) {
			return false
		}
		n -= chunk
	}
	return true
}

// send writes b in a single transport write; failure forces a shutdown
func (p *Programmer) send(b ...byte) bool {
	if err := p.conn.Write(b); err != nil {
		p.fail("write", err)
		return false
	}
	return true
}

// syncError counts a missing terminator and answers NO_SYNC
func (p *Programmer) syncError() {
	p.errCount++
	p.stats.SyncErrors++
	p.send(stk500.RespNoSync)
}
