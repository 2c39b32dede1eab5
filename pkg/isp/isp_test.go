// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/Thermoquad/ispbridge/pkg/hw"
	"github.com/Thermoquad/ispbridge/pkg/stk500"
	"github.com/Thermoquad/ispbridge/pkg/transport"
)

// ============================================================
// Test Helpers
// ============================================================

// fakeConn is a scripted transport. Reads past the scripted input behave like
// a 1000 ms timeout.
type fakeConn struct {
	in        []byte
	out       []byte
	status    transport.Status
	closes    int
	failWrite bool
	writes    int
	failAt    int // 1-based write that fails; 0 never
}

func (f *fakeConn) Status() transport.Status { return f.status }

func (f *fakeConn) Read(p []byte) error {
	if f.status != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	if len(f.in) < len(p) {
		f.in = nil
		f.status = transport.StatusIdle
		return transport.ErrTimeout
	}
	copy(p, f.in)
	f.in = f.in[len(p):]
	return nil
}

func (f *fakeConn) Write(p []byte) error {
	if f.status != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	f.writes++
	if f.failWrite || f.writes == f.failAt {
		f.status = transport.StatusIdle
		return transport.ErrPeerClosed
	}
	f.out = append(f.out, p...)
	return nil
}

func (f *fakeConn) Close() {
	f.closes++
	f.status = transport.StatusIdle
}

// recordingPin remembers every level driven on the enable line
type recordingPin struct {
	gpiotest.Pin
	levels []gpio.Level
}

func (r *recordingPin) Out(l gpio.Level) error {
	r.levels = append(r.levels, l)
	return r.Pin.Out(l)
}

type harness struct {
	p      *Programmer
	conn   *fakeConn
	sim    *hw.Simulator
	pin    *recordingPin
	sleeps []time.Duration
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conn: &fakeConn{status: transport.StatusIdle},
		sim:  hw.NewSimulator(hw.ATmega328P),
		pin:  &recordingPin{Pin: gpiotest.Pin{N: "EN"}},
	}
	opts = append([]Option{
		WithSleep(func(d time.Duration) { h.sleeps = append(h.sleeps, d) }),
	}, opts...)
	h.p = New(h.conn, h.sim, h.pin, opts...)
	return h
}

// activate connects a client and ticks the programmer to Active
func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.conn.status = transport.StatusConnected
	if st := h.p.Tick(); st != StatePending {
		t.Fatalf("first tick = %v, want PENDING", st)
	}
	if st := h.p.Tick(); st != StateActive {
		t.Fatalf("second tick = %v, want ACTIVE", st)
	}
}

// command feeds one command and returns what the programmer wrote back
func (h *harness) command(b ...byte) []byte {
	h.conn.out = nil
	h.conn.in = append(h.conn.in, b...)
	h.p.Tick()
	return h.conn.out
}

func (h *harness) setDevice(t *testing.T, params stk500.Parameters) {
	t.Helper()
	cmd := append([]byte{stk500.CmdSetDevice}, params.Encode()...)
	cmd = append(cmd, stk500.SyncCRCEOP)
	if got := h.command(cmd...); !bytes.Equal(got, []byte{stk500.RespInSync, stk500.RespOK}) {
		t.Fatalf("SET_DEVICE reply = % X", got)
	}
}

func (h *harness) enterProgMode(t *testing.T) {
	t.Helper()
	if got := h.command(stk500.CmdEnterProgMode, stk500.SyncCRCEOP); !bytes.Equal(got, []byte{stk500.RespInSync, stk500.RespOK}) {
		t.Fatalf("ENTER_PROGMODE reply = % X", got)
	}
}

func m328p(t *testing.T) stk500.Parameters {
	t.Helper()
	params, _, ok := stk500.LookupPart("m328p")
	if !ok {
		t.Fatal("m328p not known")
	}
	return params
}

func countOpcode(txs [][]byte, op byte) int {
	n := 0
	for _, tx := range txs {
		if len(tx) == 4 && tx[0] == op {
			n++
		}
	}
	return n
}

var inSyncOK = []byte{stk500.RespInSync, stk500.RespOK}

// ============================================================
// Page Buffer Tests
// ============================================================

func TestPageBuffer(t *testing.T) {
	var b PageBuffer
	dst, err := b.Stage(3)
	if err != nil {
		t.Fatalf("Stage error: %v", err)
	}
	copy(dst, []byte{1, 2, 3})

	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
	if b.At(2) != 3 {
		t.Errorf("At(2) = %d, want 3", b.At(2))
	}
	if b.At(3) != 0xFF || b.At(-1) != 0xFF {
		t.Error("At() outside the staged length should read 0xFF")
	}
	if _, err := b.Stage(PageBufferSize + 1); err == nil {
		t.Error("Expected error staging more than the buffer holds")
	}

	b.Clear()
	if b.Len() != 0 || b.At(0) != 0xFF {
		t.Error("Clear() should empty the buffer")
	}
}

// ============================================================
// Paging Tests
// ============================================================

func TestPageMask(t *testing.T) {
	tests := []struct {
		pageSize uint16
		addr     int
		want     int
	}{
		{32, 0x1234, 0x1230},
		{64, 0x1234, 0x1220},
		{128, 0x1234, 0x1200},
		{256, 0x12F4, 0x1280},
		{128, 0x0040, 0x0040},
	}
	for _, tt := range tests {
		mask, ok := PageMask(tt.pageSize)
		if !ok {
			t.Errorf("PageMask(%d) not recognised", tt.pageSize)
			continue
		}
		if got := tt.addr & mask; got != tt.want {
			t.Errorf("page(0x%04X) at %d bytes = 0x%04X, want 0x%04X", tt.addr, tt.pageSize, got, tt.want)
		}
		// page boundaries fall on multiples of the page size in words
		if got := tt.addr & mask; got%int(tt.pageSize/2) != 0 {
			t.Errorf("page(0x%04X) = 0x%04X not aligned to %d words", tt.addr, got, tt.pageSize/2)
		}
	}
}

func TestPageMask_Unknown(t *testing.T) {
	for _, size := range []uint16{0, 16, 100, 512} {
		mask, ok := PageMask(size)
		if ok {
			t.Errorf("PageMask(%d) reported as known", size)
		}
		if got := 0x1234 & mask; got != 0x1234 {
			t.Errorf("unknown size %d masked address to 0x%04X", size, got)
		}
	}
}

// ============================================================
// State Machine Tests
// ============================================================

func TestStateMachine_Lifecycle(t *testing.T) {
	h := newHarness(t)
	var seen []State
	h.p.Subscribe(func(s State) { seen = append(seen, s) })

	if st := h.p.Tick(); st != StateIdle {
		t.Fatalf("tick with no client = %v, want IDLE", st)
	}
	if len(seen) != 0 {
		t.Fatalf("subscribers notified without a change: %v", seen)
	}

	h.activate(t)
	h.conn.status = transport.StatusIdle
	if st := h.p.Tick(); st != StateIdle {
		t.Fatalf("tick after disconnect = %v, want IDLE", st)
	}

	want := []State{StatePending, StateActive, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestStateMachine_PendingFallsBackToIdle(t *testing.T) {
	h := newHarness(t)
	h.conn.status = transport.StatusConnected
	h.p.Tick()
	h.conn.status = transport.StatusIdle
	if st := h.p.Tick(); st != StateIdle {
		t.Errorf("PENDING without client = %v, want IDLE", st)
	}
}

func TestStateMachine_NewSessionResetsCursor(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.setDevice(t, m328p(t))
	h.command(stk500.CmdLoadAddress, 0x40, 0x00, stk500.SyncCRCEOP)
	if h.p.Here() != 0x40 {
		t.Fatalf("Here() = 0x%X, want 0x40", h.p.Here())
	}

	h.conn.status = transport.StatusIdle
	h.p.Tick()
	h.activate(t)

	if h.p.Here() != 0 {
		t.Errorf("Here() = 0x%X after new session, want 0", h.p.Here())
	}
	if h.p.Parameters().PageSize != 0 {
		t.Errorf("PageSize = %d after new session, want 0", h.p.Parameters().PageSize)
	}
}

func TestStateMachine_NewSessionResetsErrors(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.command(stk500.CmdGetSync, 0x00)
	if h.p.Errors() != 1 {
		t.Fatalf("Errors() = %d, want 1", h.p.Errors())
	}

	h.conn.status = transport.StatusIdle
	h.p.Tick()
	h.activate(t)

	if h.p.Errors() != 0 {
		t.Errorf("Errors() = %d at start of new session, want 0", h.p.Errors())
	}
}

func TestStateMachine_ReadTimeoutForcesShutdown(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)
	h.pin.levels = nil

	// opcode with no terminator: the reply read times out
	h.conn.in = []byte{stk500.CmdGetSync}
	if st := h.p.Tick(); st != StateForcedShutdown {
		t.Fatalf("state after timeout = %v, want FORCED_SHUTDOWN", st)
	}
	if h.conn.Status() != transport.StatusIdle {
		t.Errorf("transport = %v after timeout, want idle", h.conn.Status())
	}

	if st := h.p.Tick(); st != StateIdle {
		t.Fatalf("state after forced shutdown = %v, want IDLE", st)
	}
	if h.sim.Claimed() || h.p.BusClaimed() {
		t.Error("bus still claimed after forced shutdown")
	}
	if h.p.InProgramMode() {
		t.Error("still in programming mode after forced shutdown")
	}
	if len(h.pin.levels) != 2 || h.pin.levels[0] != gpio.Low || h.pin.levels[1] != gpio.High {
		t.Errorf("enable levels = %v, want [Low High]", h.pin.levels)
	}
	if h.p.Stats().ForcedShutdowns != 1 {
		t.Errorf("ForcedShutdowns = %d, want 1", h.p.Stats().ForcedShutdowns)
	}
}

func TestStateMachine_WriteFailureForcesShutdown(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.conn.failWrite = true
	if st := h.command(stk500.CmdGetSync, stk500.SyncCRCEOP); st != nil {
		t.Fatalf("reply written despite failure: % X", st)
	}
	if h.p.State() != StateForcedShutdown {
		t.Errorf("State() = %v, want FORCED_SHUTDOWN", h.p.State())
	}
}

func TestStateMachine_ForcedShutdownClosesConnectedClient(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.p.ForceShutdown()
	h.p.Tick()
	if h.conn.closes != 1 {
		t.Errorf("transport closed %d times, want 1", h.conn.closes)
	}
	if h.p.State() != StateIdle {
		t.Errorf("State() = %v, want IDLE", h.p.State())
	}
}

func TestStateMachine_ForcedShutdownKeepsNextClient(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	// the failed read drops the client before the shutdown is processed
	h.conn.in = []byte{stk500.CmdGetSync}
	if st := h.p.Tick(); st != StateForcedShutdown {
		t.Fatalf("state = %v, want FORCED_SHUTDOWN", st)
	}

	// a queued client is accepted before the next update
	h.conn.status = transport.StatusConnected
	closes := h.conn.closes
	if st := h.p.Tick(); st != StateIdle {
		t.Fatalf("state = %v, want IDLE", st)
	}
	if h.conn.closes != closes {
		t.Error("forced shutdown closed a client accepted after the failure")
	}
	if st := h.p.Tick(); st != StatePending {
		t.Errorf("state = %v, want PENDING for the queued client", st)
	}
}

func TestReset_IdlePulsesEnable(t *testing.T) {
	h := newHarness(t)
	h.p.Reset()
	if len(h.pin.levels) != 2 || h.pin.levels[0] != gpio.Low || h.pin.levels[1] != gpio.High {
		t.Errorf("enable levels = %v, want [Low High]", h.pin.levels)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != ResetPulse {
		t.Errorf("sleeps = %v, want [%v]", h.sleeps, ResetPulse)
	}
}

func TestStateString(t *testing.T) {
	if StateForcedShutdown.String() != "FORCED_SHUTDOWN" {
		t.Errorf("String() = %q", StateForcedShutdown.String())
	}
	if State(7).String() != "STATE(7)" {
		t.Errorf("String() = %q", State(7).String())
	}
}

// ============================================================
// Dispatcher Tests
// ============================================================

func TestGetSync_ResetsErrors(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.command(stk500.CmdGetSync, 0x00)
	if h.p.Errors() != 1 {
		t.Fatalf("Errors() = %d, want 1", h.p.Errors())
	}

	if got := h.command(stk500.CmdGetSync, stk500.SyncCRCEOP); !bytes.Equal(got, inSyncOK) {
		t.Errorf("GET_SYNC reply = % X, want 14 10", got)
	}
	if h.p.Errors() != 0 {
		t.Errorf("Errors() = %d after GET_SYNC, want 0", h.p.Errors())
	}
}

func TestMalformedTerminator(t *testing.T) {
	tests := []struct {
		name string
		cmd  []byte
	}{
		{"GET_SYNC", []byte{stk500.CmdGetSync, 0x00}},
		{"GET_SIGN_ON", []byte{stk500.CmdGetSignOn, 0x21}},
		{"GET_PARAMETER", []byte{stk500.CmdGetParameter, stk500.ParamSWMajor, 0x00}},
		{"LOAD_ADDRESS", []byte{stk500.CmdLoadAddress, 0x00, 0x00, 0x30}},
		{"READ_SIGN", []byte{stk500.CmdReadSign, 0x10}},
		{"READ_PAGE", []byte{stk500.CmdReadPage, 0x00, 0x02, stk500.MemFlash, 0x00}},
		{"PROG_FLASH", []byte{stk500.CmdProgFlash, 0x00, 0x00, 0x00}},
		{"PROG_PAGE flash", []byte{stk500.CmdProgPage, 0x00, 0x02, stk500.MemFlash, 0xAA, 0xBB, 0x00}},
		{"bare terminator", []byte{stk500.SyncCRCEOP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t)
			h.setDevice(t, m328p(t))
			before := h.p.Errors()

			got := h.command(tt.cmd...)
			if !bytes.Equal(got, []byte{stk500.RespNoSync}) {
				t.Errorf("reply = % X, want 15", got)
			}
			if h.p.Errors() != before+1 {
				t.Errorf("Errors() = %d, want %d", h.p.Errors(), before+1)
			}
		})
	}
}

func TestUnknownOpcode(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	if got := h.command(0xFF, stk500.SyncCRCEOP); !bytes.Equal(got, []byte{stk500.RespUnknown}) {
		t.Errorf("0xFF + EOP reply = % X, want 12", got)
	}
	if got := h.command(0xFF, 0x00); !bytes.Equal(got, []byte{stk500.RespNoSync}) {
		t.Errorf("0xFF + junk reply = % X, want 15", got)
	}
	if h.p.Errors() != 2 {
		t.Errorf("Errors() = %d, want 2", h.p.Errors())
	}
}

func TestSignOn(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	want := append([]byte{stk500.RespInSync}, "AVR ISP"...)
	want = append(want, stk500.RespOK)
	if got := h.command(stk500.CmdGetSignOn, stk500.SyncCRCEOP); !bytes.Equal(got, want) {
		t.Errorf("GET_SIGN_ON reply = % X, want % X", got, want)
	}
}

func TestSignOn_SeparateWrites(t *testing.T) {
	tests := []struct {
		name   string
		failAt int
		want   []byte
	}{
		{"all written", 0, append(append([]byte{stk500.RespInSync}, stk500.SignOn...), stk500.RespOK)},
		{"in sync fails", 1, nil},
		{"text fails", 2, []byte{stk500.RespInSync}},
		{"ok fails", 3, append([]byte{stk500.RespInSync}, stk500.SignOn...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t)
			h.conn.writes = 0
			h.conn.failAt = tt.failAt

			got := h.command(stk500.CmdGetSignOn, stk500.SyncCRCEOP)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("reply = % X, want % X", got, tt.want)
			}
			if tt.failAt == 0 {
				if h.conn.writes != 3 {
					t.Errorf("writes = %d, want 3", h.conn.writes)
				}
				return
			}
			if h.conn.writes != tt.failAt {
				t.Errorf("writes = %d, want %d", h.conn.writes, tt.failAt)
			}
			if h.p.State() != StateForcedShutdown {
				t.Errorf("State() = %v, want FORCED_SHUTDOWN", h.p.State())
			}
		})
	}
}

func TestGetParameter(t *testing.T) {
	tests := []struct {
		index byte
		want  byte
	}{
		{stk500.ParamHWVersion, 2},
		{stk500.ParamSWMajor, 1},
		{stk500.ParamSWMinor, 18},
		{stk500.ParamProgrammerID, 'S'},
		{0x98, 0},
	}
	h := newHarness(t)
	h.activate(t)
	for _, tt := range tests {
		got := h.command(stk500.CmdGetParameter, tt.index, stk500.SyncCRCEOP)
		want := []byte{stk500.RespInSync, tt.want, stk500.RespOK}
		if !bytes.Equal(got, want) {
			t.Errorf("GET_PARAMETER 0x%02X = % X, want % X", tt.index, got, want)
		}
	}
}

func TestSetDevice_PageSize(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	block := make([]byte, stk500.ParametersSize)
	block[12], block[13] = 0x00, 0x80
	cmd := append([]byte{stk500.CmdSetDevice}, block...)
	cmd = append(cmd, stk500.SyncCRCEOP)

	if got := h.command(cmd...); !bytes.Equal(got, inSyncOK) {
		t.Fatalf("SET_DEVICE reply = % X, want 14 10", got)
	}
	if h.p.Parameters().PageSize != 128 {
		t.Errorf("PageSize = %d, want 128", h.p.Parameters().PageSize)
	}
}

func TestSetDeviceExt_And_NoOps(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	cmds := [][]byte{
		{stk500.CmdSetDeviceExt, 1, 2, 3, 4, 5, stk500.SyncCRCEOP},
		{stk500.CmdProgFlash, 0x12, 0x34, stk500.SyncCRCEOP},
		{stk500.CmdProgData, 0x56, stk500.SyncCRCEOP},
	}
	for _, cmd := range cmds {
		if got := h.command(cmd...); !bytes.Equal(got, inSyncOK) {
			t.Errorf("%s reply = % X, want 14 10", stk500.FormatCommand(cmd[0]), got)
		}
	}
	if n := len(h.sim.Transactions()); n != 0 {
		t.Errorf("no-op commands issued %d bus transactions", n)
	}
}

func TestEnterProgMode(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.pin.levels = nil
	h.enterProgMode(t)

	if !h.p.InProgramMode() || !h.p.BusClaimed() {
		t.Fatal("not in programming mode after ENTER_PROGMODE")
	}
	if !h.sim.ProgramEnabled() {
		t.Error("target never saw the program enable instruction")
	}

	txs := h.sim.Transactions()
	if len(txs) != 2 || !bytes.Equal(txs[0], []byte{0x00}) || !bytes.Equal(txs[1], []byte{0xAC, 0x53, 0x00, 0x00}) {
		t.Errorf("transactions = % X", txs)
	}
	if len(h.pin.levels) != 2 || h.pin.levels[0] != gpio.High || h.pin.levels[1] != gpio.Low {
		t.Errorf("enable levels = %v, want [High Low]", h.pin.levels)
	}
	wantSleeps := []time.Duration{EnableSettle, ProgEnableSettle}
	if len(h.sleeps) != 2 || h.sleeps[0] != wantSleeps[0] || h.sleeps[1] != wantSleeps[1] {
		t.Errorf("sleeps = %v, want %v", h.sleeps, wantSleeps)
	}
}

func TestLeaveProgMode_ClosesSession(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)
	h.command(stk500.CmdGetSync, 0x00)
	h.pin.levels = nil

	if got := h.command(stk500.CmdLeaveProgMode, stk500.SyncCRCEOP); !bytes.Equal(got, inSyncOK) {
		t.Fatalf("LEAVE_PROGMODE reply = % X, want 14 10", got)
	}
	if h.conn.closes != 1 || h.conn.Status() != transport.StatusIdle {
		t.Errorf("session not closed: closes=%d status=%v", h.conn.closes, h.conn.Status())
	}
	if h.sim.Claimed() || h.p.BusClaimed() {
		t.Error("bus still claimed after LEAVE_PROGMODE")
	}
	if len(h.pin.levels) == 0 || h.pin.levels[0] != gpio.High {
		t.Errorf("enable levels = %v, want High first", h.pin.levels)
	}
	if h.p.Errors() != 0 {
		t.Errorf("Errors() = %d, want 0", h.p.Errors())
	}

	if st := h.p.Tick(); st != StateIdle {
		t.Errorf("state after LEAVE_PROGMODE = %v, want IDLE", st)
	}
}

func TestLeaveProgMode_ClosesWithoutTerminator(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)

	h.command(stk500.CmdLeaveProgMode)
	if h.sim.Claimed() {
		t.Error("bus still claimed")
	}
	if h.conn.Status() == transport.StatusConnected {
		t.Error("session still connected")
	}
	h.p.Tick()
	if h.p.State() != StateIdle {
		t.Errorf("State() = %v, want IDLE", h.p.State())
	}
}

func TestReadSignature(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)

	want := []byte{stk500.RespInSync, 0x1E, 0x95, 0x0F, stk500.RespOK}
	if got := h.command(stk500.CmdReadSign, stk500.SyncCRCEOP); !bytes.Equal(got, want) {
		t.Errorf("READ_SIGN reply = % X, want % X", got, want)
	}
}

func TestUniversal(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)

	got := h.command(stk500.CmdUniversal, 0x30, 0x00, 0x02, 0x00, stk500.SyncCRCEOP)
	want := []byte{stk500.RespInSync, 0x0F, stk500.RespOK}
	if !bytes.Equal(got, want) {
		t.Errorf("UNIVERSAL reply = % X, want % X", got, want)
	}
}

func TestBusErrorReadsZero(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)
	h.sim.InjectFault(errors.New("spi fault"))

	got := h.command(stk500.CmdUniversal, 0x30, 0x00, 0x00, 0x00, stk500.SyncCRCEOP)
	want := []byte{stk500.RespInSync, 0x00, stk500.RespOK}
	if !bytes.Equal(got, want) {
		t.Errorf("UNIVERSAL reply = % X, want % X", got, want)
	}
	if h.p.Stats().BusErrors != 1 {
		t.Errorf("BusErrors = %d, want 1", h.p.Stats().BusErrors)
	}
}

// ============================================================
// Flash Tests
// ============================================================

func TestProgPage_FlashFourBytes(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.setDevice(t, m328p(t))
	h.enterProgMode(t)
	h.command(stk500.CmdLoadAddress, 0x40, 0x00, stk500.SyncCRCEOP)
	h.sim.ClearLog()

	got := h.command(stk500.CmdProgPage, 0x00, 0x04, stk500.MemFlash, 0x11, 0x22, 0x33, 0x44, stk500.SyncCRCEOP)
	if !bytes.Equal(got, inSyncOK) {
		t.Fatalf("PROG_PAGE reply = % X, want 14 10", got)
	}

	txs := h.sim.Transactions()
	writes := countOpcode(txs, 0x40) + countOpcode(txs, 0x48)
	if writes != 4 {
		t.Errorf("flash load transactions = %d, want 4", writes)
	}
	if commits := h.sim.Commits(); len(commits) != 1 || commits[0] != 0x40 {
		t.Errorf("commits = %v, want [64]", commits)
	}
	if got := h.sim.Flash(0x80, 4); !bytes.Equal(got, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("flash = % X, want 11 22 33 44", got)
	}
	if h.p.Here() != 0x42 {
		t.Errorf("Here() = 0x%X, want 0x42", h.p.Here())
	}
}

func TestProgPage_CommitsEveryPageTouched(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		length  int
		commits []int
	}{
		{"within one page", 0x00, 16, []int{0x00}},
		{"full page", 0x40, 128, []int{0x40}},
		{"straddles two pages", 0x3E, 8, []int{0x00, 0x40}},
		{"odd length", 0x00, 5, []int{0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t)
			h.setDevice(t, m328p(t))
			h.enterProgMode(t)
			h.command(stk500.CmdLoadAddress, byte(tt.start), byte(tt.start>>8), stk500.SyncCRCEOP)
			h.sim.ClearLog()

			payload := bytes.Repeat([]byte{0xA5}, tt.length)
			cmd := []byte{stk500.CmdProgPage, byte(tt.length >> 8), byte(tt.length), stk500.MemFlash}
			cmd = append(cmd, payload...)
			cmd = append(cmd, stk500.SyncCRCEOP)

			if got := h.command(cmd...); !bytes.Equal(got, inSyncOK) {
				t.Fatalf("reply = % X, want 14 10", got)
			}
			commits := h.sim.Commits()
			if len(commits) != len(tt.commits) {
				t.Fatalf("commits = %v, want %v", commits, tt.commits)
			}
			for i := range commits {
				if commits[i] != tt.commits[i] {
					t.Errorf("commit %d = 0x%X, want 0x%X", i, commits[i], tt.commits[i])
				}
			}
			words := (tt.length + 1) / 2
			if loads := countOpcode(h.sim.Transactions(), 0x40); loads != words {
				t.Errorf("low byte loads = %d, want %d", loads, words)
			}
		})
	}
}

func TestProgPage_OddLengthPadsHighByte(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.setDevice(t, m328p(t))
	h.enterProgMode(t)

	h.command(stk500.CmdProgPage, 0x00, 0x03, stk500.MemFlash, 0x01, 0x02, 0x03, stk500.SyncCRCEOP)
	if got := h.sim.Flash(0, 4); !bytes.Equal(got, []byte{0x01, 0x02, 0x03, 0xFF}) {
		t.Errorf("flash = % X, want 01 02 03 FF", got)
	}
}

func TestProgPage_FlashTooLarge(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.setDevice(t, m328p(t))
	h.enterProgMode(t)
	h.sim.ClearLog()

	cmd := []byte{stk500.CmdProgPage, 0x01, 0x02, stk500.MemFlash}
	cmd = append(cmd, make([]byte, 0x102)...)
	cmd = append(cmd, stk500.SyncCRCEOP)

	got := h.command(cmd...)
	if !bytes.Equal(got, []byte{stk500.RespInSync, stk500.RespFailed}) {
		t.Errorf("reply = % X, want 14 11", got)
	}
	if n := len(h.sim.Transactions()); n != 0 {
		t.Errorf("oversized page issued %d bus transactions", n)
	}
	if h.p.State() != StateActive {
		t.Errorf("State() = %v, want ACTIVE", h.p.State())
	}
}

func TestProgPage_UnknownMemType(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	if got := h.command(stk500.CmdProgPage, 0x00, 0x02, 'X'); !bytes.Equal(got, []byte{stk500.RespFailed}) {
		t.Errorf("reply = % X, want 11", got)
	}
}

func TestProgPage_UnknownPageSizeLeavesAddressUnmasked(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	params := m328p(t)
	params.PageSize = 100
	h.setDevice(t, params)
	h.enterProgMode(t)
	h.command(stk500.CmdLoadAddress, 0x45, 0x00, stk500.SyncCRCEOP)
	h.sim.ClearLog()

	h.command(stk500.CmdProgPage, 0x00, 0x02, stk500.MemFlash, 0x01, 0x02, stk500.SyncCRCEOP)

	var commit []byte
	for _, tx := range h.sim.Transactions() {
		if tx[0] == 0x4C {
			commit = tx
		}
	}
	if !bytes.Equal(commit, []byte{0x4C, 0x00, 0x45, 0x00}) {
		t.Errorf("commit = % X, want 4C 00 45 00", commit)
	}
}

// ============================================================
// EEPROM Tests
// ============================================================

func TestProgPage_EEPROM(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.setDevice(t, m328p(t))
	h.enterProgMode(t)
	h.command(stk500.CmdLoadAddress, 0x10, 0x00, stk500.SyncCRCEOP)
	h.sleeps = nil

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	cmd := []byte{stk500.CmdProgPage, 0x00, byte(len(payload)), stk500.MemEEPROM}
	cmd = append(cmd, payload...)
	cmd = append(cmd, stk500.SyncCRCEOP)

	if got := h.command(cmd...); !bytes.Equal(got, inSyncOK) {
		t.Fatalf("reply = % X, want 14 10", got)
	}
	// cursor 0x10 words is EEPROM byte 0x20
	if got := h.sim.EEPROM(0x20, len(payload)); !bytes.Equal(got, payload) {
		t.Errorf("eeprom = % X, want % X", got, payload)
	}
	if len(h.sleeps) != len(payload) {
		t.Errorf("settle delays = %d, want %d", len(h.sleeps), len(payload))
	}
	for _, d := range h.sleeps {
		if d != EEPROMSettle {
			t.Errorf("settle delay %v, want %v", d, EEPROMSettle)
			break
		}
	}
}

func TestProgPage_EEPROMTooLarge(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	params := m328p(t)
	params.EEPROMSize = 16
	h.setDevice(t, params)
	h.enterProgMode(t)
	h.sim.ClearLog()
	before := h.p.Errors()

	cmd := []byte{stk500.CmdProgPage, 0x00, 0x20, stk500.MemEEPROM}
	cmd = append(cmd, make([]byte, 0x20)...)
	cmd = append(cmd, stk500.SyncCRCEOP)

	got := h.command(cmd...)
	if !bytes.Equal(got, []byte{stk500.RespInSync, stk500.RespFailed}) {
		t.Errorf("reply = % X, want 14 11", got)
	}
	if n := len(h.sim.Transactions()); n != 0 {
		t.Errorf("oversized EEPROM write issued %d bus transactions", n)
	}
	if h.p.Errors() != before+1 {
		t.Errorf("Errors() = %d, want %d", h.p.Errors(), before+1)
	}
}

// ============================================================
// Read Page Tests
// ============================================================

func TestReadPage_Flash(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)
	h.sim.LoadFlash(0x100, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	h.command(stk500.CmdLoadAddress, 0x80, 0x00, stk500.SyncCRCEOP)

	got := h.command(stk500.CmdReadPage, 0x00, 0x04, stk500.MemFlash, stk500.SyncCRCEOP)
	want := []byte{stk500.RespInSync, 0xDE, 0xAD, 0xBE, 0xEF, stk500.RespOK}
	if !bytes.Equal(got, want) {
		t.Errorf("READ_PAGE reply = % X, want % X", got, want)
	}
	if h.p.Here() != 0x82 {
		t.Errorf("Here() = 0x%X, want 0x82", h.p.Here())
	}
}

func TestReadPage_EEPROM(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.enterProgMode(t)
	h.sim.LoadEEPROM(0x08, []byte{1, 2, 3})
	h.command(stk500.CmdLoadAddress, 0x04, 0x00, stk500.SyncCRCEOP)

	got := h.command(stk500.CmdReadPage, 0x00, 0x03, stk500.MemEEPROM, stk500.SyncCRCEOP)
	want := []byte{stk500.RespInSync, 1, 2, 3, stk500.RespOK}
	if !bytes.Equal(got, want) {
		t.Errorf("READ_PAGE reply = % X, want % X", got, want)
	}
}

func TestReadPage_UnknownMemType(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	got := h.command(stk500.CmdReadPage, 0x00, 0x02, 'X', stk500.SyncCRCEOP)
	if !bytes.Equal(got, []byte{stk500.RespInSync, stk500.RespFailed}) {
		t.Errorf("reply = % X, want 14 11", got)
	}
}

// ============================================================
// Liveness Tests
// ============================================================

// progPage builds a PROG_PAGE command carrying n zero bytes
func progPage(memtype byte, n int) []byte {
	cmd := []byte{stk500.CmdProgPage, 0x00, byte(n), memtype}
	cmd = append(cmd, make([]byte, n)...)
	return append(cmd, stk500.SyncCRCEOP)
}

func TestLiveness_ServicedPerWordAndByte(t *testing.T) {
	tests := []struct {
		name string
		cmd  []byte
		want int
	}{
		{"flash write", progPage(stk500.MemFlash, 8), 4},
		{"eeprom write", progPage(stk500.MemEEPROM, 5), 5},
		{"flash read", []byte{stk500.CmdReadPage, 0x00, 0x06, stk500.MemFlash, stk500.SyncCRCEOP}, 3},
		{"eeprom read", []byte{stk500.CmdReadPage, 0x00, 0x03, stk500.MemEEPROM, stk500.SyncCRCEOP}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			h := newHarness(t, WithLiveness(func() { calls++ }))
			h.activate(t)
			h.setDevice(t, m328p(t))
			h.enterProgMode(t)
			calls = 0

			h.command(tt.cmd...)
			if calls != tt.want {
				t.Errorf("liveness calls = %d, want %d", calls, tt.want)
			}
		})
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.setDevice(t, m328p(t))
	h.enterProgMode(t)
	h.command(stk500.CmdProgPage, 0x00, 0x02, stk500.MemFlash, 0x01, 0x02, stk500.SyncCRCEOP)
	h.command(stk500.CmdGetSync, 0x00)

	s := h.p.Stats()
	if s.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", s.Sessions)
	}
	if s.Commands != 4 {
		t.Errorf("Commands = %d, want 4", s.Commands)
	}
	if s.FlashBytesWritten != 2 || s.PagesCommitted != 1 {
		t.Errorf("flash = %d bytes / %d pages, want 2 / 1", s.FlashBytesWritten, s.PagesCommitted)
	}
	if s.SyncErrors != 1 {
		t.Errorf("SyncErrors = %d, want 1", s.SyncErrors)
	}

	out := s.String()
	for _, want := range []string{"Sessions:", "Sync Errors:", "Flash Written:"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q", want)
		}
	}

	stats := NewStatistics()
	stats.Commands = 10
	stats.Reset()
	if stats.Commands != 0 {
		t.Error("Reset() should clear counters")
	}
}
