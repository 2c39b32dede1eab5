// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge ties the programming port to the ISP programmer and gives
// the pair an enable switch that survives restarts.
package bridge

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"

	"github.com/Thermoquad/ispbridge/pkg/isp"
	"github.com/Thermoquad/ispbridge/pkg/prefs"
	"github.com/Thermoquad/ispbridge/pkg/transport"
)

// DefaultName keys the persisted state
const DefaultName = "isp_bridge"

// Action is a control request applied on the loop goroutine
type Action uint8

const (
	ActionEnable Action = iota + 1
	ActionDisable
	ActionToggle
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionEnable:
		return "enable"
	case ActionDisable:
		return "disable"
	case ActionToggle:
		return "toggle"
	case ActionReset:
		return "reset"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// persistedState is saved under the bridge name
type persistedState struct {
	Enabled bool `cbor:"1,keyasint"`
}

// Bridge owns the programming port session and the programmer reading from
// it. All methods except Post must be called from the loop goroutine.
type Bridge struct {
	name    string
	session *transport.Session
	prog    *isp.Programmer
	enable  gpio.PinOut
	store   prefs.Store
	restore RestoreMode
	log     zerolog.Logger

	mu      sync.Mutex
	pending []Action

	onEnable  []func()
	onDisable []func()
}

// New creates a bridge. prog must read from session.
func New(session *transport.Session, prog *isp.Programmer, enable gpio.PinOut, opts ...Option) *Bridge {
	b := &Bridge{
		name:    DefaultName,
		session: session,
		prog:    prog,
		enable:  enable,
		restore: AlwaysOff,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = prefs.NewMemoryStore()
	}
	b.log = b.log.With().Str("component", "bridge").Logger()
	return b
}

// ============================================================
// Component
// ============================================================

// Setup releases the target and applies the restore mode
func (b *Bridge) Setup() error {
	if err := b.enable.Out(gpio.High); err != nil {
		return fmt.Errorf("enable line: %w", err)
	}

	if b.restoredEnabled() {
		return b.Enable()
	}
	return nil
}

func (b *Bridge) restoredEnabled() bool {
	var saved persistedState
	ok := false
	if b.restore.loadsSaved() {
		var err error
		ok, err = b.store.Load(b.name, &saved)
		if err != nil {
			b.log.Warn().Err(err).Msg("Failed to load saved state")
			ok = false
		}
	}
	enabled := b.restore.Resolve(saved.Enabled, ok)
	b.log.Debug().
		Str("restore_mode", b.restore.String()).
		Bool("saved", ok).
		Bool("enabled", enabled).
		Msg("Restored state")
	return enabled
}

// Loop applies queued actions, accepts a client if one is waiting and
// advances the programmer
func (b *Bridge) Loop() {
	for _, a := range b.drain() {
		b.apply(a)
	}
	b.session.Handle()
	b.prog.Tick()
}

// Teardown releases the bus, resets the target and closes the port without
// touching the saved state
func (b *Bridge) Teardown() {
	if b.IsEnabled() || b.prog.State() != isp.StateIdle {
		b.prog.ForceShutdown()
		b.prog.Tick()
	}
	b.session.Stop()
	b.log.Debug().Msg("Torn down")
}

// DumpConfig logs the configuration
func (b *Bridge) DumpConfig() {
	b.log.Info().
		Str("name", b.name).
		Int("port", b.session.Port()).
		Str("restore_mode", b.restore.String()).
		Bool("enabled", b.IsEnabled()).
		Msg("ISP bridge")
}

// ============================================================
// Control
// ============================================================

// Enable opens the programming port
func (b *Bridge) Enable() error {
	if b.IsEnabled() {
		return nil
	}
	b.log.Debug().Msg("Enabling")

	if err := b.session.Start(); err != nil {
		b.log.Warn().Err(err).Msg("Error starting programming port")
		return err
	}

	addr := b.Address()
	b.log.Info().Str("address", addr).Msg("Programming port open")
	b.log.Info().Msgf("$ avrdude -c stk500v1 -p m328p -P net:%s -b 19200 ...", addr)

	b.save()
	for _, fn := range b.onEnable {
		fn()
	}
	return nil
}

// Disable tears down any session and closes the programming port
func (b *Bridge) Disable() {
	if !b.IsEnabled() {
		return
	}
	b.log.Debug().Msg("Disabling")

	b.prog.ForceShutdown()
	b.session.Stop()
	// finish the shutdown now so a client of a later Enable is not closed
	b.prog.Tick()

	b.save()
	for _, fn := range b.onDisable {
		fn()
	}
}

// Toggle flips the enabled state
func (b *Bridge) Toggle() error {
	if b.IsEnabled() {
		b.Disable()
		return nil
	}
	return b.Enable()
}

// Reset pulses the target reset line, ending any session in progress
func (b *Bridge) Reset() {
	b.prog.Reset()
}

// IsEnabled reports whether the programming port is open
func (b *Bridge) IsEnabled() bool {
	return b.session.IsRunning()
}

// State returns the programmer state
func (b *Bridge) State() isp.State {
	return b.prog.State()
}

// Errors returns the programmer's protocol error counter
func (b *Bridge) Errors() int {
	return b.prog.Errors()
}

// Stats returns a snapshot of the programmer statistics
func (b *Bridge) Stats() isp.Statistics {
	return b.prog.Stats()
}

// Address returns host:port of the programming port, or "" when disabled
func (b *Bridge) Address() string {
	addr := b.session.Addr()
	if addr == nil {
		return ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = outboundHost()
	}
	return net.JoinHostPort(host, port)
}

// Post queues an action for the loop goroutine. Safe for concurrent use.
func (b *Bridge) Post(a Action) {
	b.mu.Lock()
	b.pending = append(b.pending, a)
	b.mu.Unlock()
}

func (b *Bridge) drain() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	actions := b.pending
	b.pending = nil
	return actions
}

func (b *Bridge) apply(a Action) {
	b.log.Debug().Stringer("action", a).Msg("Applying action")
	switch a {
	case ActionEnable:
		b.Enable()
	case ActionDisable:
		b.Disable()
	case ActionToggle:
		b.Toggle()
	case ActionReset:
		b.Reset()
	default:
		b.log.Warn().Stringer("action", a).Msg("Ignoring unknown action")
	}
}

// ============================================================
// Observers
// ============================================================

// OnEnable registers fn to run after the port opens
func (b *Bridge) OnEnable(fn func()) {
	b.onEnable = append(b.onEnable, fn)
}

// OnDisable registers fn to run after the port closes
func (b *Bridge) OnDisable(fn func()) {
	b.onDisable = append(b.onDisable, fn)
}

// OnStateChange registers fn to run on every programmer state change
func (b *Bridge) OnStateChange(fn func(isp.State)) {
	b.prog.Subscribe(fn)
}

func (b *Bridge) save() {
	if err := b.store.Save(b.name, persistedState{Enabled: b.IsEnabled()}); err != nil {
		b.log.Warn().Err(err).Msg("Failed to save state")
	}
}

// outboundHost guesses the address clients should dial when the port is
// bound to every interface
func outboundHost() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "localhost"
}

var _ Component = (*Bridge)(nil)
