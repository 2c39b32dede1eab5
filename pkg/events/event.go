// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package events streams bridge notifications to remote monitors and accepts
// control actions from them.
//
// Every websocket message is one binary CBOR message: [msg_type, payload]
// where payload is a map with small integer keys.
package events

import (
	"fmt"
	"time"

	"github.com/Thermoquad/ispbridge/pkg/bridge"
	"github.com/Thermoquad/ispbridge/pkg/isp"
)

// Kind is the message type of an event
type Kind uint8

// Message types
const (
	KindState    Kind = 0x01 // programmer state changed
	KindEnabled  Kind = 0x02 // programming port opened
	KindDisabled Kind = 0x03 // programming port closed
	KindStats    Kind = 0x04 // periodic statistics

	MsgAction uint8 = 0x10 // monitor → bridge
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "STATE"
	case KindEnabled:
		return "ENABLED"
	case KindDisabled:
		return "DISABLED"
	case KindStats:
		return "STATS"
	default:
		return fmt.Sprintf("KIND(0x%02X)", uint8(k))
	}
}

// Payload keys
const (
	keyState   = 0
	keyEnabled = 1
	keyErrors  = 2
	keyTime    = 3

	keySessions        = 10
	keyCommands        = 11
	keySyncErrors      = 12
	keyUnknownCommands = 13
	keyForcedShutdowns = 14
	keyBusErrors       = 15
	keyFlashBytes      = 16
	keyPagesCommitted  = 17
	keyEEPROMBytes     = 18
	keyBytesRead       = 19

	keyAction = 0
)

// Event is a snapshot of the bridge taken when something happened
type Event struct {
	Kind    Kind
	State   isp.State
	Enabled bool
	Errors  int
	Stats   isp.Statistics // counters only
	Time    time.Time
}

// Snapshot captures the bridge. It must run on the bridge loop goroutine.
func Snapshot(kind Kind, b *bridge.Bridge) Event {
	return Event{
		Kind:    kind,
		State:   b.State(),
		Enabled: b.IsEnabled(),
		Errors:  b.Errors(),
		Stats:   b.Stats(),
		Time:    time.Now(),
	}
}

// Encode returns the wire form of the event
func (e Event) Encode() ([]byte, error) {
	s := e.Stats
	return EncodeMessage(uint8(e.Kind), map[int]interface{}{
		keyState:           uint8(e.State),
		keyEnabled:         e.Enabled,
		keyErrors:          e.Errors,
		keyTime:            e.Time.UnixMilli(),
		keySessions:        s.Sessions,
		keyCommands:        s.Commands,
		keySyncErrors:      s.SyncErrors,
		keyUnknownCommands: s.UnknownCommands,
		keyForcedShutdowns: s.ForcedShutdowns,
		keyBusErrors:       s.BusErrors,
		keyFlashBytes:      s.FlashBytesWritten,
		keyPagesCommitted:  s.PagesCommitted,
		keyEEPROMBytes:     s.EEPROMBytesWritten,
		keyBytesRead:       s.BytesRead,
	})
}

// DecodeEvent parses an event message
func DecodeEvent(data []byte) (Event, error) {
	msgType, m, err := ParseMessage(data)
	if err != nil {
		return Event{}, err
	}
	if msgType == MsgAction {
		return Event{}, fmt.Errorf("message 0x%02X is an action, not an event", msgType)
	}

	e := Event{Kind: Kind(msgType)}
	if v, ok := GetMapUint(m, keyState); ok {
		e.State = isp.State(v)
	}
	e.Enabled, _ = GetMapBool(m, keyEnabled)
	if v, ok := GetMapInt(m, keyErrors); ok {
		e.Errors = int(v)
	}
	if v, ok := GetMapInt(m, keyTime); ok {
		e.Time = time.UnixMilli(v)
	}

	counters := []struct {
		key int
		dst *uint64
	}{
		{keySessions, &e.Stats.Sessions},
		{keyCommands, &e.Stats.Commands},
		{keySyncErrors, &e.Stats.SyncErrors},
		{keyUnknownCommands, &e.Stats.UnknownCommands},
		{keyForcedShutdowns, &e.Stats.ForcedShutdowns},
		{keyBusErrors, &e.Stats.BusErrors},
		{keyFlashBytes, &e.Stats.FlashBytesWritten},
		{keyPagesCommitted, &e.Stats.PagesCommitted},
		{keyEEPROMBytes, &e.Stats.EEPROMBytesWritten},
		{keyBytesRead, &e.Stats.BytesRead},
	}
	for _, c := range counters {
		if v, ok := GetMapUint(m, c.key); ok {
			*c.dst = v
		}
	}
	return e, nil
}

// EncodeAction returns the wire form of a control action
func EncodeAction(a bridge.Action) ([]byte, error) {
	return EncodeMessage(MsgAction, map[int]interface{}{keyAction: uint8(a)})
}

// DecodeAction parses a control action message
func DecodeAction(data []byte) (bridge.Action, error) {
	msgType, m, err := ParseMessage(data)
	if err != nil {
		return 0, err
	}
	if msgType != MsgAction {
		return 0, fmt.Errorf("expected action message, got 0x%02X", msgType)
	}
	v, ok := GetMapUint(m, keyAction)
	if !ok || v == 0 || v > uint64(bridge.ActionReset) {
		return 0, fmt.Errorf("invalid action in message")
	}
	return bridge.Action(v), nil
}

// String renders the event for logs and the monitor
func (e Event) String() string {
	return fmt.Sprintf("%s state=%s enabled=%v errors=%d sessions=%d commands=%d flash=%dB",
		e.Kind, e.State, e.Enabled, e.Errors, e.Stats.Sessions, e.Stats.Commands, e.Stats.FlashBytesWritten)
}
