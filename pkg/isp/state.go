// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import "fmt"

// State is the programmer lifecycle state
type State uint8

const (
	// StateIdle: no client session
	StateIdle State = iota
	// StatePending: client connected, bus not yet claimed
	StatePending
	// StateActive: processing commands, may own the bus
	StateActive
	// StateForcedShutdown: release the bus and reset the target on the next tick
	StateForcedShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateForcedShutdown:
		return "FORCED_SHUTDOWN"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}
