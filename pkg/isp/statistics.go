// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import (
	"fmt"
	"time"
)

// Statistics tracks programming sessions and error counts
type Statistics struct {
	StartTime       time.Time
	LastCommandTime time.Time

	// Counters
	Sessions        uint64
	Commands        uint64
	SyncErrors      uint64
	UnknownCommands uint64
	ForcedShutdowns uint64
	BusErrors       uint64

	// Payload
	FlashBytesWritten  uint64
	PagesCommitted     uint64
	EEPROMBytesWritten uint64
	BytesRead          uint64

	// Rates (calculated)
	CommandRate float64 // commands/sec
	ErrorRate   float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:       now,
		LastCommandTime: now,
	}
}

// recordCommand counts one dispatched opcode
func (s *Statistics) recordCommand() {
	s.Commands++
	s.LastCommandTime = time.Now()
}

// errorCount is every event that cost the client a retry or a session
func (s *Statistics) errorCount() uint64 {
	return s.SyncErrors + s.UnknownCommands + s.ForcedShutdowns + s.BusErrors
}

// CalculateRates calculates command and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.CommandRate = float64(s.Commands) / elapsed
		s.ErrorRate = float64(s.errorCount()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Sessions:        %8d\n", s.Sessions)
	result += fmt.Sprintf("Commands:        %8d\n", s.Commands)

	if s.SyncErrors > 0 {
		result += fmt.Sprintf("Sync Errors:     %8d\n", s.SyncErrors)
	}
	if s.UnknownCommands > 0 {
		result += fmt.Sprintf("Unknown Cmds:    %8d\n", s.UnknownCommands)
	}
	if s.ForcedShutdowns > 0 {
		result += fmt.Sprintf("Forced Shutdown: %8d\n", s.ForcedShutdowns)
	}
	if s.BusErrors > 0 {
		result += fmt.Sprintf("Bus Errors:      %8d\n", s.BusErrors)
	}
	if s.FlashBytesWritten > 0 {
		result += fmt.Sprintf("Flash Written:   %8d bytes (%d pages)\n", s.FlashBytesWritten, s.PagesCommitted)
	}
	if s.EEPROMBytesWritten > 0 {
		result += fmt.Sprintf("EEPROM Written:  %8d bytes\n", s.EEPROMBytesWritten)
	}
	if s.BytesRead > 0 {
		result += fmt.Sprintf("Bytes Read:      %8d\n", s.BytesRead)
	}

	result += fmt.Sprintf("Command Rate:    %8.1f cmds/sec\n", s.CommandRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
