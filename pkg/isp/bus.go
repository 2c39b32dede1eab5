// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import "github.com/Thermoquad/ispbridge/pkg/transport"

// Bus is the synchronous serial bus the target is attached to.
//
// Tx is a full-duplex exchange: len(r) == len(w). The programmer only calls
// Tx between Claim and Release.
type Bus interface {
	Claim() error
	Release() error
	Tx(w, r []byte) error
}

// Transport is the byte stream commands arrive on. *transport.Session
// satisfies it.
type Transport interface {
	Status() transport.Status
	Read(p []byte) error
	Write(p []byte) error
	Close()
}

// AVR serial programming instructions
const (
	instProgEnable1   = 0xAC
	instProgEnable2   = 0x53
	instLoadPageLow   = 0x40 // +8 for the high byte
	instWritePage     = 0x4C
	instReadFlashLow  = 0x20 // +8 for the high byte
	instReadSignature = 0x30
	instWriteEEPROM   = 0xC0
	instReadEEPROM    = 0xA0
)
