// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package stk500 holds the STK500v1 wire vocabulary shared by the bridge and
// its clients: opcodes, response bytes, parameter indices, the SET_DEVICE
// parameter block, and a small synchronous client.
//
// Only the subset of STK500v1 spoken by ArduinoISP-style programmers is
// covered. Every command is an opcode, a fixed number of argument bytes and
// the SyncCRCEOP terminator.
package stk500

// Framing
const (
	SyncCRCEOP = 0x20 // command terminator (ASCII space)
)

// Response bytes
const (
	RespOK       = 0x10
	RespFailed   = 0x11
	RespUnknown  = 0x12
	RespNoDevice = 0x13
	RespInSync   = 0x14
	RespNoSync   = 0x15
)

// Command opcodes
const (
	CmdGetSync       = 0x30
	CmdGetSignOn     = 0x31
	CmdGetParameter  = 0x41
	CmdSetDevice     = 0x42
	CmdSetDeviceExt  = 0x45
	CmdEnterProgMode = 0x50
	CmdLeaveProgMode = 0x51
	CmdLoadAddress   = 0x55
	CmdUniversal     = 0x56
	CmdProgFlash     = 0x60
	CmdProgData      = 0x61
	CmdProgPage      = 0x64
	CmdReadPage      = 0x74
	CmdReadSign      = 0x75
)

// GET_PARAMETER indices
const (
	ParamHWVersion    = 0x80
	ParamSWMajor      = 0x81
	ParamSWMinor      = 0x82
	ParamProgrammerID = 0x93
)

// Memory types used by PROG_PAGE and READ_PAGE
const (
	MemFlash  = 'F'
	MemEEPROM = 'E'
)

// Argument block sizes
const (
	ParametersSize    = 20
	ExtParametersSize = 5
)

// SignOn is the identification text returned by GET_SIGN_ON.
const SignOn = "AVR ISP"

// Programmer versions reported through GET_PARAMETER
const (
	HWVersion = 2
	SWMajor   = 1
	SWMinor   = 18
)
