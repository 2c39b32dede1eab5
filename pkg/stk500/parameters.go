// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"encoding/binary"
	"fmt"
)

// Parameters is the device description sent with SET_DEVICE.
//
// The 16-bit and 32-bit fields are big-endian on the wire. Byte 9 of the
// block repeats flashpoll and is ignored.
type Parameters struct {
	DeviceCode uint8
	Revision   uint8
	ProgType   uint8
	ParMode    uint8
	Polling    uint8
	SelfTimed  uint8
	LockBytes  uint8
	FuseBytes  uint8
	FlashPoll  uint8
	EEPROMPoll uint16
	PageSize   uint16
	EEPROMSize uint16
	FlashSize  uint32
}

// DecodeParameters decodes a 20-byte SET_DEVICE block
func DecodeParameters(b []byte) (Parameters, error) {
	if len(b) < ParametersSize {
		return Parameters{}, fmt.Errorf("parameter block too short: %d bytes (need %d)", len(b), ParametersSize)
	}
	return Parameters{
		DeviceCode: b[0],
		Revision:   b[1],
		ProgType:   b[2],
		ParMode:    b[3],
		Polling:    b[4],
		SelfTimed:  b[5],
		LockBytes:  b[6],
		FuseBytes:  b[7],
		FlashPoll:  b[8],
		EEPROMPoll: binary.BigEndian.Uint16(b[10:12]),
		PageSize:   binary.BigEndian.Uint16(b[12:14]),
		EEPROMSize: binary.BigEndian.Uint16(b[14:16]),
		FlashSize:  binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// Encode returns the 20-byte wire form of the parameters
func (p Parameters) Encode() []byte {
	b := make([]byte, ParametersSize)
	b[0] = p.DeviceCode
	b[1] = p.Revision
	b[2] = p.ProgType
	b[3] = p.ParMode
	b[4] = p.Polling
	b[5] = p.SelfTimed
	b[6] = p.LockBytes
	b[7] = p.FuseBytes
	b[8] = p.FlashPoll
	b[9] = p.FlashPoll
	binary.BigEndian.PutUint16(b[10:12], p.EEPROMPoll)
	binary.BigEndian.PutUint16(b[12:14], p.PageSize)
	binary.BigEndian.PutUint16(b[14:16], p.EEPROMSize)
	binary.BigEndian.PutUint32(b[16:20], p.FlashSize)
	return b
}

// Known parts for the client side. Values match avrdude.conf.
var knownParts = map[string]Parameters{
	"m328p": {DeviceCode: 0x86, ProgType: 0x00, ParMode: 0x01, Polling: 0x01, SelfTimed: 0x01,
		LockBytes: 0x01, FuseBytes: 0x03, FlashPoll: 0xFF, EEPROMPoll: 0xFFFF,
		PageSize: 128, EEPROMSize: 1024, FlashSize: 32768},
	"m168": {DeviceCode: 0x86, ProgType: 0x00, ParMode: 0x01, Polling: 0x01, SelfTimed: 0x01,
		LockBytes: 0x01, FuseBytes: 0x03, FlashPoll: 0xFF, EEPROMPoll: 0xFFFF,
		PageSize: 128, EEPROMSize: 512, FlashSize: 16384},
	"m8": {DeviceCode: 0x70, ProgType: 0x00, ParMode: 0x01, Polling: 0x01, SelfTimed: 0x01,
		LockBytes: 0x01, FuseBytes: 0x02, FlashPoll: 0xFF, EEPROMPoll: 0xFFFF,
		PageSize: 64, EEPROMSize: 512, FlashSize: 8192},
	"t85": {DeviceCode: 0x14, ProgType: 0x00, ParMode: 0x01, Polling: 0x01, SelfTimed: 0x01,
		LockBytes: 0x01, FuseBytes: 0x03, FlashPoll: 0xFF, EEPROMPoll: 0xFFFF,
		PageSize: 64, EEPROMSize: 512, FlashSize: 8192},
}

// Signatures of the known parts
var knownSignatures = map[string][3]byte{
	"m328p": {0x1E, 0x95, 0x0F},
	"m168":  {0x1E, 0x94, 0x06},
	"m8":    {0x1E, 0x93, 0x07},
	"t85":   {0x1E, 0x93, 0x0B},
}

// LookupPart returns the parameters and signature of a part by its avrdude
// short name (m328p, m168, m8, t85)
func LookupPart(name string) (Parameters, [3]byte, bool) {
	p, ok := knownParts[name]
	if !ok {
		return Parameters{}, [3]byte{}, false
	}
	return p, knownSignatures[name], true
}
