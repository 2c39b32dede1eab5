// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"fmt"
	"strings"
)

// FormatCommand returns the human-readable name for a command opcode
func FormatCommand(op byte) string {
	switch op {
	case CmdGetSync:
		return "GET_SYNC"
	case CmdGetSignOn:
		return "GET_SIGN_ON"
	case CmdGetParameter:
		return "GET_PARAMETER"
	case CmdSetDevice:
		return "SET_DEVICE"
	case CmdSetDeviceExt:
		return "SET_DEVICE_EXT"
	case CmdEnterProgMode:
		return "ENTER_PROGMODE"
	case CmdLeaveProgMode:
		return "LEAVE_PROGMODE"
	case CmdLoadAddress:
		return "LOAD_ADDRESS"
	case CmdUniversal:
		return "UNIVERSAL"
	case CmdProgFlash:
		return "PROG_FLASH"
	case CmdProgData:
		return "PROG_DATA"
	case CmdProgPage:
		return "PROG_PAGE"
	case CmdReadPage:
		return "READ_PAGE"
	case CmdReadSign:
		return "READ_SIGN"
	case SyncCRCEOP:
		return "CRC_EOP"
	default:
		return "UNKNOWN"
	}
}

// FormatResponse returns the human-readable name for a response byte
func FormatResponse(b byte) string {
	switch b {
	case RespOK:
		return "OK"
	case RespFailed:
		return "FAILED"
	case RespUnknown:
		return "UNKNOWN"
	case RespNoDevice:
		return "NODEVICE"
	case RespInSync:
		return "INSYNC"
	case RespNoSync:
		return "NOSYNC"
	default:
		return fmt.Sprintf("0x%02X", b)
	}
}

// FormatMemType returns the name of a PROG_PAGE/READ_PAGE memory type
func FormatMemType(m byte) string {
	switch m {
	case MemFlash:
		return "flash"
	case MemEEPROM:
		return "eeprom"
	default:
		return fmt.Sprintf("unknown(0x%02X)", m)
	}
}

// FormatSignature renders a 3-byte device signature as 0x1E950F
func FormatSignature(sig [3]byte) string {
	return fmt.Sprintf("0x%02X%02X%02X", sig[0], sig[1], sig[2])
}

// FormatParameters formats a SET_DEVICE parameter block for display
func FormatParameters(p Parameters) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  Device code: 0x%02X rev %d\n", p.DeviceCode, p.Revision)
	fmt.Fprintf(&b, "  Prog type: %d, Par mode: %d, Polling: %d, Self timed: %d\n",
		p.ProgType, p.ParMode, p.Polling, p.SelfTimed)
	fmt.Fprintf(&b, "  Lock bytes: %d, Fuse bytes: %d\n", p.LockBytes, p.FuseBytes)
	fmt.Fprintf(&b, "  Flash poll: 0x%02X, EEPROM poll: 0x%04X\n", p.FlashPoll, p.EEPROMPoll)
	fmt.Fprintf(&b, "  Page size: %d bytes\n", p.PageSize)
	fmt.Fprintf(&b, "  EEPROM size: %d bytes\n", p.EEPROMSize)
	fmt.Fprintf(&b, "  Flash size: %d bytes\n", p.FlashSize)
	return b.String()
}
