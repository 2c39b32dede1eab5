// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import (
	"github.com/Thermoquad/ispbridge/pkg/stk500"
)

// dispatch reads one opcode and runs its handler
func (p *Programmer) dispatch() {
	op := p.getch()
	if p.state == StateForcedShutdown {
		return
	}
	p.stats.recordCommand()

	if e := p.log.Trace(); e.Enabled() {
		e.Str("command", stk500.FormatCommand(op)).Int("here", p.here).Msg("Dispatch")
	}

	switch op {
	case stk500.CmdGetSync:
		p.errCount = 0
		p.emptyReply()

	case stk500.CmdGetSignOn:
		p.signOn()

	case stk500.CmdGetParameter:
		p.getParameter(p.getch())

	case stk500.CmdSetDevice:
		p.fill(stk500.ParametersSize)
		p.setParameters()
		p.emptyReply()

	case stk500.CmdSetDeviceExt:
		p.fill(stk500.ExtParametersSize)
		p.emptyReply()

	case stk500.CmdEnterProgMode:
		p.startProgMode()
		p.emptyReply()

	case stk500.CmdLeaveProgMode:
		p.errCount = 0
		p.endProgMode()
		p.emptyReply()
		p.sleep(LeaveSettle)
		p.log.Info().Msg("Programming session finished, closing connection")
		p.conn.Close()

	case stk500.CmdLoadAddress:
		lo := p.getch()
		hi := p.getch()
		p.here = int(lo) | int(hi)<<8
		p.emptyReply()

	case stk500.CmdUniversal:
		p.fill(4)
		v := p.transact(p.buf.At(0), p.buf.At(1), p.buf.At(2), p.buf.At(3))
		p.byteReply(v)

	case stk500.CmdProgFlash:
		p.getch()
		p.getch()
		p.emptyReply()

	case stk500.CmdProgData:
		p.getch()
		p.emptyReply()

	case stk500.CmdProgPage:
		p.programPage()

	case stk500.CmdReadPage:
		p.readPage()

	case stk500.CmdReadSign:
		p.readSignature()

	case stk500.SyncCRCEOP:
		// a bare terminator means the client is out of step with us
		p.syncError()

	default:
		p.errCount++
		p.stats.UnknownCommands++
		p.log.Warn().Str("command", stk500.FormatCommand(op)).Msg("Unknown command")
		if p.getch() == stk500.SyncCRCEOP {
			p.send(stk500.RespUnknown)
		} else {
			p.send(stk500.RespNoSync)
		}
	}
}

// emptyReply answers a command that carries no data. It reports whether the
// terminator was present and the reply was sent.
func (p *Programmer) emptyReply() bool {
	if p.getch() != stk500.SyncCRCEOP {
		p.syncError()
		return false
	}
	return p.send(stk500.RespInSync, stk500.RespOK)
}

// byteReply answers a command with one data byte
func (p *Programmer) byteReply(v byte) bool {
	if p.getch() != stk500.SyncCRCEOP {
		p.syncError()
		return false
	}
	return p.send(stk500.RespInSync, v, stk500.RespOK)
}

func (p *Programmer) signOn() {
	if p.getch() != stk500.SyncCRCEOP {
		p.syncError()
		return
	}
	// three writes; the first failure ends the reply
	if !p.send(stk500.RespInSync) {
		return
	}
	if !p.send([]byte(stk500.SignOn)...) {
		return
	}
	p.send(stk500.RespOK)
}

func (p *Programmer) getParameter(index byte) {
	var v byte
	switch index {
	case stk500.ParamHWVersion:
		v = stk500.HWVersion
	case stk500.ParamSWMajor:
		v = stk500.SWMajor
	case stk500.ParamSWMinor:
		v = stk500.SWMinor
	case stk500.ParamProgrammerID:
		v = 'S'
	}
	p.byteReply(v)
}

func (p *Programmer) setParameters() {
	params, err := stk500.DecodeParameters(p.buf.Bytes())
	if err != nil {
		p.log.Warn().Err(err).Msg("Invalid device parameters")
		return
	}
	p.params = params
	p.log.Debug().
		Uint8("device", params.DeviceCode).
		Uint16("pagesize", params.PageSize).
		Uint16("eepromsize", params.EEPROMSize).
		Uint32("flashsize", params.FlashSize).
		Msg("Device parameters set")
}

// startProgMode claims the bus and runs the program-enable handshake
func (p *Programmer) startProgMode() {
	p.claimBus()

	// one dummy byte so the clock idles low before the reset pulse
	p.txw[0] = 0x00
	if err := p.bus.Tx(p.txw[:1], p.txr[:1]); err != nil {
		p.stats.BusErrors++
		p.log.Warn().Err(err).Msg("Bus transfer failed")
	}

	p.setEnable(true)
	p.sleep(EnableSettle)
	p.setEnable(false)
	p.sleep(ProgEnableSettle)

	p.transact(instProgEnable1, instProgEnable2, 0x00, 0x00)
	p.pmode = true
	p.log.Info().Msg("Entered programming mode")
}

func (p *Programmer) endProgMode() {
	p.releaseBus()
	p.setEnable(true)
	p.pmode = false
}

func (p *Programmer) readSignature() {
	if p.getch() != stk500.SyncCRCEOP {
		p.syncError()
		return
	}
	if !p.send(stk500.RespInSync) {
		return
	}
	for i := byte(0); i < 3; i++ {
		if !p.send(p.transact(instReadSignature, 0x00, i, 0x00)) {
			return
		}
	}
	p.send(stk500.RespOK)
}
