// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import (
	"github.com/Thermoquad/ispbridge/pkg/stk500"
)

// PageMask returns the mask that clears the in-page bits of a word address
// for a page of pageSize bytes. ok is false for sizes the target family does
// not use.
func PageMask(pageSize uint16) (mask int, ok bool) {
	switch pageSize {
	case 32:
		return ^0x0F, true
	case 64:
		return ^0x1F, true
	case 128:
		return ^0x3F, true
	case 256:
		return ^0x7F, true
	}
	return ^0, false
}

// pageMask is PageMask for the negotiated page size. Unknown sizes leave
// addresses unmasked.
func (p *Programmer) pageMask() int {
	mask, ok := PageMask(p.params.PageSize)
	if !ok {
		p.log.Warn().Uint16("pagesize", p.params.PageSize).Msg("Unknown page size, addresses left unmasked")
	}
	return mask
}

// programPage handles PROG_PAGE: length (big-endian), memory type, payload,
// terminator
func (p *Programmer) programPage() {
	hi := p.getch()
	lo := p.getch()
	length := int(hi)<<8 | int(lo)
	mem := p.getch()

	switch mem {
	case stk500.MemFlash:
		p.writeFlash(length)
	case stk500.MemEEPROM:
		result := p.writeEEPROM(length)
		if p.getch() != stk500.SyncCRCEOP {
			p.syncError()
			return
		}
		p.send(stk500.RespInSync, result)
	default:
		p.log.Warn().Str("memtype", stk500.FormatMemType(mem)).Msg("Unsupported memory type")
		p.send(stk500.RespFailed)
	}
}

// ============================================================
// Flash
// ============================================================

func (p *Programmer) writeFlash(length int) {
	if length > PageBufferSize {
		p.log.Warn().Int("length", length).Msg("Flash page larger than buffer")
		if !p.drain(length) {
			return
		}
		if p.getch() != stk500.SyncCRCEOP {
			p.syncError()
			return
		}
		p.send(stk500.RespInSync, stk500.RespFailed)
		return
	}

	if !p.fill(length) {
		return
	}
	if p.getch() != stk500.SyncCRCEOP {
		p.syncError()
		return
	}
	if !p.send(stk500.RespInSync) {
		return
	}
	p.send(p.writeFlashPages(length))
}

// writeFlashPages loads the staged words at the cursor, committing each page
// as the cursor leaves it and the last page unconditionally
func (p *Programmer) writeFlashPages(length int) byte {
	mask := p.pageMask()
	page := p.here & mask

	for x := 0; x < length; x += 2 {
		if cur := p.here & mask; cur != page {
			p.commitPage(page)
			page = cur
		}
		p.loadFlash(0, p.here, p.buf.At(x))
		p.loadFlash(1, p.here, p.buf.At(x+1))
		p.here++
		p.liveness()
	}
	p.commitPage(page)

	p.stats.FlashBytesWritten += uint64(length)
	return stk500.RespOK
}

func (p *Programmer) loadFlash(high byte, addr int, data byte) {
	p.transact(instLoadPageLow+8*high, byte(addr>>8), byte(addr), data)
}

func (p *Programmer) commitPage(addr int) {
	p.transact(instWritePage, byte(addr>>8), byte(addr), 0x00)
	p.sleep(PageWriteSettle)
	p.stats.PagesCommitted++
}

// ============================================================
// EEPROM
// ============================================================

// writeEEPROM programs length bytes at byte address here*2 and returns the
// response code. The terminator is checked by the caller.
func (p *Programmer) writeEEPROM(length int) byte {
	start := p.here * 2

	if length > int(p.params.EEPROMSize) {
		p.errCount++
		p.log.Warn().
			Int("length", length).
			Uint16("eepromsize", p.params.EEPROMSize).
			Msg("EEPROM write exceeds device size")
		p.drain(length)
		return stk500.RespFailed
	}

	for length > 0 {
		chunk := min(length, EEPROMChunk)
		if !p.writeEEPROMChunk(start, chunk) {
			return stk500.RespFailed
		}
		start += chunk
		length -= chunk
	}
	return stk500.RespOK
}

func (p *Programmer) writeEEPROMChunk(start, n int) bool {
	if !p.fill(n) {
		return false
	}
	for x := 0; x < n; x++ {
		addr := start + x
		p.transact(instWriteEEPROM, byte(addr>>8), byte(addr), p.buf.At(x))
		p.liveness()
		p.sleep(EEPROMSettle)
		p.stats.EEPROMBytesWritten++
	}
	return true
}

// ============================================================
// Read back
// ============================================================

// readPage handles READ_PAGE: length (big-endian), memory type, terminator
func (p *Programmer) readPage() {
	hi := p.getch()
	lo := p.getch()
	length := int(hi)<<8 | int(lo)
	mem := p.getch()

	if p.getch() != stk500.SyncCRCEOP {
		p.syncError()
		return
	}
	if !p.send(stk500.RespInSync) {
		return
	}

	switch mem {
	case stk500.MemFlash:
		p.send(p.readFlash(length)...)
	case stk500.MemEEPROM:
		p.send(p.readEEPROM(length)...)
	default:
		p.log.Warn().Str("memtype", stk500.FormatMemType(mem)).Msg("Unsupported memory type")
		p.send(stk500.RespFailed)
	}
}

// readFlash returns length bytes from the cursor followed by OK
func (p *Programmer) readFlash(length int) []byte {
	out := make([]byte, length+1)
	for x := 0; x < length; x += 2 {
		out[x] = p.transact(instReadFlashLow, byte(p.here>>8), byte(p.here), 0x00)
		if x+1 < length {
			out[x+1] = p.transact(instReadFlashLow+8, byte(p.here>>8), byte(p.here), 0x00)
		}
		p.here++
		p.liveness()
	}
	out[length] = stk500.RespOK
	p.stats.BytesRead += uint64(length)
	return out
}

// readEEPROM returns length bytes from byte address here*2 followed by OK
func (p *Programmer) readEEPROM(length int) []byte {
	out := make([]byte, length+1)
	start := p.here * 2
	for x := 0; x < length; x++ {
		addr := start + x
		out[x] = p.transact(instReadEEPROM, byte(addr>>8), byte(addr), 0xFF)
		p.liveness()
	}
	out[length] = stk500.RespOK
	p.stats.BytesRead += uint64(length)
	return out
}
