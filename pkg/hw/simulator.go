// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hw

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotClaimed is returned by Tx outside Claim/Release
var ErrNotClaimed = errors.New("bus not claimed")

// Target describes the simulated part
type Target struct {
	Signature  [3]byte
	FlashSize  int // bytes
	EEPROMSize int // bytes
	PageWords  int // flash page size in words
}

// ATmega328P is the target an Arduino Uno carries
var ATmega328P = Target{
	Signature:  [3]byte{0x1E, 0x95, 0x0F},
	FlashSize:  32 * 1024,
	EEPROMSize: 1024,
	PageWords:  64,
}

// Simulator is an in-memory AVR target answering serial programming
// instructions. It implements the programmer's bus interface and is safe for
// concurrent inspection while a programmer drives it.
type Simulator struct {
	mu sync.Mutex

	target  Target
	flash   []byte
	eeprom  []byte
	latch   map[int][2]byte
	claimed bool
	enabled bool // program enable accepted

	log     [][]byte
	commits []int
	fault   error
}

// NewSimulator creates a target with erased memories
func NewSimulator(target Target) *Simulator {
	if target.PageWords <= 0 || target.PageWords&(target.PageWords-1) != 0 {
		panic(fmt.Sprintf("hw: page size %d words is not a power of two", target.PageWords))
	}
	s := &Simulator{
		target: target,
		flash:  make([]byte, target.FlashSize),
		eeprom: make([]byte, target.EEPROMSize),
		latch:  make(map[int][2]byte),
	}
	for i := range s.flash {
		s.flash[i] = 0xFF
	}
	for i := range s.eeprom {
		s.eeprom[i] = 0xFF
	}
	return s
}

// Claim implements the bus interface
func (s *Simulator) Claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = true
	return nil
}

// Release implements the bus interface. The target leaves programming mode.
func (s *Simulator) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
	s.enabled = false
	return nil
}

// Tx implements the bus interface
func (s *Simulator) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.claimed {
		return ErrNotClaimed
	}
	if len(r) != len(w) {
		return fmt.Errorf("tx: read buffer %d bytes, write %d", len(r), len(w))
	}
	s.log = append(s.log, append([]byte(nil), w...))

	if s.fault != nil {
		err := s.fault
		s.fault = nil
		return err
	}

	clear(r)
	if len(w) != 4 {
		return nil
	}
	r[3] = s.execute(w[0], w[1], w[2], w[3])
	if w[0] == 0xAC && w[1] == 0x53 {
		r[2] = 0x53
	}
	return nil
}

func (s *Simulator) execute(a, b, c, d byte) byte {
	if a == 0xAC && b == 0x53 {
		s.enabled = true
		return 0
	}
	if !s.enabled {
		return 0
	}

	word := int(b)<<8 | int(c)
	switch a {
	case 0x30: // read signature byte
		if int(c) < len(s.target.Signature) {
			return s.target.Signature[c]
		}
	case 0x40, 0x48: // load program memory page
		l := s.latch[word&(s.target.PageWords-1)]
		l[(a>>3)&1] = d
		s.latch[word&(s.target.PageWords-1)] = l
	case 0x4C: // write program memory page
		page := word &^ (s.target.PageWords - 1)
		for off, l := range s.latch {
			addr := (page + off) * 2
			if addr+1 < len(s.flash) {
				s.flash[addr] = l[0]
				s.flash[addr+1] = l[1]
			}
		}
		clear(s.latch)
		s.commits = append(s.commits, page)
	case 0x20, 0x28: // read program memory
		addr := word*2 + int((a>>3)&1)
		if addr < len(s.flash) {
			return s.flash[addr]
		}
	case 0xC0: // write EEPROM
		if word < len(s.eeprom) {
			s.eeprom[word] = d
		}
	case 0xA0: // read EEPROM
		if word < len(s.eeprom) {
			return s.eeprom[word]
		}
	}
	return 0
}

// ============================================================
// Inspection
// ============================================================

// Claimed reports whether the bus is currently claimed
func (s *Simulator) Claimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

// ProgramEnabled reports whether the target accepted the program enable
// instruction since the bus was last released
func (s *Simulator) ProgramEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Flash returns a copy of n bytes of flash from byte address addr
func (s *Simulator) Flash(addr, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.flash[addr:addr+n]...)
}

// LoadFlash writes data directly into flash at byte address addr
func (s *Simulator) LoadFlash(addr int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.flash[addr:], data)
}

// EEPROM returns a copy of n bytes of EEPROM from addr
func (s *Simulator) EEPROM(addr, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.eeprom[addr:addr+n]...)
}

// LoadEEPROM writes data directly into EEPROM at addr
func (s *Simulator) LoadEEPROM(addr int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.eeprom[addr:], data)
}

// Transactions returns every write seen by Tx, oldest first
func (s *Simulator) Transactions() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.log))
	copy(out, s.log)
	return out
}

// Commits returns the word address of every page write, oldest first
func (s *Simulator) Commits() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.commits...)
}

// ClearLog forgets recorded transactions and commits
func (s *Simulator) ClearLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	s.commits = nil
}

// InjectFault makes the next Tx fail with err
func (s *Simulator) InjectFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}
