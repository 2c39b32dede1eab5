// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hw provides the hardware the bridge programs through: a SPI bus and
// reset line backed by periph.io, and a simulated AVR target for running
// without hardware.
package hw

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// DefaultFrequency is slow enough for a target running from its 1 MHz
// factory clock
const DefaultFrequency = 200 * physic.KiloHertz

// SPIBus drives a periph.io SPI port in mode 0 with 8-bit words
type SPIBus struct {
	port    spi.PortCloser
	freq    physic.Frequency
	conn    spi.Conn
	claimed bool
}

// NewSPIBus wraps an opened port. A zero frequency selects DefaultFrequency.
func NewSPIBus(port spi.PortCloser, freq physic.Frequency) *SPIBus {
	if freq == 0 {
		freq = DefaultFrequency
	}
	return &SPIBus{port: port, freq: freq}
}

// Claim connects the port on first use and marks the bus owned
func (b *SPIBus) Claim() error {
	if b.conn == nil {
		c, err := b.port.Connect(b.freq, spi.Mode0, 8)
		if err != nil {
			return fmt.Errorf("spi connect at %s: %w", b.freq, err)
		}
		b.conn = c
	}
	b.claimed = true
	return nil
}

// Release gives up the bus. The port stays configured for the next claim.
func (b *SPIBus) Release() error {
	b.claimed = false
	return nil
}

// Tx performs a full-duplex transfer
func (b *SPIBus) Tx(w, r []byte) error {
	if !b.claimed {
		return ErrNotClaimed
	}
	if err := b.conn.Tx(w, r); err != nil {
		return fmt.Errorf("spi tx: %w", err)
	}
	return nil
}

// Close closes the underlying port
func (b *SPIBus) Close() error {
	b.claimed = false
	return b.port.Close()
}

// String names the port and clock
func (b *SPIBus) String() string {
	return fmt.Sprintf("%s@%s", b.port, b.freq)
}
