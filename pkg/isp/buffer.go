// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import "fmt"

// PageBufferSize is the capacity of the staging buffer
const PageBufferSize = 256

// PageBuffer stages payload bytes between the wire and the bus. Its contents
// are only meaningful for the command that staged them.
type PageBuffer struct {
	data [PageBufferSize]byte
	n    int
}

// Stage resets the buffer to n bytes and returns the slice to fill
func (b *PageBuffer) Stage(n int) ([]byte, error) {
	if n < 0 || n > PageBufferSize {
		return nil, fmt.Errorf("stage %d bytes: buffer holds %d", n, PageBufferSize)
	}
	b.n = n
	return b.data[:n], nil
}

// Len returns the number of staged bytes
func (b *PageBuffer) Len() int {
	return b.n
}

// Bytes returns the staged bytes
func (b *PageBuffer) Bytes() []byte {
	return b.data[:b.n]
}

// At returns staged byte i, or 0xFF (erased flash) past the staged length
func (b *PageBuffer) At(i int) byte {
	if i < 0 || i >= b.n {
		return 0xFF
	}
	return b.data[i]
}

// Clear zeroes the buffer
func (b *PageBuffer) Clear() {
	clear(b.data[:])
	b.n = 0
}
