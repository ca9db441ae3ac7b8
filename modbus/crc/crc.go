// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the CRC-16 used by Modbus RTU
// (reflected polynomial 0xA001, initial value 0xFFFF).
package crc

const polynomial = 0xA001

var table [256]uint16

func init() {
	for i := range table {
		v := uint16(i)
		for j := 0; j < 8; j++ {
			if v&1 != 0 {
				v = (v >> 1) ^ polynomial
			} else {
				v >>= 1
			}
		}
		table[i] = v
	}
}

// CRC accumulates a checksum one byte at a time. The zero value must be Reset
// before use.
type CRC struct {
	value uint16
}

// Reset restores the initial value.
func (c *CRC) Reset() *CRC {
	c.value = 0xFFFF
	return c
}

// PushByte feeds one byte.
func (c *CRC) PushByte(b byte) *CRC {
	c.value = (c.value >> 8) ^ table[byte(c.value)^b]
	return c
}

// PushBytes feeds bs.
func (c *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		c.PushByte(b)
	}
	return c
}

// Value returns the checksum. On the wire the low byte goes first.
func (c *CRC) Value() uint16 {
	return c.value
}

// Checksum computes the CRC of bs in one call.
func Checksum(bs []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(bs).Value()
}
