// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"Sequence", []byte{0x01, 0x02, 0x03, 0x04, 0x05}, 0xbb2a},
		{"ReadHoldingRequest", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xcdc5},
		{"Empty", nil, 0xFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum() = %#04x, want %#04x", got, tt.want)
			}
		})
	}
}

func TestPushByteMatchesPushBytes(t *testing.T) {
	data := []byte{0x11, 0x04, 0x00, 0x08, 0x00, 0x01}

	var a, b CRC
	a.Reset().PushBytes(data)
	b.Reset()
	for _, v := range data {
		b.PushByte(v)
	}
	if a.Value() != b.Value() {
		t.Fatalf("PushByte %#04x != PushBytes %#04x", b.Value(), a.Value())
	}
}

func BenchmarkChecksum(b *testing.B) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	for i := 0; i < b.N; i++ {
		_ = Checksum(data)
	}
}
