// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/crc"
)

// withCRC appends the checksum of body, low byte first.
func withCRC(body ...byte) []byte {
	sum := crc.Checksum(body)
	return append(body, byte(sum), byte(sum>>8))
}

func feed(p *Parser, raw []byte) {
	for _, b := range raw {
		p.Parse(b)
	}
}

func TestParserRequest(t *testing.T) {
	tests := []struct {
		name     string
		adu      []byte
		address  uint16
		quantity uint16
		count    byte
		payload  []byte
	}{
		{"ReadInputRegisters", withCRC(0x11, 0x04, 0x00, 0x08, 0x00, 0x01), 0x0008, 1, 0, nil},
		{"ReadCoils", withCRC(0x11, 0x01, 0x00, 0x13, 0x00, 0x25), 0x0013, 0x25, 0, nil},
		{"WriteSingleRegister", withCRC(0x11, 0x06, 0x00, 0x01, 0x00, 0x03), 0x0001, 1, 2, []byte{0x00, 0x03}},
		{"WriteSingleCoil", withCRC(0x11, 0x05, 0x00, 0xAC, 0xFF, 0x00), 0x00AC, 1, 2, []byte{0xFF, 0x00}},
		{"WriteMultipleRegisters", withCRC(0x11, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02), 0x0001, 2, 4, []byte{0x00, 0x0A, 0x01, 0x02}},
		{"WriteMultipleCoils", withCRC(0x11, 0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01), 0x0013, 10, 2, []byte{0xCD, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(KindRequest)
			feed(p, tt.adu)
			if !p.IsComplete() {
				t.Fatalf("state = %v (%v), want complete", p.State(), p.ErrorCode())
			}
			f := p.Frame()
			if f.SlaveAddress != 0x11 || f.FunctionCode != tt.adu[1] {
				t.Errorf("header = %02X %02X", f.SlaveAddress, f.FunctionCode)
			}
			if f.Address != tt.address {
				t.Errorf("Address = %#04x, want %#04x", f.Address, tt.address)
			}
			if f.Quantity != tt.quantity {
				t.Errorf("Quantity = %v, want %v", f.Quantity, tt.quantity)
			}
			if f.ByteCount != tt.count {
				t.Errorf("ByteCount = %v, want %v", f.ByteCount, tt.count)
			}
			if !bytes.Equal(f.Payload, tt.payload) {
				t.Errorf("Payload = %X, want %X", f.Payload, tt.payload)
			}
		})
	}
}

func TestParserResponse(t *testing.T) {
	tests := []struct {
		name     string
		adu      []byte
		address  uint16
		quantity uint16
		count    byte
		payload  []byte
	}{
		{"ReadInputRegisters", withCRC(0x11, 0x04, 0x02, 0x00, 0x0A), 0, 0, 2, []byte{0x00, 0x0A}},
		{"ReadHoldingRegisters", withCRC(0x01, 0x03, 0x04, 0xAA, 0xBB, 0xCC, 0xDD), 0, 0, 4, []byte{0xAA, 0xBB, 0xCC, 0xDD}},
		{"WriteSingleRegisterEcho", withCRC(0x11, 0x06, 0x00, 0x01, 0x00, 0x03), 0x0001, 1, 2, []byte{0x00, 0x03}},
		{"WriteMultipleRegistersEcho", withCRC(0x11, 0x10, 0x00, 0x01, 0x00, 0x02), 0x0001, 2, 0, []byte{0x00, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(KindResponse)
			feed(p, tt.adu)
			if !p.IsComplete() {
				t.Fatalf("state = %v (%v), want complete", p.State(), p.ErrorCode())
			}
			f := p.Frame()
			if f.Address != tt.address || f.Quantity != tt.quantity || f.ByteCount != tt.count {
				t.Errorf("got address %#04x quantity %v count %v", f.Address, f.Quantity, f.ByteCount)
			}
			if !bytes.Equal(f.Payload, tt.payload) {
				t.Errorf("Payload = %X, want %X", f.Payload, tt.payload)
			}
		})
	}
}

func TestParserErrors(t *testing.T) {
	corrupt := withCRC(0x11, 0x04, 0x00, 0x08, 0x00, 0x01)
	corrupt[len(corrupt)-1] ^= 0xFF

	tests := []struct {
		name string
		kind Kind
		adu  []byte
		want modbus.ErrorKind
	}{
		{"CRCMismatch", KindRequest, corrupt, modbus.CRCMismatch},
		{"UnknownFunction", KindRequest, withCRC(0x11, 0x2B, 0x0E, 0x01, 0x00), modbus.IllegalFunction},
		{"ByteCountMismatch", KindRequest, withCRC(0x11, 0x10, 0x00, 0x01, 0x00, 0x02, 0x03, 0x00, 0x0A, 0x01), modbus.IllegalDataValue},
		{"ZeroByteCount", KindRequest, withCRC(0x11, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00), modbus.IllegalDataValue},
		{"ByteLimitExceeded", KindResponse, withCRC(append([]byte{0x11, 0x04, 0x64}, make([]byte, 100)...)...), modbus.ByteLimitExceeded},
		{"ExceptionIllegalAddress", KindResponse, withCRC(0x11, 0x84, 0x02), modbus.IllegalDataAddress},
		{"ExceptionDeviceFailure", KindResponse, withCRC(0x11, 0x83, 0x04), modbus.SlaveDeviceFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(tt.kind)
			feed(p, tt.adu)
			if !p.IsError() {
				t.Fatalf("state = %v, want error", p.State())
			}
			if p.ErrorCode() != tt.want {
				t.Errorf("ErrorCode() = %v, want %v", p.ErrorCode(), tt.want)
			}
		})
	}
}

func TestParserExceptionCode(t *testing.T) {
	p := NewParser(KindResponse)
	feed(p, withCRC(0x11, 0x84, 0x02))
	f := p.Frame()
	if !f.IsException() || f.ExceptionCode != modbus.ExceptionCodeIllegalDataAddress {
		t.Fatalf("frame = %+v", f)
	}
}

func TestParserHandlers(t *testing.T) {
	var completed, failed int
	var kind modbus.ErrorKind
	p := NewParser(KindRequest)
	p.SetHandlers(func(*Frame) { completed++ }, func(_ *Frame, k modbus.ErrorKind) {
		failed++
		kind = k
	})

	feed(p, withCRC(0x01, 0x03, 0x00, 0x00, 0x00, 0x0A))
	p.Reset()
	bad := withCRC(0x01, 0x03, 0x00, 0x00, 0x00, 0x0A)
	bad[2] = 0x01
	feed(p, bad)

	if completed != 1 || failed != 1 {
		t.Fatalf("completed %d failed %d, want 1 and 1", completed, failed)
	}
	if kind != modbus.CRCMismatch {
		t.Errorf("kind = %v", kind)
	}
}

func TestParserAddressFilter(t *testing.T) {
	p := NewParser(KindRequest)
	p.SetAddressFilter(0x11)

	foreign := withCRC(0x12, 0x04, 0x00, 0x08, 0x00, 0x01)
	feed(p, foreign[:5])
	if !p.IsSkipping() {
		t.Fatalf("state = %v, want skip", p.State())
	}
	if p.Remaining() != 0 {
		t.Errorf("Remaining() = %d while skipping", p.Remaining())
	}
	feed(p, foreign[5:])
	if !p.IsIdle() {
		t.Fatalf("state = %v after foreign frame, want idle", p.State())
	}

	feed(p, withCRC(modbus.AddressBroadcast, 0x06, 0x00, 0x01, 0x00, 0x03))
	if !p.IsComplete() {
		t.Fatalf("broadcast state = %v", p.State())
	}

	p.Reset()
	p.ClearAddressFilter()
	feed(p, withCRC(0x12, 0x04, 0x00, 0x08, 0x00, 0x01))
	if !p.IsComplete() {
		t.Fatalf("unfiltered state = %v", p.State())
	}
}

func TestParserSkipsForeignFrames(t *testing.T) {
	tests := []struct {
		name    string
		foreign []byte
	}{
		{"Request", withCRC(0x22, 0x04, 0x00, 0x01, 0x00, 0x02)},
		{"WriteMultiple", withCRC(0x22, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02)},
		{"Response", withCRC(0x22, 0x03, 0x04, 0x00, 0x2A, 0x00, 0x2B)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(KindRequest)
			p.SetAddressFilter(0x11)
			var completed int
			p.SetHandlers(func(*Frame) { completed++ }, func(_ *Frame, kind modbus.ErrorKind) {
				t.Errorf("unexpected error %v", kind)
			})

			burst := append(append([]byte{}, tt.foreign...), withCRC(0x11, 0x04, 0x00, 0x01, 0x00, 0x02)...)
			feed(p, burst)

			if !p.IsComplete() {
				t.Fatalf("state = %v, want complete", p.State())
			}
			if completed != 1 {
				t.Errorf("completed %d, want 1", completed)
			}
			f := p.Frame()
			if f.SlaveAddress != 0x11 || f.Address != 0x0001 || f.Quantity != 2 {
				t.Errorf("frame = %+v", *f)
			}
		})
	}
}

func TestParserRemaining(t *testing.T) {
	p := NewParser(KindResponse)
	if p.Remaining() != 0 || !p.IsIdle() {
		t.Fatalf("fresh parser: state %v remaining %d", p.State(), p.Remaining())
	}
	feed(p, []byte{0x11, 0x03})
	if got := p.Remaining(); got != 3 {
		t.Errorf("after function code Remaining() = %d, want 3", got)
	}
	p.Parse(0x04)
	if got := p.Remaining(); got != 6 {
		t.Errorf("after byte count Remaining() = %d, want 6", got)
	}
	feed(p, []byte{0x00, 0x01})
	if got := p.Remaining(); got != 4 {
		t.Errorf("mid payload Remaining() = %d, want 4", got)
	}
}

func TestParserByteCountLimit(t *testing.T) {
	p := NewParser(KindResponse)
	if p.ByteCountLimit() != DefaultByteCountLimit {
		t.Fatalf("default limit = %d", p.ByteCountLimit())
	}
	p.SetByteCountLimit(1000)
	if p.ByteCountLimit() != MaxByteCount {
		t.Errorf("limit = %d, want clamp to %d", p.ByteCountLimit(), MaxByteCount)
	}
	p.SetByteCountLimit(0)
	if p.ByteCountLimit() != 1 {
		t.Errorf("limit = %d, want 1", p.ByteCountLimit())
	}

	p.SetByteCountLimit(120)
	feed(p, withCRC(append([]byte{0x11, 0x04, 0x64}, make([]byte, 100)...)...))
	if !p.IsComplete() || len(p.Frame().Payload) != 100 {
		t.Fatalf("state = %v payload %d", p.State(), len(p.Frame().Payload))
	}

	p.Release()
	p.Reset()
	feed(p, withCRC(0x11, 0x04, 0x02, 0x12, 0x34))
	if !p.IsComplete() || !bytes.Equal(p.Frame().Payload, []byte{0x12, 0x34}) {
		t.Fatalf("after release: state %v payload %X", p.State(), p.Frame().Payload)
	}
}

func TestRoundTrip(t *testing.T) {
	requests := []Frame{
		{SlaveAddress: 1, FunctionCode: modbus.FuncCodeReadHoldingRegisters, Address: 0x006B, Quantity: 3},
		{SlaveAddress: 2, FunctionCode: modbus.FuncCodeReadDiscreteInputs, Address: 0x00C4, Quantity: 22},
		{SlaveAddress: 3, FunctionCode: modbus.FuncCodeWriteSingleRegister, Address: 0x0001, Quantity: 1, ByteCount: 2, Payload: []byte{0x00, 0x03}},
		{SlaveAddress: 4, FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Address: 0x0001, Quantity: 2, ByteCount: 4, Payload: []byte{0x00, 0x0A, 0x01, 0x02}},
		{SlaveAddress: 5, FunctionCode: modbus.FuncCodeWriteMultipleCoils, Address: 0x0013, Quantity: 10, ByteCount: 2, Payload: []byte{0xCD, 0x01}},
	}
	for _, want := range requests {
		raw, err := want.AppendRequest(nil)
		if err != nil {
			t.Fatalf("AppendRequest(%+v): %v", want, err)
		}
		got, err := DecodeRequest(raw)
		if err != nil {
			t.Fatalf("DecodeRequest(%X): %v", raw, err)
		}
		assertFrame(t, got, &want)
	}

	responses := []Frame{
		{SlaveAddress: 1, FunctionCode: modbus.FuncCodeReadInputRegisters, ByteCount: 4, Payload: []byte{0x00, 0x0A, 0x00, 0x0B}},
		{SlaveAddress: 1, FunctionCode: modbus.FuncCodeWriteSingleCoil, Address: 0x00AC, Quantity: 1, ByteCount: 2, Payload: []byte{0xFF, 0x00}},
		{SlaveAddress: 1, FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Address: 0x0001, Quantity: 2, Payload: []byte{0x00, 0x02}},
	}
	for _, want := range responses {
		raw, err := want.AppendResponse(nil)
		if err != nil {
			t.Fatalf("AppendResponse(%+v): %v", want, err)
		}
		got, err := DecodeResponse(raw)
		if err != nil {
			t.Fatalf("DecodeResponse(%X): %v", raw, err)
		}
		assertFrame(t, got, &want)
	}
}

func assertFrame(t *testing.T, got, want *Frame) {
	t.Helper()
	if got.SlaveAddress != want.SlaveAddress || got.FunctionCode != want.FunctionCode ||
		got.Address != want.Address || got.Quantity != want.Quantity || got.ByteCount != want.ByteCount {
		t.Errorf("frame = %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("payload = %X, want %X", got.Payload, want.Payload)
	}
}

func TestEncodeException(t *testing.T) {
	raw, err := EncodeException(0x11, 0x03, modbus.ExceptionCodeIllegalFunction)
	if err != nil {
		t.Fatal(err)
	}
	want := withCRC(0x11, 0x83, 0x01)
	if !bytes.Equal(raw, want) {
		t.Fatalf("EncodeException = %X, want %X", raw, want)
	}

	f, err := DecodeResponse(raw)
	var merr *modbus.Error
	if !errors.As(err, &merr) || merr.Kind != modbus.IllegalFunction {
		t.Fatalf("DecodeResponse error = %v", err)
	}
	if !errors.Is(err, modbus.ErrIllegalFunction) {
		t.Errorf("errors.Is(%v, ErrIllegalFunction) = false", err)
	}
	if f.ExceptionCode != modbus.ExceptionCodeIllegalFunction {
		t.Errorf("ExceptionCode = %d", f.ExceptionCode)
	}
}

func TestEncodeErrors(t *testing.T) {
	if _, err := EncodeReadRequest(1, modbus.FuncCodeWriteSingleCoil, 0, 1); !errors.Is(err, ErrUnsupportedFunction) {
		t.Errorf("EncodeReadRequest err = %v", err)
	}
	if _, err := EncodeWriteSingle(1, modbus.FuncCodeReadCoils, 0, 1); !errors.Is(err, ErrUnsupportedFunction) {
		t.Errorf("EncodeWriteSingle err = %v", err)
	}
	var lerr *InvalidLengthError
	if _, err := EncodeWriteMultiple(1, modbus.FuncCodeWriteMultipleRegisters, 0, 2, []byte{1, 2, 3}); !errors.As(err, &lerr) {
		t.Errorf("EncodeWriteMultiple err = %v", err)
	}
	if _, err := EncodeResponse(1, modbus.FuncCodeReadInputRegisters, make([]byte, 252)); !errors.As(err, &lerr) {
		t.Errorf("EncodeResponse err = %v", err)
	}
	if _, err := Encode(1, 0x41, make([]byte, 253)); !errors.As(err, &lerr) {
		t.Errorf("Encode err = %v", err)
	}
}

func TestDecodeLength(t *testing.T) {
	raw := withCRC(0x01, 0x03, 0x00, 0x00, 0x00, 0x0A)
	if _, err := DecodeRequest(raw[:3]); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("short frame err = %v", err)
	}
	if _, err := DecodeRequest(raw[:6]); !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("truncated frame err = %v", err)
	}
	if _, err := DecodeRequest(append(raw, 0x00)); !errors.Is(err, ErrTrailingBytes) {
		t.Errorf("trailing bytes err = %v", err)
	}
}

func TestCalculateResponseLength(t *testing.T) {
	tests := []struct {
		name string
		adu  []byte
		want int
	}{
		{"ReadCoils", []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x0A}, 4 + 1 + 2},
		{"ReadDiscreteInputsAligned", []byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x10}, 4 + 1 + 2},
		{"ReadHoldingRegisters", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 4 + 1 + 2},
		{"ReadInputRegisters", []byte{0x01, 0x04, 0x00, 0x01, 0x00, 0x28}, 4 + 1 + 80},
		{"WriteSingleRegister", []byte{0x01, 0x06, 0x00, 0x00, 0xAA, 0xBB}, 8},
		{"WriteMultipleRegisters", []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02}, 8},
		{"MaskWriteRegister", []byte{0x01, 0x16, 0x00, 0x04, 0x00, 0xF2}, 10},
		{"ShortHeader", []byte{0x01, 0x03}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateResponseLength(tt.adu); got != tt.want {
				t.Errorf("CalculateResponseLength() = %v, want %v", got, tt.want)
			}
		})
	}
}
