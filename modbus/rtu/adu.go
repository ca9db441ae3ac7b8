// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/crc"
)

var (
	ErrFrameTooShort = errors.New("modbus: frame too short")
	ErrTrailingBytes = errors.New("modbus: trailing bytes after frame")

	ErrUnsupportedFunction = errors.New("modbus: unsupported function code")
)

// InvalidLengthError reports a payload that does not fit an RTU frame.
type InvalidLengthError struct {
	Length int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("modbus: invalid data length %d", e.Length)
}

// Encoder emits an RTU frame byte by byte while accumulating its CRC:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
type Encoder struct {
	buf []byte
	crc crc.CRC
}

// Begin starts a frame, reusing the Encoder's buffer.
func (e *Encoder) Begin(slaveID, functionCode byte) *Encoder {
	e.buf = e.buf[:0]
	e.crc.Reset()
	e.WriteByte(slaveID)
	e.WriteByte(functionCode)
	return e
}

// WriteByte appends b to the frame body.
func (e *Encoder) WriteByte(b byte) error {
	e.buf = append(e.buf, b)
	e.crc.PushByte(b)
	return nil
}

// WriteUint16 appends v big-endian.
func (e *Encoder) WriteUint16(v uint16) *Encoder {
	e.WriteByte(byte(v >> 8))
	e.WriteByte(byte(v))
	return e
}

// Write appends p to the frame body.
func (e *Encoder) Write(p []byte) (int, error) {
	for _, b := range p {
		e.WriteByte(b)
	}
	return len(p), nil
}

// Finish appends the CRC, low byte first, and returns the frame. The slice
// is reused by the next Begin.
func (e *Encoder) Finish() ([]byte, error) {
	if len(e.buf)+2 > MaxSize {
		return nil, &InvalidLengthError{Length: len(e.buf) - 2}
	}
	sum := e.crc.Value()
	e.buf = append(e.buf, byte(sum), byte(sum>>8))
	return e.buf, nil
}

// Encode wraps a PDU body in an RTU frame.
func Encode(slaveID, functionCode byte, data []byte) ([]byte, error) {
	var e Encoder
	e.Begin(slaveID, functionCode).Write(data)
	return e.Finish()
}

// EncodeReadRequest builds a request for function codes 1-4.
func EncodeReadRequest(slaveID, functionCode byte, address, quantity uint16) ([]byte, error) {
	if !modbus.IsRead(functionCode) {
		return nil, fmt.Errorf("%w: 0x%02X is not a read function", ErrUnsupportedFunction, functionCode)
	}
	var e Encoder
	e.Begin(slaveID, functionCode).WriteUint16(address).WriteUint16(quantity)
	return e.Finish()
}

// EncodeWriteSingle builds a request (or its echo) for function codes 5 and 6.
func EncodeWriteSingle(slaveID, functionCode byte, address, value uint16) ([]byte, error) {
	if !modbus.IsWriteSingle(functionCode) {
		return nil, fmt.Errorf("%w: 0x%02X is not a write single function", ErrUnsupportedFunction, functionCode)
	}
	return EncodeEcho(slaveID, functionCode, address, value)
}

// EncodeWriteMultiple builds a request for function codes 15 and 16.
func EncodeWriteMultiple(slaveID, functionCode byte, address, quantity uint16, data []byte) ([]byte, error) {
	if !modbus.IsWriteMultiple(functionCode) {
		return nil, fmt.Errorf("%w: 0x%02X is not a write multiple function", ErrUnsupportedFunction, functionCode)
	}
	if len(data) == 0 || len(data) > MaxByteCount || !matchesQuantity(functionCode, quantity, byte(len(data))) {
		return nil, &InvalidLengthError{Length: len(data)}
	}
	var e Encoder
	e.Begin(slaveID, functionCode).WriteUint16(address).WriteUint16(quantity)
	e.WriteByte(byte(len(data)))
	e.Write(data)
	return e.Finish()
}

// EncodeResponse builds a byte-count response for the read family.
func EncodeResponse(slaveID, functionCode byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxByteCount-1 {
		return nil, &InvalidLengthError{Length: len(payload)}
	}
	var e Encoder
	e.Begin(slaveID, functionCode).WriteByte(byte(len(payload)))
	e.Write(payload)
	return e.Finish()
}

// EncodeEcho builds the fixed four byte body reply of the write functions.
func EncodeEcho(slaveID, functionCode byte, address, value uint16) ([]byte, error) {
	var e Encoder
	e.Begin(slaveID, functionCode).WriteUint16(address).WriteUint16(value)
	return e.Finish()
}

// EncodeException builds slaveID, functionCode|0x80, code, CRC.
func EncodeException(slaveID, functionCode, code byte) ([]byte, error) {
	var e Encoder
	e.Begin(slaveID, functionCode|modbus.ExceptionFlag).WriteByte(code)
	return e.Finish()
}

// AppendRequest encodes f as a request and appends it to dst.
func (f *Frame) AppendRequest(dst []byte) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch fc := f.FunctionCode; {
	case modbus.IsRead(fc):
		raw, err = EncodeReadRequest(f.SlaveAddress, fc, f.Address, f.Quantity)
	case modbus.IsWriteSingle(fc):
		if len(f.Payload) != 2 {
			return dst, &InvalidLengthError{Length: len(f.Payload)}
		}
		raw, err = EncodeWriteSingle(f.SlaveAddress, fc, f.Address, uint16(f.Payload[0])<<8|uint16(f.Payload[1]))
	case modbus.IsWriteMultiple(fc):
		raw, err = EncodeWriteMultiple(f.SlaveAddress, fc, f.Address, f.Quantity, f.Payload)
	default:
		err = fmt.Errorf("%w: 0x%02X", ErrUnsupportedFunction, fc)
	}
	if err != nil {
		return dst, err
	}
	return append(dst, raw...), nil
}

// AppendResponse encodes f as a response and appends it to dst.
func (f *Frame) AppendResponse(dst []byte) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch fc := f.FunctionCode; {
	case f.IsException():
		raw, err = EncodeException(f.SlaveAddress, fc, f.ExceptionCode)
	case modbus.IsWriteSingle(fc):
		if len(f.Payload) != 2 {
			return dst, &InvalidLengthError{Length: len(f.Payload)}
		}
		raw, err = EncodeEcho(f.SlaveAddress, fc, f.Address, uint16(f.Payload[0])<<8|uint16(f.Payload[1]))
	case modbus.IsWriteMultiple(fc):
		raw, err = EncodeEcho(f.SlaveAddress, fc, f.Address, f.Quantity)
	default:
		raw, err = EncodeResponse(f.SlaveAddress, fc, f.Payload)
	}
	if err != nil {
		return dst, err
	}
	return append(dst, raw...), nil
}

// DecodeRequest runs a request Parser over a complete frame. The returned
// Frame owns its payload.
func DecodeRequest(raw []byte) (*Frame, error) {
	return decode(KindRequest, raw)
}

// DecodeResponse runs a response Parser over a complete frame. Exception
// responses decode to a Frame together with their modbus.Error.
func DecodeResponse(raw []byte) (*Frame, error) {
	return decode(KindResponse, raw)
}

func decode(kind Kind, raw []byte) (*Frame, error) {
	if len(raw) < MinSize {
		return nil, fmt.Errorf("%w: length '%v' does not meet minimum '%v'", ErrFrameTooShort, len(raw), MinSize)
	}
	p := NewParser(kind)
	p.SetByteCountLimit(MaxByteCount)
	n := 0
	for n < len(raw) && !p.IsComplete() && !p.IsError() {
		p.Parse(raw[n])
		n++
	}
	f := *p.Frame()
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	switch {
	case p.IsError():
		return &f, p.ErrorCode().Err()
	case !p.IsComplete():
		return nil, fmt.Errorf("%w: %d more bytes expected", ErrFrameTooShort, p.Remaining())
	case n != len(raw):
		return &f, ErrTrailingBytes
	}
	return &f, nil
}
