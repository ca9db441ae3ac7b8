// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/crc"
)

// Kind selects which side of the exchange a Parser decodes.
type Kind int

const (
	// KindRequest decodes frames sent by a master (server side).
	KindRequest Kind = iota
	// KindResponse decodes frames sent by a slave (client side).
	KindResponse
)

// State is the field a Parser expects next.
type State int

const (
	StateIdle State = iota
	StateFunctionCode
	StateAddress
	StateByteCountOrQuantity
	StateByteCount
	StateData
	StateCRCLow
	StateCRCHigh
	StateComplete
	StateError
	// StateSkip follows a frame addressed to another device and returns to
	// StateIdle once its CRC has passed.
	StateSkip
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFunctionCode:
		return "function code"
	case StateAddress:
		return "address"
	case StateByteCountOrQuantity:
		return "quantity"
	case StateByteCount:
		return "byte count"
	case StateData:
		return "data"
	case StateCRCLow:
		return "crc low"
	case StateCRCHigh:
		return "crc high"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Frame is one decoded RTU frame. Payload aliases the Parser's buffer and is
// only valid until the next Reset or Release.
type Frame struct {
	SlaveAddress byte
	FunctionCode byte
	Address      uint16
	Quantity     uint16
	ByteCount    byte
	Payload      []byte
	// ExceptionCode is set when FunctionCode carries the exception flag.
	ExceptionCode byte
	CRC           uint16
}

// IsException reports whether f is an exception response.
func (f *Frame) IsException() bool {
	return f.FunctionCode&modbus.ExceptionFlag != 0
}

// Parser decodes a single RTU frame fed one byte at a time.
//
// Requests (KindRequest):
//
//	1-4:   addr(2) quantity(2)
//	5,6:   addr(2) value(2)
//	15,16: addr(2) quantity(2) count(1) data(count)
//
// Responses (KindResponse):
//
//	1-4,23: count(1) data(count)
//	5,6:    addr(2) value(2)
//	15,16:  addr(2) quantity(2)
//	fc|0x80: exception(1)
type Parser struct {
	kind  Kind
	state State
	err   modbus.ErrorKind
	limit int

	filter    byte
	filtering bool

	crc      crc.CRC
	received uint16
	frame    Frame
	buf      []byte
	payload  []byte

	// bytes still needed for the current field
	need  int
	word  uint16
	count int
	// total frame length, a lower bound until the byte count is known
	expected int

	onComplete func(*Frame)
	onError    func(*Frame, modbus.ErrorKind)
}

// NewParser returns a Parser in the idle state.
func NewParser(kind Kind) *Parser {
	p := &Parser{
		kind:  kind,
		limit: DefaultByteCountLimit,
	}
	p.Reset()
	return p
}

// SetHandlers installs the completion and error callbacks. Either may be nil.
func (p *Parser) SetHandlers(onComplete func(*Frame), onError func(*Frame, modbus.ErrorKind)) {
	p.onComplete = onComplete
	p.onError = onError
}

// SetByteCountLimit bounds the announced byte count; larger frames end in
// ByteLimitExceeded.
func (p *Parser) SetByteCountLimit(n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxByteCount {
		n = MaxByteCount
	}
	p.limit = n
	if cap(p.buf) < n {
		p.buf = nil
	}
}

// ByteCountLimit returns the current limit.
func (p *Parser) ByteCountLimit() int {
	return p.limit
}

// SetAddressFilter makes the parser skip frames whose slave address is
// neither addr nor broadcast.
func (p *Parser) SetAddressFilter(addr byte) {
	p.filter = addr
	p.filtering = true
}

// ClearAddressFilter accepts frames for every slave address.
func (p *Parser) ClearAddressFilter() {
	p.filtering = false
}

// Reset clears all counters and the CRC accumulator. It must be called
// before a new frame is parsed.
func (p *Parser) Reset() {
	p.state = StateIdle
	p.err = modbus.None
	p.crc.Reset()
	p.received = 0
	p.frame = Frame{}
	p.payload = p.buf[:0]
	p.need = 0
	p.word = 0
	p.count = 0
	p.expected = MinSize
}

// Release drops the payload buffer so an idle engine holds no frame memory.
func (p *Parser) Release() {
	p.buf = nil
	p.payload = nil
	p.frame.Payload = nil
}

// State returns the field expected next.
func (p *Parser) State() State { return p.state }

// IsComplete reports whether a valid frame has been decoded.
func (p *Parser) IsComplete() bool { return p.state == StateComplete }

// IsError reports whether decoding failed.
func (p *Parser) IsError() bool { return p.state == StateError }

// IsIdle reports whether no byte of a frame has been accepted yet.
func (p *Parser) IsIdle() bool { return p.state == StateIdle }

// IsSkipping reports whether the current frame is addressed elsewhere.
func (p *Parser) IsSkipping() bool { return p.state == StateSkip }

// ErrorCode returns the classification of the last failure.
func (p *Parser) ErrorCode() modbus.ErrorKind { return p.err }

// Frame returns the frame being decoded.
func (p *Parser) Frame() *Frame { return &p.frame }

// Remaining returns how many more bytes the current frame needs, a lower
// bound while the byte count is unknown.
func (p *Parser) Remaining() int {
	switch p.state {
	case StateIdle, StateComplete, StateError, StateSkip:
		return 0
	}
	if n := p.expected - p.count; n > 0 {
		return n
	}
	return 0
}

// Parse consumes one byte.
func (p *Parser) Parse(b byte) {
	switch p.state {
	case StateComplete, StateError:
		return
	case StateSkip:
		p.skip(b)
		return
	}
	p.count++
	if p.state != StateCRCLow && p.state != StateCRCHigh {
		p.crc.PushByte(b)
	}

	switch p.state {
	case StateIdle:
		if p.filtering && b != p.filter && b != modbus.AddressBroadcast {
			p.state = StateSkip
			return
		}
		p.frame.SlaveAddress = b
		p.state = StateFunctionCode
	case StateFunctionCode:
		p.frame.FunctionCode = b
		p.parseFunctionCode(b)
	case StateAddress:
		if !p.readWord(b) {
			return
		}
		p.frame.Address = p.word
		p.afterAddress()
	case StateByteCountOrQuantity:
		if !p.readWord(b) {
			return
		}
		p.frame.Quantity = p.word
		if modbus.IsWriteMultiple(p.frame.FunctionCode) {
			p.state = StateByteCount
			p.expected = 9
			return
		}
		p.state = StateCRCLow
	case StateByteCount:
		p.parseByteCount(b)
	case StateData:
		p.payload = append(p.payload, b)
		p.need--
		if p.need == 0 {
			p.frame.Payload = p.payload
			p.afterData()
		}
	case StateCRCLow:
		p.received = uint16(b)
		p.state = StateCRCHigh
	case StateCRCHigh:
		p.received |= uint16(b) << 8
		p.frame.CRC = p.received
		p.finish()
	}
}

// skip consumes a byte of a foreign frame. Requests and responses of the
// other device share the bus, so the layout is unknown; the frame ends where
// the checksum over everything received, its own CRC included, is zero.
func (p *Parser) skip(b byte) {
	if p.count >= MaxSize {
		// no frame boundary found, swallow until Reset
		return
	}
	p.count++
	p.crc.PushByte(b)
	if p.count >= ExceptionSize && p.crc.Value() == 0 {
		p.Reset()
	}
}

func (p *Parser) parseFunctionCode(fc byte) {
	if p.kind == KindResponse && fc&modbus.ExceptionFlag != 0 {
		p.expected = ExceptionSize
		p.beginData(1)
		return
	}
	switch {
	case modbus.IsRead(fc) || modbus.IsWriteSingle(fc) || modbus.IsWriteMultiple(fc):
	case p.kind == KindResponse && fc == modbus.FuncCodeReadWriteMultipleRegisters:
	default:
		p.fail(modbus.IllegalFunction)
		return
	}

	if p.kind == KindResponse && !modbus.IsWriteSingle(fc) && !modbus.IsWriteMultiple(fc) {
		p.state = StateByteCount
		p.expected = 5
		return
	}
	p.expected = 8
	p.state = StateAddress
	p.need = 2
}

func (p *Parser) afterAddress() {
	fc := p.frame.FunctionCode
	switch {
	case modbus.IsWriteSingle(fc) || p.kind == KindResponse:
		// fixed two byte body: the value, or the quantity of an echo
		p.beginData(2)
	default:
		p.state = StateByteCountOrQuantity
		p.need = 2
	}
}

func (p *Parser) parseByteCount(n byte) {
	p.frame.ByteCount = n
	if int(n) > p.limit {
		p.fail(modbus.ByteLimitExceeded)
		return
	}
	if p.kind == KindRequest {
		if n == 0 || !matchesQuantity(p.frame.FunctionCode, p.frame.Quantity, n) {
			p.fail(modbus.IllegalDataValue)
			return
		}
		p.expected = 9 + int(n)
	} else {
		p.expected = 5 + int(n)
	}
	if n == 0 {
		p.state = StateCRCLow
		return
	}
	p.beginData(int(n))
}

func (p *Parser) beginData(n int) {
	if p.buf == nil {
		p.buf = make([]byte, 0, p.limit)
		p.payload = p.buf
	}
	p.need = n
	p.state = StateData
}

func (p *Parser) afterData() {
	f := &p.frame
	switch {
	case f.IsException() && p.kind == KindResponse:
		f.ExceptionCode = f.Payload[0]
	case modbus.IsWriteSingle(f.FunctionCode):
		f.ByteCount = 2
		f.Quantity = 1
	case modbus.IsWriteMultiple(f.FunctionCode) && p.kind == KindResponse:
		f.Quantity = binary.BigEndian.Uint16(f.Payload)
	}
	p.state = StateCRCLow
}

func (p *Parser) finish() {
	if p.received != p.crc.Value() {
		p.fail(modbus.CRCMismatch)
		return
	}
	if p.frame.IsException() && p.kind == KindResponse {
		p.fail(modbus.ErrorKindFromException(p.frame.ExceptionCode))
		return
	}
	p.state = StateComplete
	if p.onComplete != nil {
		p.onComplete(&p.frame)
	}
}

func (p *Parser) fail(kind modbus.ErrorKind) {
	p.state = StateError
	p.err = kind
	if p.onError != nil {
		p.onError(&p.frame, kind)
	}
}

// readWord accumulates a big-endian 16 bit field and reports whether it is done.
func (p *Parser) readWord(b byte) bool {
	p.word = p.word<<8 | uint16(b)
	p.need--
	return p.need == 0
}

func matchesQuantity(fc byte, quantity uint16, n byte) bool {
	if fc == modbus.FuncCodeWriteMultipleCoils {
		return int(n) == (int(quantity)+7)/8
	}
	return int(n) == int(quantity)*2
}

// CalculateResponseLength returns the expected length of a response ADU.
func CalculateResponseLength(adu []byte) int {
	length := MinSize
	if len(adu) < 6 {
		return length
	}
	switch adu[1] {
	case modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	case modbus.FuncCodeMaskWriteRegister:
		length += 6
	case modbus.FuncCodeReadFIFOQueue:
		// undetermined
	default:
	}
	return length
}
