// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
)

// ErrAlreadySent is returned when a reply is sent twice for the same frame.
var ErrAlreadySent = errors.New("rtu: reply already sent")

// Response is the client's view of a decoded response. Payload aliases the
// engine's receive buffer and must be copied if kept past the callback.
type Response struct {
	Request *Request

	SlaveAddress  byte
	FunctionCode  byte
	ByteCount     byte
	Address       uint16
	Quantity      uint16
	Payload       []byte
	ExceptionCode byte
}

func (r *Response) fill(f *rtupacket.Frame) {
	r.SlaveAddress = f.SlaveAddress
	r.FunctionCode = f.FunctionCode
	r.ByteCount = f.ByteCount
	r.Address = f.Address
	r.Quantity = f.Quantity
	r.Payload = f.Payload
	r.ExceptionCode = f.ExceptionCode
}

func (r *Response) clear() {
	req := r.Request
	*r = Response{Request: req}
}

// Register returns the i-th big-endian 16 bit register of the payload.
func (r *Response) Register(i int) uint16 {
	if 2*i+2 > len(r.Payload) {
		return 0
	}
	return binary.BigEndian.Uint16(r.Payload[2*i:])
}

// Bit returns the i-th packed coil or discrete input of the payload.
func (r *Response) Bit(i int) bool {
	if i/8 >= len(r.Payload) {
		return false
	}
	return r.Payload[i/8]&(1<<(i%8)) != 0
}

// Reply is the server's view of a request matched to a binding. It is only
// valid during the handler call.
type Reply struct {
	SlaveAddress byte
	FunctionCode byte
	Address      uint16
	Quantity     uint16
	ByteCount    byte
	Payload      []byte

	binding *Binding
	srv     *Server
	sent    bool
}

// Binding returns the binding the request was resolved to.
func (r *Reply) Binding() *Binding { return r.binding }

// Broadcast reports whether the request was addressed to every slave. Replies
// to broadcasts are accepted and silently dropped.
func (r *Reply) Broadcast() bool { return r.SlaveAddress == modbus.AddressBroadcast }

// Sent reports whether a reply has been transmitted.
func (r *Reply) Sent() bool { return r.sent }

// Send replies to a read request (function codes 1-4) with payload.
func (r *Reply) Send(payload []byte) error {
	if !modbus.IsRead(r.FunctionCode) {
		return fmt.Errorf("%w: 0x%02X has no data reply", rtupacket.ErrUnsupportedFunction, r.FunctionCode)
	}
	if r.sent {
		return ErrAlreadySent
	}
	frame, err := rtupacket.EncodeResponse(r.srv.address, r.FunctionCode, payload)
	if err != nil {
		return err
	}
	return r.transmit(frame)
}

// SendEcho replies to a write request with the standard echo: the address and
// the value (5, 6) or the quantity (15, 16).
func (r *Reply) SendEcho() error {
	var value uint16
	switch {
	case modbus.IsWriteSingle(r.FunctionCode):
		if len(r.Payload) < 2 {
			return &rtupacket.InvalidLengthError{Length: len(r.Payload)}
		}
		value = binary.BigEndian.Uint16(r.Payload)
	case modbus.IsWriteMultiple(r.FunctionCode):
		value = r.Quantity
	default:
		return fmt.Errorf("%w: 0x%02X has no echo reply", rtupacket.ErrUnsupportedFunction, r.FunctionCode)
	}
	if r.sent {
		return ErrAlreadySent
	}
	frame, err := rtupacket.EncodeEcho(r.srv.address, r.FunctionCode, r.Address, value)
	if err != nil {
		return err
	}
	return r.transmit(frame)
}

// SendException replies with the exception code of kind.
func (r *Reply) SendException(kind modbus.ErrorKind) error {
	if r.sent {
		return ErrAlreadySent
	}
	frame, err := rtupacket.EncodeException(r.srv.address, r.FunctionCode, kind.ExceptionCode())
	if err != nil {
		return err
	}
	if !r.Broadcast() {
		r.srv.stats.Exceptions++
	}
	return r.transmit(frame)
}

// frame rebuilds the request header for the exception path.
func (r *Reply) frame() *rtupacket.Frame {
	return &rtupacket.Frame{SlaveAddress: r.SlaveAddress, FunctionCode: r.FunctionCode, Address: r.Address}
}

func (r *Reply) transmit(frame []byte) error {
	r.sent = true
	if r.Broadcast() {
		return nil
	}
	return r.srv.transmit(frame)
}

// ExceptionReply is the server's view of a request that could not be served.
type ExceptionReply struct {
	SlaveAddress byte
	FunctionCode byte
	Address      uint16
	Kind         modbus.ErrorKind

	srv  *Server
	sent bool
}

// Sent reports whether the exception frame has been transmitted.
func (e *ExceptionReply) Sent() bool { return e.sent }

// SendException transmits slaveAddress, functionCode|0x80, exceptionCode, CRC.
// Broadcast requests are never answered.
func (e *ExceptionReply) SendException() error {
	if e.sent {
		return ErrAlreadySent
	}
	e.sent = true
	if e.SlaveAddress == modbus.AddressBroadcast {
		return nil
	}
	e.srv.stats.Exceptions++
	frame, err := rtupacket.EncodeException(e.srv.address, e.FunctionCode, e.Kind.ExceptionCode())
	if err != nil {
		return err
	}
	return e.srv.transmit(frame)
}
