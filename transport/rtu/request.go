// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
)

const (
	DefaultTimeout     = 500 * time.Millisecond
	DefaultDeviceDelay = 30 * time.Millisecond
)

// ErrSwapRegisterSize is returned when byte swapping is requested for
// registers narrower than two bytes.
var ErrSwapRegisterSize = errors.New("rtu: swap requires a register size of at least 2 bytes")

// ResponseFunc receives the response to a request. The Response is only valid
// for the duration of the call.
type ResponseFunc func(resp *Response)

// Request describes one query sent by a Client. The raw frame is copied at
// construction; once handed to a Client the request must not be modified.
type Request struct {
	ID uuid.UUID

	frame        []byte
	swap         bool
	registerSize uint16
	throttle     time.Duration
	timeout      time.Duration
	deviceDelay  time.Duration
	quantity     uint16
	lastSentAt   time.Time
	callback     ResponseFunc
	response     Response
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithSwap reverses the byte order of every registerSize byte group of the
// response payload before it reaches the callback.
func WithSwap(registerSize uint16) RequestOption {
	return func(r *Request) {
		r.swap = true
		r.registerSize = registerSize
	}
}

// WithThrottle sets the minimum interval between two automatic executions of a
// periodic request.
func WithThrottle(d time.Duration) RequestOption {
	return func(r *Request) { r.throttle = d }
}

// WithTimeout bounds the wait for a response, measured from the end of
// transmission.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.timeout = d }
}

// WithDeviceDelay sets the settle time granted to the slave before listening.
func WithDeviceDelay(d time.Duration) RequestOption {
	return func(r *Request) { r.deviceDelay = d }
}

// NewRequest wraps a complete RTU frame, CRC included. The frame is not
// validated beyond its length so that any function code can be sent.
func NewRequest(frame []byte, callback ResponseFunc, opts ...RequestOption) (*Request, error) {
	if len(frame) < rtupacket.MinSize {
		return nil, fmt.Errorf("%w: length '%v' does not meet minimum '%v'", rtupacket.ErrFrameTooShort, len(frame), rtupacket.MinSize)
	}
	r := &Request{
		ID:          uuid.New(),
		frame:       append([]byte(nil), frame...),
		timeout:     DefaultTimeout,
		deviceDelay: DefaultDeviceDelay,
		quantity:    1,
		callback:    callback,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.swap && r.registerSize < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrSwapRegisterSize, r.registerSize)
	}
	fc := r.FunctionCode()
	if (modbus.IsRead(fc) || modbus.IsWriteMultiple(fc)) && len(r.frame) >= 6 {
		r.quantity = binary.BigEndian.Uint16(r.frame[4:6])
	}
	r.response.Request = r
	return r, nil
}

// NewReadRequest builds a request for function codes 1-4.
func NewReadRequest(slaveID, functionCode byte, address, quantity uint16, callback ResponseFunc, opts ...RequestOption) (*Request, error) {
	frame, err := rtupacket.EncodeReadRequest(slaveID, functionCode, address, quantity)
	if err != nil {
		return nil, err
	}
	return NewRequest(frame, callback, opts...)
}

// NewWriteSingleRequest builds a request for function codes 5 and 6.
func NewWriteSingleRequest(slaveID, functionCode byte, address, value uint16, callback ResponseFunc, opts ...RequestOption) (*Request, error) {
	frame, err := rtupacket.EncodeWriteSingle(slaveID, functionCode, address, value)
	if err != nil {
		return nil, err
	}
	return NewRequest(frame, callback, opts...)
}

// NewWriteMultipleRequest builds a request for function codes 15 and 16.
func NewWriteMultipleRequest(slaveID, functionCode byte, address, quantity uint16, data []byte, callback ResponseFunc, opts ...RequestOption) (*Request, error) {
	frame, err := rtupacket.EncodeWriteMultiple(slaveID, functionCode, address, quantity, data)
	if err != nil {
		return nil, err
	}
	return NewRequest(frame, callback, opts...)
}

// Frame returns the raw request frame. It must not be modified.
func (r *Request) Frame() []byte { return r.frame }

func (r *Request) SlaveAddress() byte { return r.frame[0] }

func (r *Request) FunctionCode() byte { return r.frame[1] }

// Address returns the register address carried in bytes 2-3, or 0.
func (r *Request) Address() uint16 {
	if len(r.frame) < 4 {
		return 0
	}
	return binary.BigEndian.Uint16(r.frame[2:4])
}

// Quantity returns the register count, 1 for single writes.
func (r *Request) Quantity() uint16 { return r.quantity }

func (r *Request) Swap() bool { return r.swap }

func (r *Request) RegisterSize() uint16 { return r.registerSize }

func (r *Request) Throttle() time.Duration { return r.throttle }

func (r *Request) Timeout() time.Duration { return r.timeout }

func (r *Request) DeviceDelay() time.Duration { return r.deviceDelay }

// LastSentAt returns when the request last finished transmitting.
func (r *Request) LastSentAt() time.Time { return r.lastSentAt }

// IsBroadcast reports whether the request is addressed to every slave.
func (r *Request) IsBroadcast() bool { return r.SlaveAddress() == modbus.AddressBroadcast }

// expectedResponseSize sizes the listen delay after transmission.
func (r *Request) expectedResponseSize() int {
	return rtupacket.CalculateResponseLength(r.frame)
}

// swapPayload reverses every registerSize byte group of p in place.
func (r *Request) swapPayload(p []byte) {
	if !r.swap {
		return
	}
	size := int(r.registerSize)
	for off := 0; off+size <= len(p); off += size {
		g := p[off : off+size]
		for i, j := 0, len(g)-1; i < j; i, j = i+1, j-1 {
			g[i], g[j] = g[j], g[i]
		}
	}
}
