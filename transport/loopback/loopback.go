// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package loopback provides a crosslinked pair of in-memory Providers: bytes
// written to one end become readable on the other.
package loopback

import (
	"errors"
	"io"

	"github.com/ffutop/modbus-rtu/transport"
)

// DefaultCapacity holds two maximum size RTU frames.
const DefaultCapacity = 512

// ErrBufferFull is returned by Write when the peer's receive buffer overflows.
var ErrBufferFull = errors.New("loopback: receive buffer full")

// Stats counts the hook invocations seen by an Endpoint.
type Stats struct {
	Begins     int
	Ends       int
	Incomplete int
	// Remaining sums the bytes reported missing by OnIncompleteFrame.
	Remaining int
	Written   int
	Dropped   int
}

// Endpoint is one end of a crosslink. It is not safe for concurrent use; both
// ends are meant to be driven from the same scheduler goroutine.
type Endpoint struct {
	transport.Timing

	peer     *Endpoint
	buf      []byte
	capacity int
	stats    Stats
}

// Option configures a pair.
type Option func(*Endpoint)

// WithCapacity bounds each receive buffer to n bytes.
func WithCapacity(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// NewPair returns two crosslinked endpoints estimating transmit time at bps.
func NewPair(bps int, opts ...Option) (*Endpoint, *Endpoint) {
	a := &Endpoint{Timing: transport.Timing{BitsPerSecond: bps}, capacity: DefaultCapacity}
	b := &Endpoint{Timing: transport.Timing{BitsPerSecond: bps}, capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(a)
		opt(b)
	}
	a.peer, b.peer = b, a
	return a, b
}

// Peer returns the other end.
func (e *Endpoint) Peer() *Endpoint { return e.peer }

// Kind reports transport.KindLoopback.
func (e *Endpoint) Kind() transport.Kind { return transport.KindLoopback }

// Write copies p into the peer's receive buffer.
func (e *Endpoint) Write(p []byte) (int, error) {
	n := e.peer.receive(p)
	e.stats.Written += n
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// Inject makes p readable on e as if the peer had written it.
func (e *Endpoint) Inject(p []byte) int {
	return e.receive(p)
}

func (e *Endpoint) receive(p []byte) int {
	n := len(p)
	if free := e.capacity - len(e.buf); n > free {
		n = free
	}
	e.buf = append(e.buf, p[:n]...)
	e.stats.Dropped += len(p) - n
	return n
}

// ReadByte implements io.ByteReader.
func (e *Endpoint) ReadByte() (byte, error) {
	if len(e.buf) == 0 {
		return 0, io.EOF
	}
	b := e.buf[0]
	e.buf = e.buf[1:]
	if len(e.buf) == 0 {
		e.buf = nil
	}
	return b, nil
}

// Drain returns and clears everything readable on e.
func (e *Endpoint) Drain() []byte {
	out := e.buf
	e.buf = nil
	return out
}

// Available implements transport.Provider.
func (e *Endpoint) Available() int { return len(e.buf) }

func (e *Endpoint) OnBeginTransmission() { e.stats.Begins++ }

func (e *Endpoint) OnEndTransmission() { e.stats.Ends++ }

func (e *Endpoint) OnIncompleteFrame(remaining int) {
	e.stats.Incomplete++
	e.stats.Remaining += remaining
}

// Stats returns a snapshot of the counters.
func (e *Endpoint) Stats() Stats { return e.stats }

var _ transport.Provider = (*Endpoint)(nil)
