// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the byte-level Provider consumed by the RTU
// engines and the timing heuristics used to pace them.
package transport

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Estimator converts a byte count into the time the link needs to carry it.
type Estimator interface {
	EstimateTransmitTime(n int) time.Duration
}

// Provider is a non-blocking byte link driven by exactly one engine.
//
// ReadByte is only called while Available reports buffered bytes. Write may
// block for as long as the underlying driver needs to accept the bytes.
type Provider interface {
	io.ByteReader
	io.Writer
	Estimator

	// Available returns the number of received bytes ready to be read.
	Available() int

	// OnBeginTransmission is called before the first byte of a frame is written.
	// RS485 providers enable their driver here.
	OnBeginTransmission()
	// OnEndTransmission is called once the frame is estimated to be on the wire.
	OnEndTransmission()
	// OnIncompleteFrame reports a frame abandoned with remaining bytes missing.
	OnIncompleteFrame(remaining int)
}

// Kind names a Provider variant.
type Kind int

const (
	KindSerial Kind = iota
	KindRS485
	KindLoopback
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindRS485:
		return "rs485"
	case KindLoopback:
		return "loopback"
	case KindStream:
		return "rtu-over-tcp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the names returned by Kind.String. "rtu" is accepted as
// an alias of "serial" and "stream" of "rtu-over-tcp".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "serial", "rtu", "":
		return KindSerial, nil
	case "rs485":
		return KindRS485, nil
	case "loopback":
		return KindLoopback, nil
	case "rtu-over-tcp", "stream":
		return KindStream, nil
	}
	return 0, fmt.Errorf("transport: unknown kind %q", s)
}

// TransmitTime returns round(10 * n * 1000 / bps) milliseconds: every
// character is a start bit, eight data bits and a stop bit.
func TransmitTime(bps, n int) time.Duration {
	if bps <= 0 || n <= 0 {
		return 0
	}
	ms := (10*n*1000 + bps/2) / bps
	return time.Duration(ms) * time.Millisecond
}

// Timing is the default Estimator for a link running at BitsPerSecond.
type Timing struct {
	BitsPerSecond int
}

// EstimateTransmitTime implements Estimator.
func (t Timing) EstimateTransmitTime(n int) time.Duration {
	return TransmitTime(t.BitsPerSecond, n)
}

// Hooks is embedded by providers without transmit-enable hardware.
type Hooks struct{}

func (Hooks) OnBeginTransmission()  {}
func (Hooks) OnEndTransmission()    {}
func (Hooks) OnIncompleteFrame(int) {}
