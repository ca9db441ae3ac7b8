// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package stream adapts a blocking io.ReadWriteCloser (serial port, TCP
// connection) to the non-blocking transport.Provider contract. A background
// goroutine moves received bytes into a bounded buffer that the engine
// drains from its scheduler goroutine.
package stream

import (
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-rtu/transport"
)

const (
	// DefaultCapacity holds several maximum size RTU frames.
	DefaultCapacity = 4096

	chunkSize = 256
)

// Stream is a transport.Provider over an io.ReadWriteCloser.
type Stream struct {
	transport.Timing

	kind      transport.Kind
	rwc       io.ReadWriteCloser
	logger    *slog.Logger
	txEnable  func(on bool)
	estimator transport.Estimator
	capacity  int
	retryable func(error) bool

	mu      sync.Mutex
	buf     []byte
	err     error
	dropped int

	incomplete atomic.Int64
	closed     atomic.Bool
	done       chan struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used for frame diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) { s.logger = logger }
}

// WithKind labels the Stream, transport.KindStream by default.
func WithKind(kind transport.Kind) Option {
	return func(s *Stream) { s.kind = kind }
}

// WithTxEnable installs a transmit-enable line driven on begin and end of
// transmission, e.g. a GPIO wired to an RS485 transceiver's DE pin.
func WithTxEnable(fn func(on bool)) Option {
	return func(s *Stream) { s.txEnable = fn }
}

// WithEstimator replaces the bit-rate heuristic, for links that know better.
func WithEstimator(e transport.Estimator) Option {
	return func(s *Stream) { s.estimator = e }
}

// WithRetryable marks the read errors after which the receiver keeps
// reading, typically the read timeout of a driver. Every other error stops
// the receiver. Timeouts reported through net.Error are always retried.
func WithRetryable(fn func(error) bool) Option {
	return func(s *Stream) { s.retryable = fn }
}

// WithCapacity bounds the receive buffer.
func WithCapacity(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// New starts receiving from rwc. bps feeds the default Estimator.
func New(rwc io.ReadWriteCloser, bps int, opts ...Option) *Stream {
	s := &Stream{
		Timing:   transport.Timing{BitsPerSecond: bps},
		kind:     transport.KindStream,
		rwc:      rwc,
		logger:   slog.Default(),
		capacity: DefaultCapacity,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.receive()
	return s
}

func (s *Stream) receive() {
	defer close(s.done)
	chunk := make([]byte, chunkSize)
	for !s.closed.Load() {
		n, err := s.rwc.Read(chunk)
		if n > 0 {
			s.push(chunk[:n])
		}
		if err == nil {
			continue
		}
		if s.closed.Load() || !s.isRetryable(err) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			if !s.closed.Load() {
				s.logger.Warn("stream receive stopped", "kind", s.kind, "err", err)
			}
			return
		}
	}
}

func (s *Stream) isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return s.retryable != nil && s.retryable(err)
}

func (s *Stream) push(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(p)
	if free := s.capacity - len(s.buf); n > free {
		n = free
	}
	s.buf = append(s.buf, p[:n]...)
	if n < len(p) {
		s.dropped += len(p) - n
		s.logger.Debug("receive buffer full", "kind", s.kind, "dropped", len(p)-n)
	}
}

// Kind returns the label set with WithKind.
func (s *Stream) Kind() transport.Kind { return s.kind }

// Available implements transport.Provider.
func (s *Stream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// ReadByte implements io.ByteReader. Once the buffer is empty it returns the
// error that stopped the receiver, or io.EOF.
func (s *Stream) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	b := s.buf[0]
	s.buf = s.buf[1:]
	if len(s.buf) == 0 {
		s.buf = s.buf[:0:0]
	}
	return b, nil
}

// Write sends p on the underlying stream.
func (s *Stream) Write(p []byte) (int, error) {
	s.logger.Debug("stream write", "kind", s.kind, "frame", hex.EncodeToString(p))
	return s.rwc.Write(p)
}

// EstimateTransmitTime implements transport.Estimator.
func (s *Stream) EstimateTransmitTime(n int) time.Duration {
	if s.estimator != nil {
		return s.estimator.EstimateTransmitTime(n)
	}
	return s.Timing.EstimateTransmitTime(n)
}

func (s *Stream) OnBeginTransmission() {
	if s.txEnable != nil {
		s.txEnable(true)
	}
}

func (s *Stream) OnEndTransmission() {
	if s.txEnable != nil {
		s.txEnable(false)
	}
}

func (s *Stream) OnIncompleteFrame(remaining int) {
	s.incomplete.Add(1)
	s.logger.Debug("incomplete frame abandoned", "kind", s.kind, "remaining", remaining)
}

// Incomplete returns how many frames were abandoned half received.
func (s *Stream) Incomplete() int64 { return s.incomplete.Load() }

// Dropped returns how many received bytes did not fit the buffer.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Err returns the error that stopped the receiver, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the underlying stream and waits for the receiver to exit.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.rwc.Close()
	<-s.done
	return err
}

var _ transport.Provider = (*Stream)(nil)
