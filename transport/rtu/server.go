// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
	"github.com/ffutop/modbus-rtu/scheduler"
	"github.com/ffutop/modbus-rtu/transport"
)

// DefaultListenInterval is how often a Server drains its Provider.
const DefaultListenInterval = 100 * time.Millisecond

// ErrInvalidMapping is returned for empty mapping buffers or register lengths.
var ErrInvalidMapping = errors.New("rtu: invalid mapping")

// Handler serves a request resolved to a Binding.
type Handler func(reply *Reply)

// ExceptionHandler replaces the standard exception reply. It may call
// SendException or stay silent.
type ExceptionHandler func(reply *ExceptionReply)

// Binding answers one function code at one address, through a handler, a
// mapped buffer, or both.
type Binding struct {
	functionCode   byte
	address        uint16
	handler        Handler
	mapping        []byte
	registerLength int
}

func (b *Binding) FunctionCode() byte { return b.functionCode }

func (b *Binding) Address() uint16 { return b.address }

// Mapping returns the mapped buffer, nil for handler-only bindings.
func (b *Binding) Mapping() []byte { return b.mapping }

// RegisterLength returns the bytes per register of the mapped buffer.
func (b *Binding) RegisterLength() int { return b.registerLength }

// matches accepts the exact address for handler-only bindings, and any
// address from the base upwards for mapped ones.
func (b *Binding) matches(address uint16) bool {
	if b.mapping != nil {
		return address >= b.address
	}
	return address == b.address
}

// ExceptionState records the last request the Server could not serve.
type ExceptionState struct {
	FunctionCode byte
	Address      uint16
	Kind         modbus.ErrorKind
}

// ServerStats is a snapshot of the Server counters.
type ServerStats struct {
	Requests      uint64
	Responses     uint64
	Exceptions    uint64
	Errors        uint64
	Incomplete    uint64
	BytesReceived uint64
	BytesSent     uint64
}

// Server answers requests addressed to one slave address over a Provider.
type Server struct {
	provider transport.Provider
	sched    *scheduler.Scheduler
	task     *scheduler.Task
	parser   *rtupacket.Parser
	logger   *slog.Logger
	address  byte

	listenInterval  time.Duration
	incompleteGrace time.Duration
	codecExceptions bool

	bindings    []*Binding
	onException ExceptionHandler
	exception   ExceptionState

	running      bool
	txDelay      time.Duration
	frameStarted time.Time
	stats        ServerStats
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithListenInterval sets the polling interval, DefaultListenInterval by default.
func WithListenInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.listenInterval = d }
}

// WithServerLogger sets the logger, slog.Default() by default.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRequestByteCountLimit bounds the payload of accepted write requests.
func WithRequestByteCountLimit(n int) ServerOption {
	return func(s *Server) { s.parser.SetByteCountLimit(n) }
}

// WithCodecExceptions selects whether malformed frames (CRC mismatch, byte
// limit, inconsistent byte count) are answered with an exception. Enabled by
// default.
func WithCodecExceptions(enabled bool) ServerOption {
	return func(s *Server) { s.codecExceptions = enabled }
}

// WithIncompleteFrameGrace keeps a partially received frame across polls
// until d has elapsed since its first byte. The default of zero abandons a
// partial frame as soon as the Provider runs dry at a poll.
func WithIncompleteFrameGrace(d time.Duration) ServerOption {
	return func(s *Server) { s.incompleteGrace = d }
}

// NewServer registers a disabled task on sched answering requests for
// slaveAddress. Call Start to begin listening.
func NewServer(sched *scheduler.Scheduler, provider transport.Provider, slaveAddress byte, opts ...ServerOption) *Server {
	s := &Server{
		provider:        provider,
		sched:           sched,
		parser:          rtupacket.NewParser(rtupacket.KindRequest),
		logger:          slog.Default(),
		address:         slaveAddress,
		listenInterval:  DefaultListenInterval,
		codecExceptions: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.parser.SetAddressFilter(slaveAddress)
	s.parser.SetHandlers(s.onComplete, s.onParserError)
	s.task = sched.NewTask("modbus-rtu-server", s.listen)
	return s
}

// SlaveAddress returns the address the Server answers to.
func (s *Server) SlaveAddress() byte { return s.address }

// Handle binds handler to requests with functionCode at exactly address.
func (s *Server) Handle(functionCode byte, address uint16, handler Handler) *Binding {
	b := &Binding{functionCode: functionCode, address: address, handler: handler}
	s.bindings = append(s.bindings, b)
	return b
}

// Map serves requests with functionCode at base or above directly from buf.
//
// For registers, address base+n maps to buf[n*registerLength:]. For coils and
// discrete inputs every element of buf holds one bit (non-zero is on) and
// registerLength is ignored. Reads copy out of buf, writes copy into it.
func (s *Server) Map(functionCode byte, base uint16, buf []byte, registerLength int) (*Binding, error) {
	return s.Bind(functionCode, base, nil, buf, registerLength)
}

// Bind registers a binding with both a handler and a mapping. The handler runs
// first; the mapping serves the request if the handler did not reply.
func (s *Server) Bind(functionCode byte, base uint16, handler Handler, buf []byte, registerLength int) (*Binding, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidMapping)
	}
	if modbus.IsBitAccess(functionCode) {
		registerLength = 1
	}
	if registerLength < 1 {
		return nil, fmt.Errorf("%w: register length %d", ErrInvalidMapping, registerLength)
	}
	b := &Binding{
		functionCode:   functionCode,
		address:        base,
		handler:        handler,
		mapping:        buf,
		registerLength: registerLength,
	}
	s.bindings = append(s.bindings, b)
	return b, nil
}

// Unbind removes b and hands it back to the caller.
func (s *Server) Unbind(b *Binding) bool {
	for i, el := range s.bindings {
		if el == b {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// Bindings returns the registered bindings in resolution order.
func (s *Server) Bindings() []*Binding {
	return append([]*Binding(nil), s.bindings...)
}

// HandleException installs handler for every request that can not be served.
// A nil handler restores the standard exception reply.
func (s *Server) HandleException(handler ExceptionHandler) { s.onException = handler }

// Exception returns what the last exception was raised for.
func (s *Server) Exception() ExceptionState { return s.exception }

// Start schedules the listen loop.
func (s *Server) Start() {
	if s.running {
		return
	}
	s.running = true
	s.parser.Reset()
	s.task.SetCallback(s.listen)
	s.task.Enable()
}

// End deschedules the listen loop.
func (s *Server) End() {
	if !s.running {
		return
	}
	s.running = false
	s.task.Disable()
}

// Close ends the Server, releases every binding and unregisters its task.
func (s *Server) Close() {
	s.End()
	for i := range s.bindings {
		s.bindings[i] = nil
	}
	s.bindings = nil
	s.task.Abort()
	s.parser.Release()
}

// IsRunning reports whether the listen loop is scheduled.
func (s *Server) IsRunning() bool { return s.running }

// Stats returns a snapshot of the counters.
func (s *Server) Stats() ServerStats { return s.stats }

func (s *Server) listen() {
	delay := s.listenInterval
	for s.provider.Available() > 0 {
		b, err := s.provider.ReadByte()
		if err != nil {
			break
		}
		s.stats.BytesReceived++
		if s.parser.IsIdle() {
			s.frameStarted = s.sched.Now()
		}
		s.parser.Parse(b)
		if !s.parser.IsComplete() && !s.parser.IsError() {
			continue
		}
		if s.parser.IsError() {
			// resynchronise on the next silence
			s.discard()
		}
		s.parser.Reset()
		if s.txDelay > 0 {
			// let the reply leave the wire before reading again
			delay = s.txDelay
			s.txDelay = 0
			break
		}
	}

	if !s.parser.IsIdle() {
		switch {
		case s.parser.IsSkipping():
			s.parser.Reset()
		case s.incompleteGrace > 0 && s.sched.Now().Sub(s.frameStarted) < s.incompleteGrace:
		default:
			s.stats.Incomplete++
			s.provider.OnIncompleteFrame(s.parser.Remaining())
			s.parser.Reset()
		}
	}
	s.task.Delay(delay)
}

func (s *Server) discard() {
	for s.provider.Available() > 0 {
		if _, err := s.provider.ReadByte(); err != nil {
			return
		}
		s.stats.BytesReceived++
	}
}

func (s *Server) onComplete(f *rtupacket.Frame) {
	s.stats.Requests++
	b, kind := s.resolve(f)
	if b == nil {
		s.raise(f, kind)
		return
	}

	reply := &Reply{
		SlaveAddress: f.SlaveAddress,
		FunctionCode: f.FunctionCode,
		Address:      f.Address,
		Quantity:     f.Quantity,
		ByteCount:    f.ByteCount,
		Payload:      f.Payload,
		binding:      b,
		srv:          s,
	}
	if b.handler != nil {
		b.handler(reply)
	}
	if !reply.sent && b.mapping != nil {
		s.serveMapping(reply, b)
	}
	if !reply.sent {
		s.logger.Debug("binding produced no reply", "function", f.FunctionCode, "address", f.Address)
	}
}

// resolve scans bindings in registration order.
func (s *Server) resolve(f *rtupacket.Frame) (*Binding, modbus.ErrorKind) {
	kind := modbus.IllegalFunction
	for _, b := range s.bindings {
		if b.functionCode != f.FunctionCode {
			continue
		}
		kind = modbus.IllegalDataAddress
		if b.matches(f.Address) {
			return b, modbus.None
		}
	}
	return nil, kind
}

func (s *Server) serveMapping(r *Reply, b *Binding) {
	offset := int(r.Address-b.address) * b.registerLength
	fc := r.FunctionCode

	var err error
	switch {
	case fc == modbus.FuncCodeReadCoils || fc == modbus.FuncCodeReadDiscreteInputs:
		n := int(r.Quantity)
		if offset+n > len(b.mapping) || n == 0 {
			break
		}
		err = r.Send(packBits(b.mapping[offset : offset+n]))
	case modbus.IsRead(fc):
		n := int(r.Quantity) * b.registerLength
		if offset+n > len(b.mapping) || n == 0 {
			break
		}
		err = r.Send(b.mapping[offset : offset+n])
	case fc == modbus.FuncCodeWriteSingleCoil:
		if offset >= len(b.mapping) || len(r.Payload) < 2 {
			break
		}
		switch binary.BigEndian.Uint16(r.Payload) {
		case 0xFF00:
			b.mapping[offset] = 1
		case 0x0000:
			b.mapping[offset] = 0
		default:
			s.raise(r.frame(), modbus.IllegalDataValue)
			return
		}
		err = r.SendEcho()
	case fc == modbus.FuncCodeWriteMultipleCoils:
		n := int(r.Quantity)
		if offset+n > len(b.mapping) {
			break
		}
		unpackBits(b.mapping[offset:offset+n], r.Payload)
		err = r.SendEcho()
	case modbus.IsWriteSingle(fc) || modbus.IsWriteMultiple(fc):
		if offset+len(r.Payload) > len(b.mapping) {
			break
		}
		copy(b.mapping[offset:], r.Payload)
		err = r.SendEcho()
	}

	if err != nil {
		s.logger.Debug("mapped reply failed", "function", fc, "address", r.Address, "err", err)
	}
	if !r.sent {
		// the requested slice exceeds the mapping
		s.raise(r.frame(), modbus.IllegalDataValue)
	}
}

func (s *Server) onParserError(f *rtupacket.Frame, kind modbus.ErrorKind) {
	if !s.codecExceptions {
		s.stats.Errors++
		s.exception = ExceptionState{FunctionCode: f.FunctionCode, Address: f.Address, Kind: kind}
		return
	}
	s.raise(f, kind)
}

// raise records the failure and answers it with an exception.
func (s *Server) raise(f *rtupacket.Frame, kind modbus.ErrorKind) {
	s.stats.Errors++
	s.exception = ExceptionState{FunctionCode: f.FunctionCode, Address: f.Address, Kind: kind}
	s.logger.Debug("modbus exception", "slave", f.SlaveAddress, "function", f.FunctionCode, "address", f.Address, "kind", kind)

	reply := &ExceptionReply{
		SlaveAddress: f.SlaveAddress,
		FunctionCode: f.FunctionCode,
		Address:      f.Address,
		Kind:         kind,
		srv:          s,
	}
	if s.onException != nil {
		s.onException(reply)
		return
	}
	if err := reply.SendException(); err != nil {
		s.logger.Debug("exception reply failed", "err", err)
	}
}

func (s *Server) transmit(frame []byte) error {
	s.provider.OnBeginTransmission()
	n, err := s.provider.Write(frame)
	s.provider.OnEndTransmission()
	s.stats.BytesSent += uint64(n)
	s.logger.Debug("send to modbus master", "response", hex.EncodeToString(frame))
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	s.stats.Responses++
	s.txDelay = s.provider.EstimateTransmitTime(len(frame))
	return nil
}

// packBits packs one element per bit, LSB first.
func packBits(elems []byte) []byte {
	out := make([]byte, (len(elems)+7)/8)
	for i, v := range elems {
		if v != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// unpackBits spreads len(dst) packed bits of src over dst.
func unpackBits(dst, src []byte) {
	for i := range dst {
		if src[i/8]&(1<<(i%8)) != 0 {
			dst[i] = 1
		} else {
			dst[i] = 0
		}
	}
}
