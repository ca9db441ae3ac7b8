// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the Modbus RTU master (Client) and slave (Server)
// engines. Both are cooperative state machines: every phase is a scheduler
// callback that never blocks and hands over to the next phase with a delay.
package rtu

import (
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ffutop/modbus-rtu/modbus"
	rtupacket "github.com/ffutop/modbus-rtu/modbus/rtu"
	"github.com/ffutop/modbus-rtu/scheduler"
	"github.com/ffutop/modbus-rtu/transport"
)

// DefaultPollInterval is how long an idle Client waits before looking for
// new requests again.
const DefaultPollInterval = 100 * time.Millisecond

// ErrorFunc receives every error seen by a Client. resp carries the request
// and whatever the codec decoded before failing.
type ErrorFunc func(resp *Response, kind modbus.ErrorKind)

// ClientStats is a snapshot of the Client counters.
type ClientStats struct {
	Requests      uint64
	Completions   uint64
	Errors        uint64
	Timeouts      uint64
	BytesSent     uint64
	BytesReceived uint64
}

// Client polls slaves over a single Provider, one request at a time.
//
// Periodic requests added with Poll are owned by the Client and visited in
// round-robin order. One-shot requests added with Send stay owned by the
// caller and are transmitted before the next periodic request, oldest first.
type Client struct {
	provider transport.Provider
	sched    *scheduler.Scheduler
	task     *scheduler.Task
	parser   *rtupacket.Parser
	logger   *slog.Logger

	pollInterval     time.Duration
	retrieveInterval time.Duration

	polls  []*Request
	cursor int
	queue  []*Request

	current *Request
	running bool

	validateFunctionCode bool
	onError              ErrorFunc

	lastError        modbus.ErrorKind
	lastErrorRequest *Request
	stats            ClientStats
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPollInterval sets the idle re-check interval, DefaultPollInterval by default.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// WithRetrieveInterval makes the Client look for response bytes every d
// instead of sleeping for the whole remaining timeout.
func WithRetrieveInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.retrieveInterval = d }
}

// WithLogger sets the logger, slog.Default() by default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithByteCountLimit bounds the payload of accepted responses.
func WithByteCountLimit(n int) ClientOption {
	return func(c *Client) { c.parser.SetByteCountLimit(n) }
}

// NewClient registers a disabled task on sched driving provider. Call Start
// to begin polling.
func NewClient(sched *scheduler.Scheduler, provider transport.Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:     provider,
		sched:        sched,
		parser:       rtupacket.NewParser(rtupacket.KindResponse),
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		cursor:       -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.parser.SetHandlers(c.onComplete, c.onParserError)
	c.task = sched.NewTask("modbus-rtu-client", c.dispatch)
	return c
}

// Poll appends a periodic request. The Client takes ownership until Remove.
func (c *Client) Poll(req *Request) uuid.UUID {
	c.polls = append(c.polls, req)
	return req.ID
}

// Remove detaches the periodic request with id and hands it back.
func (c *Client) Remove(id uuid.UUID) (*Request, bool) {
	for i, r := range c.polls {
		if r.ID != id {
			continue
		}
		c.polls = append(c.polls[:i], c.polls[i+1:]...)
		if i <= c.cursor {
			c.cursor--
		}
		return r, true
	}
	return nil, false
}

// Requests returns the periodic requests in visiting order.
func (c *Client) Requests() []*Request {
	return append([]*Request(nil), c.polls...)
}

// Send queues a one-shot request. It is referenced, not owned: the caller
// keeps it and may send it again once its callback ran.
func (c *Client) Send(req *Request) {
	c.queue = append(c.queue, req)
}

// Pending returns the number of queued one-shot requests.
func (c *Client) Pending() int { return len(c.queue) }

// Start schedules the dispatch loop. A request in flight when the Client was
// stopped is abandoned.
func (c *Client) Start() {
	if c.running {
		return
	}
	c.running = true
	c.current = nil
	c.task.SetCallback(c.dispatch)
	c.task.Enable()
}

// Stop deschedules the Client, keeping every queued and periodic request.
func (c *Client) Stop() {
	if !c.running {
		return
	}
	c.running = false
	c.task.Disable()
}

// Reset stops the Client and drops every periodic request. Queued one-shot
// requests are left in place.
func (c *Client) Reset() {
	c.Stop()
	for i := range c.polls {
		c.polls[i] = nil
	}
	c.polls = nil
	c.cursor = -1
}

// Close resets the Client, forgets the one-shot queue and unregisters its task.
func (c *Client) Close() {
	c.Reset()
	c.queue = nil
	c.task.Abort()
	c.parser.Release()
}

// IsRunning reports whether the dispatch loop is scheduled.
func (c *Client) IsRunning() bool { return c.running }

// SetFunctionCodeValidation makes the Client reject responses whose function
// code differs from the request's with IllegalFunction.
func (c *Client) SetFunctionCodeValidation(v bool) { c.validateFunctionCode = v }

// SetErrorHandler installs the handler called for every error.
func (c *Client) SetErrorHandler(fn ErrorFunc) { c.onError = fn }

// SetByteCountLimit bounds the payload of accepted responses.
func (c *Client) SetByteCountLimit(n int) { c.parser.SetByteCountLimit(n) }

// ByteCountLimit returns the response payload bound.
func (c *Client) ByteCountLimit() int { return c.parser.ByteCountLimit() }

// Stats returns a snapshot of the counters.
func (c *Client) Stats() ClientStats { return c.stats }

// LastError returns the kind of the most recent error.
func (c *Client) LastError() modbus.ErrorKind { return c.lastError }

// LastErrorRequest returns the request that failed most recently.
func (c *Client) LastErrorRequest() *Request { return c.lastErrorRequest }

func (c *Client) dispatch() {
	var wait time.Duration
	switch {
	case len(c.queue) > 0:
		c.current = c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		if len(c.queue) == 0 {
			c.queue = nil
		}
	case len(c.polls) > 0:
		c.cursor = (c.cursor + 1) % len(c.polls)
		c.current = c.polls[c.cursor]
		if !c.current.lastSentAt.IsZero() {
			wait = c.current.throttle - c.sched.Now().Sub(c.current.lastSentAt)
		}
	default:
		c.current = nil
		c.task.Delay(c.pollInterval)
		return
	}

	c.setupParser()
	c.task.SetCallback(c.beginTransmission)
	c.task.Delay(wait)
}

func (c *Client) setupParser() {
	if c.current.IsBroadcast() {
		c.parser.ClearAddressFilter()
	} else {
		c.parser.SetAddressFilter(c.current.SlaveAddress())
	}
	c.parser.Reset()
}

func (c *Client) beginTransmission() {
	for c.provider.Available() > 0 {
		if _, err := c.provider.ReadByte(); err != nil {
			break
		}
	}
	c.provider.OnBeginTransmission()
	c.task.SetCallback(c.transmit)
	c.task.Delay(c.provider.EstimateTransmitTime(1))
}

func (c *Client) transmit() {
	frame := c.current.frame
	n, err := c.provider.Write(frame)
	c.stats.BytesSent += uint64(n)
	c.stats.Requests++
	c.logger.Debug("send to modbus slave", "request", hex.EncodeToString(frame))
	if err != nil {
		c.logger.Debug("modbus write failed", "err", err)
		c.provider.OnEndTransmission()
		c.fail(modbus.SlaveDeviceFailure)
		c.task.SetCallback(c.dispatch)
		return
	}
	c.task.SetCallback(c.endTransmission)
	c.task.Delay(c.provider.EstimateTransmitTime(len(frame)) + time.Millisecond)
}

func (c *Client) endTransmission() {
	c.provider.OnEndTransmission()
	c.current.lastSentAt = c.sched.Now()

	if c.current.IsBroadcast() {
		c.task.SetCallback(c.completeBroadcast)
		c.task.Delay(c.current.deviceDelay)
		return
	}
	delay := c.provider.EstimateTransmitTime(c.current.expectedResponseSize()) + c.current.deviceDelay
	c.task.SetCallback(c.retrieve)
	c.task.Delay(delay)
}

// completeBroadcast reports a broadcast as done, no slave answers one.
func (c *Client) completeBroadcast() {
	req := c.current
	resp := &req.response
	resp.clear()
	resp.FunctionCode = req.FunctionCode()
	resp.Address = req.Address()
	resp.Quantity = req.Quantity()
	c.stats.Completions++
	if req.callback != nil {
		req.callback(resp)
	}
	c.task.SetCallback(c.dispatch)
}

func (c *Client) retrieve() {
	for !c.parser.IsComplete() && !c.parser.IsError() && c.provider.Available() > 0 {
		b, err := c.provider.ReadByte()
		if err != nil {
			break
		}
		c.stats.BytesReceived++
		c.parser.Parse(b)
	}

	if !c.parser.IsComplete() && !c.parser.IsError() {
		if !c.parser.IsIdle() {
			c.provider.OnIncompleteFrame(c.parser.Remaining())
		}
		elapsed := c.sched.Now().Sub(c.current.lastSentAt)
		if elapsed < c.current.timeout {
			wait := c.current.timeout - elapsed
			if c.retrieveInterval > 0 && c.retrieveInterval < wait {
				wait = c.retrieveInterval
			}
			c.task.Delay(wait)
			return
		}
		c.stats.Timeouts++
		c.logger.Debug("modbus response timed out",
			"slave", c.current.SlaveAddress(), "function", c.current.FunctionCode(), "timeout", c.current.timeout)
		c.fail(modbus.SlaveDeviceFailure)
	}
	c.task.SetCallback(c.dispatch)
}

// onComplete is called by the parser once a response passed its CRC check.
func (c *Client) onComplete(f *rtupacket.Frame) {
	req := c.current
	if c.validateFunctionCode && f.FunctionCode != req.FunctionCode() {
		c.fail(modbus.IllegalFunction)
		return
	}
	req.swapPayload(f.Payload)
	resp := &req.response
	resp.fill(f)
	c.logger.Debug("receive from modbus slave", "slave", f.SlaveAddress, "function", f.FunctionCode, "byte_count", f.ByteCount)
	c.stats.Completions++
	if req.callback != nil {
		req.callback(resp)
	}
	resp.Payload = nil
	c.parser.Release()
}

func (c *Client) onParserError(_ *rtupacket.Frame, kind modbus.ErrorKind) {
	c.fail(kind)
}

// fail routes an error to the global handler. The request's own callback is
// never called for errors.
func (c *Client) fail(kind modbus.ErrorKind) {
	req := c.current
	c.stats.Errors++
	c.lastError = kind
	c.lastErrorRequest = req
	resp := &req.response
	resp.clear()
	if c.parser.IsComplete() || c.parser.IsError() {
		resp.fill(c.parser.Frame())
	}
	if c.onError != nil {
		c.onError(resp, kind)
	}
	resp.Payload = nil
	c.parser.Release()
}
