// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp carries raw RTU frames over a TCP connection, as spoken
// by serial device servers.
package rtuovertcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ffutop/modbus-rtu/transport"
	"github.com/ffutop/modbus-rtu/transport/stream"
)

const (
	tcpTimeout = 10 * time.Second

	// DefaultBitsPerSecond paces the engines when the serial side of the
	// device server is unknown.
	DefaultBitsPerSecond = 115200
)

// Dial connects to address and returns the connection as a Provider. bps is
// the baud rate of the serial line behind the device server; 0 selects
// DefaultBitsPerSecond.
func Dial(ctx context.Context, address string, bps int, opts ...stream.Option) (*stream.Stream, error) {
	dialer := net.Dialer{Timeout: tcpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("modbus: failed to connect to %s: %w", address, err)
	}
	return Wrap(conn, bps, opts...), nil
}

// Wrap turns an established connection into a Provider.
func Wrap(conn net.Conn, bps int, opts ...stream.Option) *stream.Stream {
	if bps <= 0 {
		bps = DefaultBitsPerSecond
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	slog.Info("rtu over tcp connected", "remote", conn.RemoteAddr().String())
	opts = append([]stream.Option{stream.WithKind(transport.KindStream)}, opts...)
	return stream.New(conn, bps, opts...)
}
