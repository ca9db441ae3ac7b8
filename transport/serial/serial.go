// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial opens RS232 and RS485 ports as transport Providers.
package serial

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-rtu/transport"
	"github.com/ffutop/modbus-rtu/transport/stream"
)

// readTimeout bounds each driver read so the receiver notices Close.
const readTimeout = 100 * time.Millisecond

// Config describes a serial line.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
	Timeout  time.Duration

	// RS485 is applied only by OpenRS485.
	RS485 serial.RS485Config
}

func (c *Config) serialConfig() *serial.Config {
	cfg := &serial.Config{
		Address:  c.Device,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.Timeout,
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 19200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "E"
	}
	if cfg.Timeout <= 0 || cfg.Timeout > readTimeout {
		cfg.Timeout = readTimeout
	}
	return cfg
}

// Open opens a plain serial Provider.
func Open(c Config, opts ...stream.Option) (*stream.Stream, error) {
	return open(c.serialConfig(), transport.KindSerial, opts)
}

// OpenRS485 opens a serial Provider whose driver toggles RTS around every
// transmission according to c.RS485.
func OpenRS485(c Config, opts ...stream.Option) (*stream.Stream, error) {
	cfg := c.serialConfig()
	cfg.RS485 = c.RS485
	cfg.RS485.Enabled = true
	return open(cfg, transport.KindRS485, opts)
}

func open(cfg *serial.Config, kind transport.Kind, opts []stream.Option) (*stream.Stream, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Address, err)
	}
	slog.Info("serial port opened", "device", cfg.Address, "baud_rate", cfg.BaudRate, "kind", kind)
	opts = append([]stream.Option{stream.WithKind(kind), stream.WithRetryable(isTimeout)}, opts...)
	return stream.New(port, cfg.BaudRate, opts...), nil
}

// isTimeout reports the driver's read timeout, the only error a healthy port
// returns while the line is quiet.
func isTimeout(err error) bool {
	return errors.Is(err, serial.ErrTimeout)
}
