// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/grid-x/serial"
	"gotest.tools/v3/assert"
)

func TestSerialConfigDefaults(t *testing.T) {
	cfg := (&Config{Device: "/dev/ttyUSB0"}).serialConfig()

	assert.Equal(t, cfg.Address, "/dev/ttyUSB0")
	assert.Equal(t, cfg.BaudRate, 19200)
	assert.Equal(t, cfg.DataBits, 8)
	assert.Equal(t, cfg.StopBits, 1)
	assert.Equal(t, cfg.Parity, "E")
	assert.Equal(t, cfg.Timeout, readTimeout)
	assert.Assert(t, !cfg.RS485.Enabled)
}

func TestSerialConfigKeepsValues(t *testing.T) {
	cfg := (&Config{
		Device:   "/dev/ttyS1",
		BaudRate: 9600,
		DataBits: 7,
		Parity:   "N",
		StopBits: 2,
		Timeout:  20 * time.Millisecond,
	}).serialConfig()

	assert.Equal(t, cfg.BaudRate, 9600)
	assert.Equal(t, cfg.DataBits, 7)
	assert.Equal(t, cfg.StopBits, 2)
	assert.Equal(t, cfg.Parity, "N")
	assert.Equal(t, cfg.Timeout, 20*time.Millisecond)
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(Config{Device: "/dev/modbus-rtu-does-not-exist"})
	assert.ErrorContains(t, err, "could not open /dev/modbus-rtu-does-not-exist")
}

func TestIsTimeout(t *testing.T) {
	assert.Assert(t, isTimeout(serial.ErrTimeout))
	assert.Assert(t, isTimeout(fmt.Errorf("read: %w", serial.ErrTimeout)))
	assert.Assert(t, !isTimeout(syscall.EIO))
}
