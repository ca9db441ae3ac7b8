// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slave provides a register bank served by an rtu.Server.
//
// The bank is one flat image: coils and discrete inputs take one byte per bit
// (1 is ON), holding and input registers two bytes each in Modbus byte order.
// Each table is installed on the server as a mapped binding, so reads and
// writes go straight to the image.
package slave

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/scheduler"
	"github.com/ffutop/modbus-rtu/transport/rtu"
)

// MaxTableSize covers the full 16-bit address space.
const MaxTableSize = 65536

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t TableType) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete inputs"
	case TableHoldingRegisters:
		return "holding registers"
	case TableInputRegisters:
		return "input registers"
	default:
		return fmt.Sprintf("table(%d)", int(t))
	}
}

// Sizes is the number of elements in each table.
type Sizes struct {
	Coils            int
	DiscreteInputs   int
	HoldingRegisters int
	InputRegisters   int
}

// DefaultSizes gives every table the full address space.
var DefaultSizes = Sizes{MaxTableSize, MaxTableSize, MaxTableSize, MaxTableSize}

func (s Sizes) validate() error {
	for _, n := range []int{s.Coils, s.DiscreteInputs, s.HoldingRegisters, s.InputRegisters} {
		if n < 1 || n > MaxTableSize {
			return fmt.Errorf("invalid table size %d: must be within 1..%d", n, MaxTableSize)
		}
	}
	return nil
}

// ImageSize returns the number of bytes an image with these sizes takes.
func (s Sizes) ImageSize() int {
	return s.Coils + s.DiscreteInputs + 2*s.HoldingRegisters + 2*s.InputRegisters
}

// Bank is a register image. It is not safe for concurrent use, it belongs to
// the scheduler goroutine running its server.
type Bank struct {
	sizes   Sizes
	storage Storage
	image   []byte
	tables  [4][]byte
	dirty   bool
	logger  *slog.Logger
}

// NewBank returns a bank held in memory.
func NewBank(sizes Sizes) (*Bank, error) {
	return Open(MemoryStorage{}, sizes)
}

// OpenSharedImage returns a bank mapped from the file at path, created and
// resized as needed.
func OpenSharedImage(path string, sizes Sizes) (*Bank, error) {
	return Open(NewMmapStorage(path), sizes)
}

// SetLogger replaces slog.Default().
func (b *Bank) SetLogger(logger *slog.Logger) { b.logger = logger }

// Open loads a bank from storage.
func Open(storage Storage, sizes Sizes) (*Bank, error) {
	if err := sizes.validate(); err != nil {
		return nil, err
	}
	image, err := storage.Load(sizes.ImageSize())
	if err != nil {
		return nil, err
	}

	b := &Bank{sizes: sizes, storage: storage, image: image, logger: slog.Default()}
	off := 0
	for i, n := range []int{sizes.Coils, sizes.DiscreteInputs, 2 * sizes.HoldingRegisters, 2 * sizes.InputRegisters} {
		b.tables[i] = image[off : off+n : off+n]
		off += n
	}
	return b, nil
}

// Sizes returns the table sizes.
func (b *Bank) Sizes() Sizes { return b.sizes }

// Table returns the raw bytes of t.
func (b *Bank) Table(t TableType) []byte { return b.tables[t] }

func (b *Bank) Coil(address uint16) (bool, error) {
	return b.bit(TableCoils, address)
}

func (b *Bank) SetCoil(address uint16, on bool) error {
	return b.setBit(TableCoils, address, on)
}

func (b *Bank) DiscreteInput(address uint16) (bool, error) {
	return b.bit(TableDiscreteInputs, address)
}

func (b *Bank) SetDiscreteInput(address uint16, on bool) error {
	return b.setBit(TableDiscreteInputs, address, on)
}

func (b *Bank) HoldingRegister(address uint16) (uint16, error) {
	return b.register(TableHoldingRegisters, address)
}

func (b *Bank) SetHoldingRegister(address, value uint16) error {
	return b.setRegister(TableHoldingRegisters, address, value)
}

func (b *Bank) InputRegister(address uint16) (uint16, error) {
	return b.register(TableInputRegisters, address)
}

func (b *Bank) SetInputRegister(address, value uint16) error {
	return b.setRegister(TableInputRegisters, address, value)
}

func (b *Bank) bit(t TableType, address uint16) (bool, error) {
	if err := b.validateRange(t, address, 1); err != nil {
		return false, err
	}
	return b.tables[t][address] != 0, nil
}

func (b *Bank) setBit(t TableType, address uint16, on bool) error {
	if err := b.validateRange(t, address, 1); err != nil {
		return err
	}
	var v byte
	if on {
		v = 1
	}
	b.tables[t][address] = v
	b.dirty = true
	return nil
}

func (b *Bank) register(t TableType, address uint16) (uint16, error) {
	if err := b.validateRange(t, address, 1); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b.tables[t][2*int(address):]), nil
}

func (b *Bank) setRegister(t TableType, address, value uint16) error {
	if err := b.validateRange(t, address, 1); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.tables[t][2*int(address):], value)
	b.dirty = true
	return nil
}

func (b *Bank) elements(t TableType) int {
	switch t {
	case TableCoils:
		return b.sizes.Coils
	case TableDiscreteInputs:
		return b.sizes.DiscreteInputs
	case TableHoldingRegisters:
		return b.sizes.HoldingRegisters
	default:
		return b.sizes.InputRegisters
	}
}

func (b *Bank) validateRange(t TableType, address, quantity uint16) error {
	if int(address)+int(quantity) > b.elements(t) {
		return fmt.Errorf("%s out of bounds: address %d, quantity %d", t, address, quantity)
	}
	return nil
}

// bindings lists the function codes served from each table.
var bindings = []struct {
	functionCode byte
	table        TableType
}{
	{modbus.FuncCodeReadCoils, TableCoils},
	{modbus.FuncCodeWriteSingleCoil, TableCoils},
	{modbus.FuncCodeWriteMultipleCoils, TableCoils},
	{modbus.FuncCodeReadDiscreteInputs, TableDiscreteInputs},
	{modbus.FuncCodeReadHoldingRegisters, TableHoldingRegisters},
	{modbus.FuncCodeWriteSingleRegister, TableHoldingRegisters},
	{modbus.FuncCodeWriteMultipleRegisters, TableHoldingRegisters},
	{modbus.FuncCodeReadInputRegisters, TableInputRegisters},
}

// Install binds every table of the bank to srv at address 0.
func (b *Bank) Install(srv *rtu.Server) error {
	for _, el := range bindings {
		registerLength := 2
		if modbus.IsBitAccess(el.functionCode) {
			registerLength = 1
		}
		t := el.table
		_, err := srv.Bind(el.functionCode, 0, func(reply *rtu.Reply) { b.check(t, reply) }, b.tables[t], registerLength)
		if err != nil {
			return fmt.Errorf("failed to bind function 0x%02X: %w", el.functionCode, err)
		}
	}
	return nil
}

// check rejects requests the mapping must not serve. A request passing it is
// left to the mapping.
func (b *Bank) check(t TableType, reply *rtu.Reply) {
	quantity := reply.Quantity
	if modbus.IsWriteSingle(reply.FunctionCode) {
		quantity = 1
	}
	if !validQuantity(reply.FunctionCode, quantity) {
		b.reject(reply, modbus.IllegalDataValue)
		return
	}
	if err := b.validateRange(t, reply.Address, quantity); err != nil {
		b.logger.Debug("request outside the register bank", "function", reply.FunctionCode, "err", err)
		b.reject(reply, modbus.IllegalDataAddress)
		return
	}
	if !modbus.IsRead(reply.FunctionCode) {
		b.dirty = true
	}
}

func (b *Bank) reject(reply *rtu.Reply, kind modbus.ErrorKind) {
	if err := reply.SendException(kind); err != nil {
		b.logger.Debug("exception reply failed", "err", err)
	}
}

func validQuantity(fc byte, quantity uint16) bool {
	var limit uint16
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		limit = modbus.ReadBitsQuantityMax
	case modbus.FuncCodeWriteMultipleCoils:
		limit = modbus.WriteBitsQuantityMax
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		limit = modbus.ReadRegQuantityMax
	case modbus.FuncCodeWriteMultipleRegisters:
		limit = modbus.WriteRegQuantityMax
	default:
		limit = 1
	}
	return quantity >= 1 && quantity <= limit
}

// Dirty reports whether the image changed since the last Flush.
func (b *Bank) Dirty() bool { return b.dirty }

// Flush persists the image through its storage.
func (b *Bank) Flush() error {
	if err := b.storage.Flush(); err != nil {
		return fmt.Errorf("failed to flush register image: %w", err)
	}
	b.dirty = false
	return nil
}

// Sync registers a task on sched flushing a dirty image every interval.
func (b *Bank) Sync(sched *scheduler.Scheduler, interval time.Duration) *scheduler.Task {
	var task *scheduler.Task
	task = sched.NewTask("register-bank-sync", func() {
		if b.dirty {
			if err := b.Flush(); err != nil {
				b.logger.Error("Failed to flush register image", "err", err)
			}
		}
		task.Delay(interval)
	})
	task.Enable()
	return task
}

// Close flushes and releases the image.
func (b *Bank) Close() error {
	var err error
	if b.dirty {
		err = b.Flush()
	}
	if e := b.storage.Close(); e != nil && err == nil {
		err = e
	}
	b.image = nil
	b.tables = [4][]byte{}
	return err
}
