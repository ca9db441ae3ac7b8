// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol constants and the error taxonomy shared by
// the RTU codec and the client/server engines.
package modbus

// Address limits.
const (
	AddressBroadcast = 0
	AddressMin       = 1
	AddressMax       = 247
)

// Function Codes
const (
	FuncCodeReadCoils          = 0x01
	FuncCodeReadDiscreteInputs = 0x02
	FuncCodeWriteSingleCoil    = 0x05
	FuncCodeWriteMultipleCoils = 0x0F

	FuncCodeReadHoldingRegisters       = 0x03
	FuncCodeReadInputRegisters         = 0x04
	FuncCodeWriteSingleRegister        = 0x06
	FuncCodeWriteMultipleRegisters     = 0x10
	FuncCodeMaskWriteRegister          = 0x16
	FuncCodeReadWriteMultipleRegisters = 0x17
	FuncCodeReadFIFOQueue              = 0x18
)

// ExceptionFlag is set on the function code of an exception response.
const ExceptionFlag = 0x80

// Exception Codes
const (
	ExceptionCodeIllegalFunction     = 0x01
	ExceptionCodeIllegalDataAddress  = 0x02
	ExceptionCodeIllegalDataValue    = 0x03
	ExceptionCodeServerDeviceFailure = 0x04
	ExceptionCodeAcknowledge         = 0x05
	ExceptionCodeServerDeviceBusy    = 0x06
)

// Quantity limits per request.
const (
	ReadBitsQuantityMax  = 2000
	WriteBitsQuantityMax = 1968
	ReadRegQuantityMax   = 125
	WriteRegQuantityMax  = 123
)

// IsRead reports whether fc belongs to the bit/register read family (1-4).
func IsRead(fc byte) bool {
	return fc >= FuncCodeReadCoils && fc <= FuncCodeReadInputRegisters
}

// IsWriteSingle reports whether fc writes a single coil or register.
func IsWriteSingle(fc byte) bool {
	return fc == FuncCodeWriteSingleCoil || fc == FuncCodeWriteSingleRegister
}

// IsWriteMultiple reports whether fc writes multiple coils or registers.
func IsWriteMultiple(fc byte) bool {
	return fc == FuncCodeWriteMultipleCoils || fc == FuncCodeWriteMultipleRegisters
}

// IsBitAccess reports whether fc addresses coils or discrete inputs.
func IsBitAccess(fc byte) bool {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return true
	}
	return false
}
