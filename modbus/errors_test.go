// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestErrorKindExceptionCode(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want byte
	}{
		{IllegalFunction, ExceptionCodeIllegalFunction},
		{IllegalDataAddress, ExceptionCodeIllegalDataAddress},
		{IllegalDataValue, ExceptionCodeIllegalDataValue},
		{ByteLimitExceeded, ExceptionCodeIllegalDataValue},
		{CRCMismatch, ExceptionCodeServerDeviceFailure},
		{SlaveDeviceFailure, ExceptionCodeServerDeviceFailure},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.kind.ExceptionCode(), tt.want)
		})
	}
}

func TestErrorKindFromException(t *testing.T) {
	assert.Equal(t, ErrorKindFromException(0x01), IllegalFunction)
	assert.Equal(t, ErrorKindFromException(0x02), IllegalDataAddress)
	assert.Equal(t, ErrorKindFromException(0x03), IllegalDataValue)
	assert.Equal(t, ErrorKindFromException(0x04), SlaveDeviceFailure)
	assert.Equal(t, ErrorKindFromException(0x0B), SlaveDeviceFailure)
}

func TestErrorIs(t *testing.T) {
	assert.NilError(t, None.Err())

	err := CRCMismatch.Err()
	assert.Assert(t, errors.Is(err, ErrCRCMismatch))
	assert.Assert(t, !errors.Is(err, ErrIllegalDataValue))
	assert.Error(t, err, "modbus: crc mismatch")
}

func TestFunctionFamilies(t *testing.T) {
	assert.Assert(t, IsRead(FuncCodeReadInputRegisters))
	assert.Assert(t, !IsRead(FuncCodeWriteSingleRegister))
	assert.Assert(t, IsWriteSingle(FuncCodeWriteSingleCoil))
	assert.Assert(t, IsWriteMultiple(FuncCodeWriteMultipleRegisters))
	assert.Assert(t, IsBitAccess(FuncCodeWriteMultipleCoils))
	assert.Assert(t, !IsBitAccess(FuncCodeReadHoldingRegisters))
}
