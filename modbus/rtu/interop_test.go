// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu_test

import (
	"testing"

	mb "github.com/goburrow/modbus"
	"gotest.tools/v3/assert"

	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/modbus/rtu"
)

// goburrow's RTU packager is an independent implementation of the same wire
// format, so frames must agree byte for byte in both directions.

func TestInteropEncodeRequest(t *testing.T) {
	handler := mb.NewRTUClientHandler("")
	handler.SlaveId = 0x11

	tests := []struct {
		name  string
		frame rtu.Frame
		pdu   mb.ProtocolDataUnit
	}{
		{
			"ReadInputRegisters",
			rtu.Frame{SlaveAddress: 0x11, FunctionCode: modbus.FuncCodeReadInputRegisters, Address: 0x0001, Quantity: 40},
			mb.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadInputRegisters, Data: []byte{0x00, 0x01, 0x00, 0x28}},
		},
		{
			"WriteSingleRegister",
			rtu.Frame{SlaveAddress: 0x11, FunctionCode: modbus.FuncCodeWriteSingleRegister, Address: 0x0002, Payload: []byte{0x12, 0x34}},
			mb.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleRegister, Data: []byte{0x00, 0x02, 0x12, 0x34}},
		},
		{
			"WriteMultipleRegisters",
			rtu.Frame{SlaveAddress: 0x11, FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Address: 0x0010, Quantity: 2, Payload: []byte{0x00, 0x0A, 0x01, 0x02}},
			mb.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: []byte{0x00, 0x10, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := handler.Encode(&tt.pdu)
			assert.NilError(t, err)

			got, err := tt.frame.AppendRequest(nil)
			assert.NilError(t, err)
			assert.DeepEqual(t, got, want)

			decoded, err := handler.Decode(got)
			assert.NilError(t, err)
			assert.Equal(t, decoded.FunctionCode, tt.pdu.FunctionCode)
			assert.DeepEqual(t, decoded.Data, tt.pdu.Data)
		})
	}
}

func TestInteropDecodeResponse(t *testing.T) {
	handler := mb.NewRTUClientHandler("")
	handler.SlaveId = 0x01

	payload := make([]byte, 80)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	adu, err := handler.Encode(&mb.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadInputRegisters,
		Data:         append([]byte{byte(len(payload))}, payload...),
	})
	assert.NilError(t, err)

	f, err := rtu.DecodeResponse(adu)
	assert.NilError(t, err)
	assert.Equal(t, f.SlaveAddress, byte(0x01))
	assert.Equal(t, f.ByteCount, byte(80))
	assert.DeepEqual(t, f.Payload, payload)
}

func TestInteropException(t *testing.T) {
	handler := mb.NewRTUClientHandler("")
	handler.SlaveId = 0x11

	want, err := handler.Encode(&mb.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters | modbus.ExceptionFlag,
		Data:         []byte{modbus.ExceptionCodeIllegalDataAddress},
	})
	assert.NilError(t, err)

	got, err := rtu.EncodeException(0x11, modbus.FuncCodeReadHoldingRegisters, modbus.ExceptionCodeIllegalDataAddress)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}
