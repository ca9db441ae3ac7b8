// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a protocol failure seen by the codec or an engine.
type ErrorKind int

const (
	None ErrorKind = iota
	CRCMismatch
	IllegalFunction
	IllegalDataAddress
	IllegalDataValue
	// SlaveDeviceFailure is raised locally by the client when a response times out.
	SlaveDeviceFailure
	ByteLimitExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case None:
		return "none"
	case CRCMismatch:
		return "crc mismatch"
	case IllegalFunction:
		return "illegal function"
	case IllegalDataAddress:
		return "illegal data address"
	case IllegalDataValue:
		return "illegal data value"
	case SlaveDeviceFailure:
		return "slave device failure"
	case ByteLimitExceeded:
		return "byte limit exceeded"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// ExceptionCode returns the Modbus exception code sent on the wire for k.
// CRC and byte limit failures have no dedicated code; they are reported as
// server device failure and illegal data value respectively.
func (k ErrorKind) ExceptionCode() byte {
	switch k {
	case IllegalFunction:
		return ExceptionCodeIllegalFunction
	case IllegalDataAddress:
		return ExceptionCodeIllegalDataAddress
	case IllegalDataValue, ByteLimitExceeded:
		return ExceptionCodeIllegalDataValue
	default:
		return ExceptionCodeServerDeviceFailure
	}
}

// ErrorKindFromException maps an exception code received from a slave.
func ErrorKindFromException(code byte) ErrorKind {
	switch code {
	case ExceptionCodeIllegalFunction:
		return IllegalFunction
	case ExceptionCodeIllegalDataAddress:
		return IllegalDataAddress
	case ExceptionCodeIllegalDataValue:
		return IllegalDataValue
	default:
		return SlaveDeviceFailure
	}
}

var (
	ErrCRCMismatch        = &Error{Kind: CRCMismatch}
	ErrIllegalFunction    = &Error{Kind: IllegalFunction}
	ErrIllegalDataAddress = &Error{Kind: IllegalDataAddress}
	ErrIllegalDataValue   = &Error{Kind: IllegalDataValue}
	ErrSlaveDeviceFailure = &Error{Kind: SlaveDeviceFailure}
	ErrByteLimitExceeded  = &Error{Kind: ByteLimitExceeded}
)

// Error adapts an ErrorKind to the error interface.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return "modbus: " + e.Kind.String()
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Err returns k as an error, or nil for None.
func (k ErrorKind) Err() error {
	if k == None {
		return nil
	}
	return &Error{Kind: k}
}
