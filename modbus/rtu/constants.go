// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5

	// MaxByteCount is the largest limit accepted by SetByteCountLimit, the
	// data part of a 253 byte PDU.
	MaxByteCount = 252

	// DefaultByteCountLimit bounds the payload buffer of a Parser.
	DefaultByteCountLimit = 96
)
