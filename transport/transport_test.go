// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestTransmitTime(t *testing.T) {
	tests := []struct {
		name string
		bps  int
		n    int
		want time.Duration
	}{
		{"9600Request", 9600, 8, 8 * time.Millisecond},
		{"9600Rounded", 9600, 5, 5 * time.Millisecond},
		{"19200MaxFrame", 19200, 256, 133 * time.Millisecond},
		{"115200Single", 115200, 1, 0},
		{"115200Twelve", 115200, 12, 1 * time.Millisecond},
		{"ZeroRate", 0, 8, 0},
		{"ZeroBytes", 9600, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, TransmitTime(tt.bps, tt.n), tt.want)
		})
	}
}

func TestTimingEstimator(t *testing.T) {
	var e Estimator = Timing{BitsPerSecond: 9600}
	assert.Equal(t, e.EstimateTransmitTime(85), 89*time.Millisecond)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindSerial, KindRS485, KindLoopback, KindStream} {
		got, err := ParseKind(k.String())
		assert.NilError(t, err)
		assert.Equal(t, got, k)
	}
	got, err := ParseKind("RTU")
	assert.NilError(t, err)
	assert.Equal(t, got, KindSerial)

	_, err = ParseKind("tcp")
	assert.ErrorContains(t, err, "unknown kind")
}
