// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
)

// Source is anything that can provide orientations over time.
type Source interface {
	Next() (quat.Number, error)
}

type mockSource struct {
	start time.Time
	phase float64
	now   func() time.Time
}

// NewMockSource creates a mock orientation source that generates smooth changing
// values. phase offsets the motion so several simulated trackers do not move in lockstep.
func NewMockSource(phase float64) Source {
	return &mockSource{start: time.Now(), phase: phase, now: time.Now}
}

func (m *mockSource) Next() (quat.Number, error) {
	elapsed := m.now().Sub(m.start).Seconds() + m.phase

	return FromEuler(Pose{
		Roll:  20 * math.Sin(elapsed),
		Pitch: 15 * math.Cos(elapsed*0.7),
		Yaw:   math.Mod(elapsed*30, 360),
	}), nil
}
