// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sample is a single raw tracker reading as received from the wire, before calibration
// and filtering. It lives only for one fusion step.
type Sample struct {
	Time        time.Time
	Sequence    uint64
	Orientation quat.Number

	HasAcceleration bool
	Acceleration    r3.Vec // m/s², gravity removed

	HasPosition bool
	Position    r3.Vec // metres
}
