// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"

	"github.com/relabs-tech/bodytracker/internal/orientation"
)

// ResetKind selects which calibration offset a reset recomputes.
type ResetKind int

const (
	// ResetYaw re-zeroes the heading only.
	ResetYaw ResetKind = iota
	// ResetFull makes the current orientation the reference pose.
	ResetFull
	// ResetMounting removes the tilt of the tracker on its strap.
	ResetMounting
)

func (k ResetKind) String() string {
	switch k {
	case ResetYaw:
		return "yaw"
	case ResetFull:
		return "full"
	case ResetMounting:
		return "mounting"
	default:
		return fmt.Sprintf("reset(%d)", int(k))
	}
}

// ParseResetKind accepts the names produced by String.
func ParseResetKind(s string) (ResetKind, error) {
	switch s {
	case "yaw", "quick":
		return ResetYaw, nil
	case "full":
		return ResetFull, nil
	case "mounting":
		return ResetMounting, nil
	}
	return 0, fmt.Errorf("unknown reset kind %q", s)
}

// Calibration is the pair of offsets applied to every raw orientation:
//
//	calibrated = Reset ⊗ raw ⊗ Mounting
//
// Offsets are absolute. Every reset is computed from the raw orientation alone, so
// repeating a reset with the same input gives the same result.
type Calibration struct {
	Reset    quat.Number
	Mounting quat.Number
}

// NoCalibration leaves raw orientations untouched.
func NoCalibration() Calibration {
	return Calibration{Reset: orientation.Identity(), Mounting: orientation.Identity()}
}

// Apply returns the calibrated orientation for raw.
func (c Calibration) Apply(raw quat.Number) quat.Number {
	return orientation.Mul(c.Reset, raw, c.Mounting)
}

// WithReset computes the offset selected by kind from the current raw orientation.
func (c Calibration) WithReset(kind ResetKind, raw quat.Number) Calibration {
	raw = orientation.Normalize(raw)
	switch kind {
	case ResetFull:
		c.Reset = orientation.Inverse(orientation.Mul(raw, c.Mounting))
	case ResetYaw:
		c.Reset = orientation.Inverse(orientation.YawOnly(orientation.Mul(raw, c.Mounting)))
	case ResetMounting:
		c.Mounting = orientation.Mul(orientation.Inverse(raw), orientation.YawOnly(raw))
	}
	return c
}

// WithMounting sets an explicit mounting rotation.
func (c Calibration) WithMounting(q quat.Number) Calibration {
	c.Mounting = orientation.Normalize(q)
	return c
}
