// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fusion turns a tracker's raw orientation stream into a stable pose.
//
// Each sample is calibrated and then blended against the previous estimate with a weight
// that grows with the size of the rotation: small jitter is smoothed, fast motion passes
// through. A tracker whose linear acceleration stays above a threshold for a sustained
// window is flagged invalid until it settles again.
package fusion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/imu"
	"github.com/relabs-tech/bodytracker/internal/orientation"
)

// Config tunes the filter.
type Config struct {
	// MinAlpha is the blend weight given to a new sample that barely differs from the
	// current estimate. 1 disables smoothing.
	MinAlpha float64
	// SnapAngle is the rotation (radians) at and above which a sample replaces the
	// estimate outright.
	SnapAngle float64
	// AccelThreshold is the linear acceleration magnitude (m/s²) treated as a knock.
	AccelThreshold float64
	// AccelWindow is how long acceleration must stay above (or below) the threshold
	// before validity flips.
	AccelWindow time.Duration
}

// DefaultConfig matches the server defaults.
func DefaultConfig() Config {
	return Config{
		MinAlpha:       0.2,
		SnapAngle:      25 * math.Pi / 180,
		AccelThreshold: 40,
		AccelWindow:    150 * time.Millisecond,
	}
}

// Pose is the filtered state of one tracker.
type Pose struct {
	Orientation quat.Number
	Valid       bool

	HasPosition bool
	Position    r3.Vec

	Acceleration r3.Vec
	Updated      time.Time
}

// IdentityPose is the pose of a tracker that never produced a usable sample.
func IdentityPose() Pose {
	return Pose{Orientation: orientation.Identity()}
}

// Filter is the per tracker fusion state. It is not safe for concurrent use; the
// tracker registry serializes access.
type Filter struct {
	cfg  Config
	pose Pose

	seeded  bool
	knocked bool

	overSince  time.Time
	underSince time.Time

	lastRaw imu.Sample
	haveRaw bool
	updates uint64
}

// NewFilter returns a filter in the identity / invalid state.
func NewFilter(cfg Config) *Filter {
	if cfg.MinAlpha <= 0 || cfg.MinAlpha > 1 {
		cfg.MinAlpha = DefaultConfig().MinAlpha
	}
	if cfg.SnapAngle <= 0 {
		cfg.SnapAngle = DefaultConfig().SnapAngle
	}
	return &Filter{cfg: cfg, pose: IdentityPose()}
}

// Pose returns the current estimate.
func (f *Filter) Pose() Pose {
	return f.pose
}

// Updates counts accepted samples.
func (f *Filter) Updates() uint64 {
	return f.updates
}

// LastRaw returns the most recent raw sample, if any.
func (f *Filter) LastRaw() (imu.Sample, bool) {
	return f.lastRaw, f.haveRaw
}

// Update runs one fusion step for s under calibration cal.
func (f *Filter) Update(s imu.Sample, cal Calibration) Pose {
	f.lastRaw = s
	f.haveRaw = true
	f.updates++

	over := f.trackAcceleration(s)
	target := cal.Apply(s.Orientation)

	switch {
	case !f.seeded:
		f.pose.Orientation = target
		f.seeded = true
	case over:
		// Hold the estimate while the sensor is being shaken.
	default:
		prev := f.pose.Orientation
		f.pose.Orientation = orientation.Slerp(prev, target, f.blendWeight(orientation.Angle(prev, target)))
	}
	f.pose.Orientation = orientation.Normalize(f.pose.Orientation)

	if s.HasPosition {
		f.pose.HasPosition = true
		f.pose.Position = s.Position
	}
	if s.HasAcceleration {
		f.pose.Acceleration = s.Acceleration
	}
	f.pose.Valid = !f.knocked
	f.pose.Updated = s.Time
	return f.pose
}

// Recalibrate re-seeds the estimate from the last raw sample under a new calibration, so
// a reset is visible immediately instead of being blended in.
func (f *Filter) Recalibrate(cal Calibration) Pose {
	if !f.haveRaw {
		return f.pose
	}
	f.pose.Orientation = cal.Apply(f.lastRaw.Orientation)
	f.seeded = true
	return f.pose
}

// blendWeight maps the rotation between estimate and sample to the weight of the sample.
func (f *Filter) blendWeight(angle float64) float64 {
	r := angle / f.cfg.SnapAngle
	if r >= 1 {
		return 1
	}
	return f.cfg.MinAlpha + (1-f.cfg.MinAlpha)*r*r
}

// trackAcceleration updates the knock state and reports whether s is above threshold.
func (f *Filter) trackAcceleration(s imu.Sample) bool {
	if !s.HasAcceleration || f.cfg.AccelThreshold <= 0 {
		return false
	}
	over := r3.Norm(s.Acceleration) > f.cfg.AccelThreshold
	if over {
		f.underSince = time.Time{}
		if f.overSince.IsZero() {
			f.overSince = s.Time
		}
		if s.Time.Sub(f.overSince) >= f.cfg.AccelWindow {
			f.knocked = true
		}
		return true
	}

	f.overSince = time.Time{}
	if f.knocked {
		if f.underSince.IsZero() {
			f.underSince = s.Time
		}
		if s.Time.Sub(f.underSince) >= f.cfg.AccelWindow {
			f.knocked = false
			f.underSince = time.Time{}
		}
	}
	return false
}
