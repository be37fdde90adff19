// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tapdetect lets a user trigger resets by tapping a tracker a few times.
//
// A detector watches the acceleration magnitude of one tracker. A jump of more than
// NeededAccelDelta inside a short clump window counts as a tap; the next tap only counts
// once the tracker calmed down again. Taps are forgotten when they fall out of the tap
// window or when other body trackers show the user is moving.
package tapdetect

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

const (
	// NeededAccelDelta is the rise in m/s² inside ClumpWindow that registers a tap.
	NeededAccelDelta = 6.0
	// AllowedBodyAccel is the magnitude in m/s² considered at rest.
	AllowedBodyAccel = 2.5
	// ClumpWindow is how far back samples are compared for a tap.
	ClumpWindow = 60 * time.Millisecond
	// tapSpacing is the tap window granted per expected tap.
	tapSpacing = 300 * time.Millisecond
)

// Detector counts taps on one tracker.
type Detector struct {
	window        time.Duration
	overThreshold int

	mags  []float64
	times []time.Time

	taps       []time.Time
	count      int
	detectedAt time.Time
	waitForLow bool
}

// NewDetector expects maxTaps taps. Taps are discarded while at least overThreshold
// other body trackers exceed AllowedBodyAccel.
func NewDetector(maxTaps, overThreshold int) *Detector {
	if maxTaps < 1 {
		maxTaps = 1
	}
	if overThreshold < 1 {
		overThreshold = 1
	}
	return &Detector{
		window:        time.Duration(maxTaps) * tapSpacing,
		overThreshold: overThreshold,
	}
}

// Taps is the highest tap count seen since the last Reset.
func (d *Detector) Taps() int { return d.count }

// DetectedAt is when Taps last increased.
func (d *Detector) DetectedAt() time.Time { return d.detectedAt }

// Reset forgets all taps.
func (d *Detector) Reset() {
	d.mags = d.mags[:0]
	d.times = d.times[:0]
	d.taps = d.taps[:0]
	d.count = 0
}

// Update feeds the watched tracker's acceleration magnitude. othersMoving is the number
// of other body trackers currently above AllowedBodyAccel.
func (d *Detector) Update(now time.Time, accel float64, othersMoving int) {
	d.mags = append(d.mags, accel)
	d.times = append(d.times, now)
	drop := 0
	for drop < len(d.times)-1 && now.Sub(d.times[drop]) > ClumpWindow {
		drop++
	}
	d.mags = d.mags[drop:]
	d.times = d.times[drop:]

	if floats.Max(d.mags)-floats.Min(d.mags) > NeededAccelDelta && !d.waitForLow {
		d.taps = append(d.taps, now)
		d.waitForLow = true
	}
	if floats.Max(d.mags) < AllowedBodyAccel {
		d.waitForLow = false
	}

	for len(d.taps) > 0 && now.Sub(d.taps[0]) > d.window {
		d.taps = d.taps[1:]
	}
	if len(d.taps) == 0 {
		return
	}

	if othersMoving >= d.overThreshold {
		d.taps = d.taps[:0]
		d.mags = d.mags[:0]
		d.times = d.times[:0]
	}

	if n := len(d.taps); n > d.count {
		d.count = n
		d.detectedAt = now
	}
}
