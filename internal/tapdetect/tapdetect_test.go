// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tapdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

const tick = 10 * time.Millisecond

// accelAt returns a spike of 10 m/s² on the listed ticks and rest otherwise.
func accelAt(spikes ...int) func(int) float64 {
	set := map[int]bool{}
	for _, s := range spikes {
		set[s] = true
	}
	return func(i int) float64 {
		if set[i] {
			return 10
		}
		return 0.3
	}
}

func TestDetectorCountsSeparateTaps(t *testing.T) {
	d := NewDetector(2, 1)
	accel := accelAt(10, 30)
	for i := 0; i <= 40; i++ {
		d.Update(t0.Add(time.Duration(i)*tick), accel(i), 0)
	}
	assert.Equal(t, 2, d.Taps())
	assert.Equal(t, t0.Add(300*time.Millisecond), d.DetectedAt())

	d.Reset()
	assert.Zero(t, d.Taps())
}

func TestDetectorNeedsCalmBetweenTaps(t *testing.T) {
	d := NewDetector(3, 1)
	for i := 0; i <= 40; i++ {
		a := 0.3
		if i >= 10 && i < 30 && i%2 == 0 {
			a = 12
		}
		d.Update(t0.Add(time.Duration(i)*tick), a, 0)
	}
	assert.Equal(t, 1, d.Taps())
}

func TestDetectorForgetsOldTaps(t *testing.T) {
	d := NewDetector(2, 1)
	accel := accelAt(10, 80)
	for i := 0; i <= 90; i++ {
		d.Update(t0.Add(time.Duration(i)*tick), accel(i), 0)
	}
	assert.Equal(t, 1, d.Taps())
}

func TestDetectorIgnoresTapsWhileBodyMoves(t *testing.T) {
	d := NewDetector(2, 1)
	accel := accelAt(10, 30)
	for i := 0; i <= 40; i++ {
		d.Update(t0.Add(time.Duration(i)*tick), accel(i), 1)
	}
	assert.Zero(t, d.Taps())
}

func views(chest tracker.Identity, chestAccel float64, hip tracker.Identity, hipAccel float64) []tracker.View {
	return []tracker.View{
		{ID: chest, State: tracker.Active, Pose: fusion.Pose{Valid: true, Acceleration: r3.Vec{Y: chestAccel}}},
		{ID: hip, State: tracker.Active, Pose: fusion.Pose{Valid: true, Acceleration: r3.Vec{Y: hipAccel}}},
	}
}

func TestManagerTriggersQuickReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuickResetDelay = 100 * time.Millisecond
	m := NewManager(cfg)

	const chest, hip = tracker.Identity("mac:00:00:00:00:00:01"), tracker.Identity("mac:00:00:00:00:00:02")
	model := skeleton.DefaultModel().Assign(skeleton.Chest, chest).Assign(skeleton.Hip, hip)

	accel := accelAt(10, 30)
	fired := map[int][]fusion.ResetKind{}
	for i := 0; i <= 60; i++ {
		if due := m.Update(model, views(chest, accel(i), hip, 0.1), t0.Add(time.Duration(i)*tick)); len(due) > 0 {
			fired[i] = due
		}
	}
	assert.Equal(t, map[int][]fusion.ResetKind{41: {fusion.ResetYaw}}, fired)
}

func TestManagerQuietWhenBodyMoves(t *testing.T) {
	m := NewManager(DefaultConfig())
	const chest, hip = tracker.Identity("mac:00:00:00:00:00:01"), tracker.Identity("mac:00:00:00:00:00:02")
	model := skeleton.DefaultModel().Assign(skeleton.Chest, chest).Assign(skeleton.Hip, hip)

	accel := accelAt(10, 30)
	for i := 0; i <= 200; i++ {
		due := m.Update(model, views(chest, accel(i), hip, 5), t0.Add(time.Duration(i)*tick))
		assert.Empty(t, due, "tick %d", i)
	}
}

func TestManagerDisabledOrUnassigned(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	off := NewManager(cfg)
	unassigned := NewManager(DefaultConfig())

	const chest, hip = tracker.Identity("mac:00:00:00:00:00:01"), tracker.Identity("mac:00:00:00:00:00:02")
	model := skeleton.DefaultModel().Assign(skeleton.Chest, chest)

	accel := accelAt(10, 30)
	for i := 0; i <= 300; i++ {
		now := t0.Add(time.Duration(i) * tick)
		assert.Empty(t, off.Update(model, views(chest, accel(i), hip, 0), now))
		assert.Empty(t, unassigned.Update(skeleton.DefaultModel(), views(chest, accel(i), hip, 0), now))
	}
}
