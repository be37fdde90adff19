// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bodytracker/internal/orientation"
)

func TestFullResetYieldsIdentity(t *testing.T) {
	raw := orientation.FromEuler(orientation.Pose{Roll: 12, Pitch: -20, Yaw: 135})
	cal := NoCalibration().WithReset(ResetFull, raw)
	assert.InDelta(t, 0, orientation.Angle(orientation.Identity(), cal.Apply(raw)), 1e-9)
}

func TestYawResetKeepsTilt(t *testing.T) {
	raw := orientation.FromEuler(orientation.Pose{Roll: 15, Pitch: 25, Yaw: -110})
	cal := NoCalibration().WithReset(ResetYaw, raw)

	got := orientation.ToEuler(cal.Apply(raw))
	assert.InDelta(t, 0, got.Yaw, 1e-6)
	assert.InDelta(t, 15, got.Roll, 1e-6)
	assert.InDelta(t, 25, got.Pitch, 1e-6)
}

func TestMountingResetRemovesTilt(t *testing.T) {
	raw := orientation.FromEuler(orientation.Pose{Roll: 30, Pitch: -15, Yaw: 40})
	cal := NoCalibration().WithReset(ResetMounting, raw)

	got := cal.Apply(raw)
	up := orientation.Rotate(got, orientation.Up)
	assert.InDelta(t, 1, up.Y, 1e-9)
	assert.InDelta(t, 40*math.Pi/180, orientation.Heading(got), 1e-9)
}

func TestResetsAreIdempotent(t *testing.T) {
	raw := orientation.FromEuler(orientation.Pose{Roll: -8, Pitch: 33, Yaw: 77})
	for _, kind := range []ResetKind{ResetYaw, ResetFull, ResetMounting} {
		t.Run(kind.String(), func(t *testing.T) {
			once := NoCalibration().WithReset(kind, raw)
			twice := once.WithReset(kind, raw)
			assert.InDelta(t, 0, orientation.Angle(once.Reset, twice.Reset), 1e-9)
			assert.InDelta(t, 0, orientation.Angle(once.Mounting, twice.Mounting), 1e-9)
		})
	}
}

func TestWithMountingNormalizes(t *testing.T) {
	q := orientation.FromAxisAngle(orientation.Forward, 1)
	q.Real *= 3
	cal := NoCalibration().WithMounting(q)
	assert.True(t, orientation.IsUnit(cal.Mounting, 1e-12))
}

func TestParseResetKind(t *testing.T) {
	for _, kind := range []ResetKind{ResetYaw, ResetFull, ResetMounting} {
		got, err := ParseResetKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
	_, err := ParseResetKind("sideways")
	assert.Error(t, err)
}
