// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-9

func TestEulerRoundTrip(t *testing.T) {
	poses := []Pose{
		{},
		{Roll: 10, Pitch: 20, Yaw: 30},
		{Roll: -45, Pitch: 5, Yaw: 170},
		{Roll: 80, Pitch: -60, Yaw: -90},
	}
	for _, p := range poses {
		got := ToEuler(FromEuler(p))
		assert.InDelta(t, p.Roll, got.Roll, 1e-6, "roll for %+v", p)
		assert.InDelta(t, p.Pitch, got.Pitch, 1e-6, "pitch for %+v", p)
		assert.InDelta(t, p.Yaw, got.Yaw, 1e-6, "yaw for %+v", p)
	}
}

func TestSlerp(t *testing.T) {
	a := Identity()
	b := FromAxisAngle(Up, math.Pi/2)

	t.Run("endpoints", func(t *testing.T) {
		assert.InDelta(t, 0, Angle(a, Slerp(a, b, 0)), 1e-6)
		assert.InDelta(t, 0, Angle(b, Slerp(a, b, 1)), 1e-6)
	})

	t.Run("midpoint is half the angle", func(t *testing.T) {
		mid := Slerp(a, b, 0.5)
		assert.InDelta(t, math.Pi/4, Angle(a, mid), 1e-9)
		assert.True(t, IsUnit(mid, tol))
	})

	t.Run("takes the short way round", func(t *testing.T) {
		neg := quat.Scale(-1, b)
		mid := Slerp(a, neg, 0.5)
		assert.InDelta(t, math.Pi/4, Angle(a, mid), 1e-9)
	})

	t.Run("nearly parallel stays normalized", func(t *testing.T) {
		c := FromAxisAngle(Up, 1e-5)
		assert.True(t, IsUnit(Slerp(a, c, 0.3), tol))
	})
}

func TestRotate(t *testing.T) {
	q := FromAxisAngle(Up, math.Pi/2)
	v := Rotate(q, Forward)
	assert.InDelta(t, 1, v.X, tol)
	assert.InDelta(t, 0, v.Y, tol)
	assert.InDelta(t, 0, v.Z, tol)
}

func TestHeadingIgnoresTilt(t *testing.T) {
	q := FromEuler(Pose{Roll: 25, Pitch: -30, Yaw: 60})
	assert.InDelta(t, 60*math.Pi/180, Heading(q), 1e-9)

	yaw := YawOnly(q)
	assert.InDelta(t, 60*math.Pi/180, Angle(Identity(), yaw), 1e-9)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(Rotate(yaw, Up), Up)), 1e-9)
}

func TestNormalizeDegenerate(t *testing.T) {
	assert.Equal(t, Identity(), Normalize(quat.Number{}))
	assert.Equal(t, Identity(), Normalize(quat.Number{Real: math.NaN()}))
}

func TestMockSourceProducesUnitQuaternions(t *testing.T) {
	src := NewMockSource(0.5)
	for i := 0; i < 10; i++ {
		q, err := src.Next()
		assert.NoError(t, err)
		assert.True(t, IsUnit(q, 1e-9))
	}
}

func TestBetween(t *testing.T) {
	cases := []struct{ from, to r3.Vec }{
		{Forward, Right},
		{Up, r3.Vec{X: 1, Y: 1, Z: -1}},
		{Down, Down},
		{Up, Down},
		{Right, Left},
	}
	for _, c := range cases {
		q := Between(c.from, c.to)
		got := Rotate(q, c.from)
		want := r3.Scale(r3.Norm(c.from)/r3.Norm(c.to), c.to)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(got, want)), 1e-9, "%v -> %v", c.from, c.to)
	}
}
