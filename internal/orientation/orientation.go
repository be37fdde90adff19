// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package orientation holds the quaternion and vector helpers shared by fusion and the
// skeleton solver. Frames are right handed with +Y up, +X to the subject's right and
// +Z forward.
package orientation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	Up      = r3.Vec{Y: 1}
	Down    = r3.Vec{Y: -1}
	Left    = r3.Vec{X: -1}
	Right   = r3.Vec{X: 1}
	Forward = r3.Vec{Z: 1}
)

// Pose is roll/pitch/yaw in degrees, used for logs and human readable payloads.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Identity is the no-rotation quaternion.
func Identity() quat.Number {
	return quat.Number{Real: 1}
}

// Normalize returns q scaled to unit length. Degenerate input yields Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity()
	}
	return quat.Scale(1/n, q)
}

// IsUnit reports whether q has unit length within tol.
func IsUnit(q quat.Number, tol float64) bool {
	return math.Abs(quat.Abs(q)-1) <= tol
}

// Dot is the 4D dot product.
func Dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Angle returns the rotation angle in radians needed to go from a to b.
func Angle(a, b quat.Number) float64 {
	r := quat.Mul(quat.Conj(Normalize(a)), Normalize(b))
	v := math.Sqrt(r.Imag*r.Imag + r.Jmag*r.Jmag + r.Kmag*r.Kmag)
	// atan2 stays accurate for nearly equal rotations where acos of the dot does not.
	return 2 * math.Atan2(v, math.Abs(r.Real))
}

// Inverse of a unit quaternion.
func Inverse(q quat.Number) quat.Number {
	return quat.Conj(Normalize(q))
}

// Mul multiplies left to right and renormalizes the result.
func Mul(qs ...quat.Number) quat.Number {
	out := Identity()
	for _, q := range qs {
		out = quat.Mul(out, q)
	}
	return Normalize(out)
}

// Slerp interpolates along the shortest arc from a (t=0) to b (t=1).
func Slerp(a, b quat.Number, t float64) quat.Number {
	a, b = Normalize(a), Normalize(b)
	d := Dot(a, b)
	if d < 0 {
		b = quat.Scale(-1, b)
		d = -d
	}
	if d > 0.9995 {
		// Nearly parallel; lerp is accurate and avoids dividing by sin(~0).
		return Normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}
	theta := math.Acos(d)
	s := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / s
	wb := math.Sin(t*theta) / s
	return Normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}

// FromAxisAngle builds the rotation of angle radians about axis.
func FromAxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n < 1e-12 {
		return Identity()
	}
	axis = r3.Scale(1/n, axis)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// Rotate applies q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	q = Normalize(q)
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// Heading returns the rotation of q about the vertical axis in radians, measured from +Z
// towards +X. A forward axis pointing straight up or down falls back to the up axis.
func Heading(q quat.Number) float64 {
	f := Rotate(q, Forward)
	if math.Hypot(f.X, f.Z) < 1e-6 {
		u := Rotate(q, Up)
		if f.Y > 0 {
			u = r3.Scale(-1, u)
		}
		f = u
	}
	return math.Atan2(f.X, f.Z)
}

// YawOnly keeps only the heading component of q.
func YawOnly(q quat.Number) quat.Number {
	return FromAxisAngle(Up, Heading(q))
}

// FromEuler builds a quaternion from a Pose: yaw about Y, then pitch about X, then roll
// about Z.
func FromEuler(p Pose) quat.Number {
	y := FromAxisAngle(Up, p.Yaw*math.Pi/180)
	x := FromAxisAngle(Right, -p.Pitch*math.Pi/180)
	z := FromAxisAngle(Forward, p.Roll*math.Pi/180)
	return Mul(y, x, z)
}

// ToEuler converts q into a Pose in degrees.
func ToEuler(q quat.Number) Pose {
	f := Rotate(q, Forward)
	r := Rotate(q, Right)
	u := Rotate(q, Up)

	yaw := math.Atan2(f.X, f.Z)
	pitch := math.Atan2(f.Y, math.Hypot(f.X, f.Z))
	roll := math.Atan2(r.Y, u.Y)

	return Pose{
		Roll:  roll * 180 / math.Pi,
		Pitch: pitch * 180 / math.Pi,
		Yaw:   yaw * 180 / math.Pi,
	}
}

// Finite reports whether every component of v is a finite number.
func Finite(v r3.Vec) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Between returns the shortest rotation taking direction from onto direction to.
func Between(from, to r3.Vec) quat.Number {
	nf, nt := r3.Norm(from), r3.Norm(to)
	if nf < 1e-12 || nt < 1e-12 {
		return Identity()
	}
	u, v := r3.Scale(1/nf, from), r3.Scale(1/nt, to)
	d := r3.Dot(u, v)
	if d < -1+1e-9 {
		axis := r3.Cross(u, Right)
		if r3.Norm(axis) < 1e-6 {
			axis = r3.Cross(u, Up)
		}
		return FromAxisAngle(axis, math.Pi)
	}
	c := r3.Cross(u, v)
	return Normalize(quat.Number{Real: 1 + d, Imag: c.X, Jmag: c.Y, Kmag: c.Z})
}
