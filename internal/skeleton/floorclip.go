// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package skeleton

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/orientation"
)

// clipFloor keeps both feet at or above the floor. Bone lengths never change: the whole
// pose is translated, or in limb mode a leg is bent first and the pose only moves when a
// foot still cannot reach the floor. Other joints may end up below the floor.
func clipFloor(c *chain, pose *Pose, fc FloorClip) {
	if fc.Mode == ClipLimb {
		for _, leg := range legs {
			if c.bones[leg.lower].Parent == leg.upper && c.bones[leg.foot].Parent == leg.lower {
				if bendLeg(pose, leg.upper, leg.lower, leg.foot, fc.Height) {
					relocate(c, pose, leg.upper)
				}
			}
		}
	}

	low := math.Inf(1)
	for _, leg := range legs {
		low = math.Min(low, pose.Joints[leg.foot].Position.Y)
	}
	if low < fc.Height-clipTolerance {
		translate(pose, r3.Vec{Y: fc.Height - low})
	}
}

// clipTolerance absorbs rounding left by bendLeg.
const clipTolerance = 1e-9

// relocate redoes forward kinematics for everything below j, so joints a custom chain
// hangs off a bent leg follow it.
func relocate(c *chain, pose *Pose, j Joint) {
	var below [JointCount]bool
	below[j] = true
	for _, cur := range c.order {
		parent := c.bones[cur].Parent
		if parent == NoJoint || !below[parent] {
			continue
		}
		below[cur] = true
		pp := pose.Joints[parent]
		pose.Joints[cur].Position = r3.Add(pp.Position, orientation.Rotate(pp.Orientation, c.offset(cur)))
	}
}

// bendLeg places a foot that went through the floor onto it by rotating the upper and
// lower leg about the hip socket, keeping the knee in its original bending plane. It
// reports whether the leg moved.
func bendLeg(pose *Pose, upper, lower, foot Joint, floor float64) bool {
	h := pose.Joints[upper].Position
	k := pose.Joints[lower].Position
	f := pose.Joints[foot].Position
	if f.Y >= floor {
		return false
	}

	a := r3.Norm(r3.Sub(k, h))
	b := r3.Norm(r3.Sub(f, k))
	target := r3.Vec{X: f.X, Y: floor, Z: f.Z}

	ht := r3.Sub(target, h)
	d := r3.Norm(ht)
	if d < 1e-9 || a < 1e-9 || b < 1e-9 {
		return false
	}
	u := r3.Scale(1/d, ht)
	switch {
	case d > a+b:
		d = a + b
	case d < math.Abs(a-b):
		d = math.Abs(a - b)
	}
	target = r3.Add(h, r3.Scale(d, u))

	// Law of cosines: distance of the knee along u and away from it.
	x := (a*a - b*b + d*d) / (2 * d)
	y := math.Sqrt(math.Max(0, a*a-x*x))

	bend := perpendicular(r3.Sub(k, h), u)
	if r3.Norm(bend) < 1e-9 {
		bend = perpendicular(orientation.Forward, u)
	}
	if r3.Norm(bend) < 1e-9 {
		bend = perpendicular(orientation.Right, u)
	}
	bend = r3.Scale(1/r3.Norm(bend), bend)

	newKnee := r3.Add(h, r3.Add(r3.Scale(x, u), r3.Scale(y, bend)))

	up := &pose.Joints[upper]
	up.Orientation = orientation.Mul(orientation.Between(r3.Sub(k, h), r3.Sub(newKnee, h)), up.Orientation)
	lo := &pose.Joints[lower]
	lo.Orientation = orientation.Mul(orientation.Between(r3.Sub(f, k), r3.Sub(target, newKnee)), lo.Orientation)

	pose.Joints[lower].Position = newKnee
	pose.Joints[foot].Position = target
	return true
}

// perpendicular is the part of v orthogonal to unit vector u.
func perpendicular(v, u r3.Vec) r3.Vec {
	return r3.Sub(v, r3.Scale(r3.Dot(v, u), u))
}
