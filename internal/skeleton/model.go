// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package skeleton

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/orientation"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// ErrInconsistentChain is returned for a bone chain that cannot be solved: a cycle, an
// unknown parent, a missing root or a bad length.
var ErrInconsistentChain = errors.New("inconsistent bone chain")

// Bone is the link from a joint's parent to the joint itself. The offset Direction ×
// Length is expressed in the parent's frame.
type Bone struct {
	Parent    Joint
	Direction r3.Vec
	Length    float64
}

// InferenceMode selects how untracked joints between two tracked ones are filled in.
type InferenceMode int

const (
	// InferDistance weights the two anchors by how many hops away they are.
	InferDistance InferenceMode = iota
	// InferFixed always uses Inference.FixedWeight towards the descendant anchor.
	InferFixed
)

func (m InferenceMode) String() string {
	if m == InferFixed {
		return "fixed"
	}
	return "distance"
}

// ParseInferenceMode accepts "distance" or "fixed".
func ParseInferenceMode(s string) (InferenceMode, error) {
	switch s {
	case "", "distance":
		return InferDistance, nil
	case "fixed":
		return InferFixed, nil
	}
	return 0, fmt.Errorf("unknown inference mode %q", s)
}

// FloorClipMode selects what gets moved when a joint ends up below the floor.
type FloorClipMode int

const (
	// ClipWhole lifts the whole skeleton.
	ClipWhole FloorClipMode = iota
	// ClipLimb bends only the offending leg so its foot rests on the floor.
	ClipLimb
)

func (m FloorClipMode) String() string {
	if m == ClipLimb {
		return "limb"
	}
	return "whole"
}

// ParseFloorClipMode accepts "whole" or "limb".
func ParseFloorClipMode(s string) (FloorClipMode, error) {
	switch s {
	case "", "whole":
		return ClipWhole, nil
	case "limb":
		return ClipLimb, nil
	}
	return 0, fmt.Errorf("unknown floor clip mode %q", s)
}

// FloorClip keeps the pose above a horizontal floor.
type FloorClip struct {
	Enabled bool
	Height  float64
	Mode    FloorClipMode
}

// Inference configures how untracked joints are estimated.
type Inference struct {
	Mode          InferenceMode
	FixedWeight   float64
	MaxAnchorHops int
}

// BodyModel is the user's body configuration. Values are immutable once handed to a
// Solver; edits go through Solver.UpdateModel which swaps in a modified copy.
type BodyModel struct {
	Assignments  map[Joint]tracker.Identity
	Bones        [JointCount]Bone
	RootJoint    Joint
	RootTracker  tracker.Identity
	RootPosition r3.Vec
	FloorClip    FloorClip
	Inference    Inference
}

// DefaultBones is an average adult standing upright, facing +Z.
func DefaultBones() [JointCount]Bone {
	var b [JointCount]Bone
	set := func(j, parent Joint, dir r3.Vec, length float64) {
		b[j] = Bone{Parent: parent, Direction: dir, Length: length}
	}
	up, down, left, right := orientation.Up, orientation.Down, orientation.Left, orientation.Right

	set(Hip, NoJoint, r3.Vec{}, 0)
	set(Waist, Hip, up, 0.10)
	set(Chest, Waist, up, 0.20)
	set(Neck, Chest, up, 0.25)
	set(Head, Neck, up, 0.10)

	set(LeftShoulder, Chest, up, 0.22)
	set(LeftUpperArm, LeftShoulder, left, 0.18)
	set(LeftLowerArm, LeftUpperArm, down, 0.28)
	set(LeftHand, LeftLowerArm, down, 0.26)
	set(RightShoulder, Chest, up, 0.22)
	set(RightUpperArm, RightShoulder, right, 0.18)
	set(RightLowerArm, RightUpperArm, down, 0.28)
	set(RightHand, RightLowerArm, down, 0.26)

	set(LeftUpperLeg, Hip, left, 0.13)
	set(LeftLowerLeg, LeftUpperLeg, down, 0.45)
	set(LeftFoot, LeftLowerLeg, down, 0.45)
	set(RightUpperLeg, Hip, right, 0.13)
	set(RightLowerLeg, RightUpperLeg, down, 0.45)
	set(RightFoot, RightLowerLeg, down, 0.45)
	return b
}

// DefaultModel has no assignments and the default bone chain.
func DefaultModel() BodyModel {
	return BodyModel{
		Assignments:  map[Joint]tracker.Identity{},
		Bones:        DefaultBones(),
		RootJoint:    Hip,
		RootPosition: r3.Vec{Y: 0.95},
		FloorClip:    FloorClip{Enabled: true, Mode: ClipWhole},
		Inference:    Inference{Mode: InferDistance, FixedWeight: 0.5, MaxAnchorHops: 6},
	}
}

// Clone returns a copy that shares nothing mutable with m.
func (m BodyModel) Clone() BodyModel {
	out := m
	out.Assignments = make(map[Joint]tracker.Identity, len(m.Assignments))
	for j, id := range m.Assignments {
		out.Assignments[j] = id
	}
	return out
}

// Assign maps joint to tracker id, dropping any other joint assigned to the same tracker.
func (m BodyModel) Assign(j Joint, id tracker.Identity) BodyModel {
	out := m.Clone()
	for other, cur := range out.Assignments {
		if cur == id {
			delete(out.Assignments, other)
		}
	}
	out.Assignments[j] = id
	return out
}

// Unassign clears the tracker assigned to j.
func (m BodyModel) Unassign(j Joint) BodyModel {
	out := m.Clone()
	delete(out.Assignments, j)
	return out
}

// JointOf returns the joint a tracker drives.
func (m BodyModel) JointOf(id tracker.Identity) (Joint, bool) {
	for j, cur := range m.Assignments {
		if cur == id {
			return j, true
		}
	}
	return NoJoint, false
}

// Validate checks the model and returns an error wrapping ErrInconsistentChain when the
// bone chain cannot be solved.
func (m BodyModel) Validate() error {
	_, err := compileChain(m.Bones)
	if err != nil {
		return err
	}
	if !m.RootJoint.Valid() {
		return fmt.Errorf("%w: root joint %v", ErrInconsistentChain, m.RootJoint)
	}
	for j := range m.Assignments {
		if !j.Valid() {
			return fmt.Errorf("assignment to unknown %v", j)
		}
	}
	if !orientation.Finite(m.RootPosition) {
		return fmt.Errorf("root position %v is not finite", m.RootPosition)
	}
	if w := m.Inference.FixedWeight; math.IsNaN(w) || w < 0 || w > 1 {
		return fmt.Errorf("inference fixed weight %v outside [0,1]", w)
	}
	if m.Inference.MaxAnchorHops < 0 {
		return fmt.Errorf("inference max anchor hops %d is negative", m.Inference.MaxAnchorHops)
	}
	return nil
}

// chain is a bone table ordered for forward kinematics.
type chain struct {
	bones    [JointCount]Bone
	root     Joint
	order    []Joint // parents before children, root first
	children [JointCount][]Joint
}

func compileChain(bones [JointCount]Bone) (*chain, error) {
	c := &chain{bones: bones, root: NoJoint}
	for _, j := range Joints() {
		b := bones[j]
		if b.Parent == NoJoint {
			if c.root != NoJoint {
				return nil, fmt.Errorf("%w: both %v and %v have no parent", ErrInconsistentChain, c.root, j)
			}
			c.root = j
			continue
		}
		if !b.Parent.Valid() {
			return nil, fmt.Errorf("%w: %v has unknown parent %v", ErrInconsistentChain, j, b.Parent)
		}
		if b.Parent == j {
			return nil, fmt.Errorf("%w: %v is its own parent", ErrInconsistentChain, j)
		}
		if math.IsNaN(b.Length) || math.IsInf(b.Length, 0) || b.Length < 0 {
			return nil, fmt.Errorf("%w: %v has bone length %v", ErrInconsistentChain, j, b.Length)
		}
		if !orientation.Finite(b.Direction) || (b.Length > 0 && r3.Norm(b.Direction) < 1e-9) {
			return nil, fmt.Errorf("%w: %v has bone direction %v", ErrInconsistentChain, j, b.Direction)
		}
		c.children[b.Parent] = append(c.children[b.Parent], j)
	}
	if c.root == NoJoint {
		return nil, fmt.Errorf("%w: no root joint", ErrInconsistentChain)
	}

	// Breadth first from the root; anything not reached hangs off a cycle.
	c.order = append(c.order, c.root)
	for i := 0; i < len(c.order); i++ {
		c.order = append(c.order, c.children[c.order[i]]...)
	}
	if len(c.order) != JointCount {
		seen := make(map[Joint]bool, len(c.order))
		for _, j := range c.order {
			seen[j] = true
		}
		for _, j := range Joints() {
			if !seen[j] {
				return nil, fmt.Errorf("%w: %v is not connected to %v", ErrInconsistentChain, j, c.root)
			}
		}
	}
	return c, nil
}

// offset is the vector from parent to j in the parent's frame.
func (c *chain) offset(j Joint) r3.Vec {
	b := c.bones[j]
	n := r3.Norm(b.Direction)
	if n == 0 || b.Length == 0 {
		return r3.Vec{}
	}
	return r3.Scale(b.Length/n, b.Direction)
}
