// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package skeleton assembles per tracker poses into a full body pose.
//
// Joints with a usable tracker take its orientation. Joints without one borrow from the
// nearest tracked ancestor and descendant, then forward kinematics walks the bone chain
// from the root to place every joint. The result always has JointCount joints.
package skeleton

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/orientation"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// Source says where a joint's orientation came from.
type Source int

const (
	// Default is the identity orientation of a joint that never had data.
	Default Source = iota
	// Tracked comes straight from the assigned tracker.
	Tracked
	// Inferred is interpolated from tracked neighbours in the chain.
	Inferred
	// Held repeats the joint's orientation from the previous tick.
	Held
)

func (s Source) String() string {
	switch s {
	case Tracked:
		return "tracked"
	case Inferred:
		return "inferred"
	case Held:
		return "held"
	default:
		return "default"
	}
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// JointPose is one joint of a solved pose, in world coordinates.
type JointPose struct {
	Position    r3.Vec
	Orientation quat.Number
	Source      Source
	Tracker     tracker.Identity
}

// Pose is the solved skeleton for one tick.
type Pose struct {
	Tick    uint64
	Time    time.Time
	Joints  [JointCount]JointPose
	Tracked int
}

// Joint returns the pose of j.
func (p *Pose) Joint(j Joint) JointPose {
	return p.Joints[j]
}

// compiled is a validated model with its chain ready for solving.
type compiled struct {
	model BodyModel
	chain *chain
}

// Solver turns tracker snapshots into skeletal poses. Solve must be called from a single
// goroutine; model updates may come from anywhere and apply from the next Solve.
type Solver struct {
	model atomic.Pointer[compiled]

	last     [JointCount]quat.Number
	haveLast bool
	tick     uint64
}

// NewSolver returns a solver for m. An invalid chain is logged and replaced with the
// default one.
func NewSolver(m BodyModel) *Solver {
	s := &Solver{}
	_ = s.SetModel(m)
	return s
}

// Model returns a copy of the model currently in use.
func (s *Solver) Model() BodyModel {
	return s.model.Load().model.Clone()
}

// SetModel swaps in m. If its bone chain is inconsistent the default chain is used in its
// place and the validation error is returned.
func (s *Solver) SetModel(m BodyModel) error {
	c, err := prepare(m)
	if c == nil {
		return err
	}
	s.model.Store(c)
	return err
}

// UpdateModel applies fn to a copy of the current model and swaps the result in.
func (s *Solver) UpdateModel(fn func(BodyModel) BodyModel) error {
	for {
		cur := s.model.Load()
		next, err := prepare(fn(cur.model.Clone()))
		if next == nil {
			return err
		}
		if s.model.CompareAndSwap(cur, next) {
			return err
		}
	}
}

func prepare(m BodyModel) (*compiled, error) {
	m = m.Clone()
	err := m.Validate()
	switch {
	case errors.Is(err, ErrInconsistentChain):
		log.Printf("skeleton: %v, using default bone chain", err)
		m.Bones = DefaultBones()
		if !m.RootJoint.Valid() {
			m.RootJoint = Hip
		}
	case err != nil:
		log.Printf("skeleton: invalid body model: %v, using defaults", err)
		def := DefaultModel()
		def.Assignments = m.Assignments
		m = def
	}
	c, cerr := compileChain(m.Bones)
	if cerr != nil {
		return nil, cerr
	}
	return &compiled{model: m, chain: c}, err
}

// Solve computes the pose for one tick from a registry snapshot.
func (s *Solver) Solve(views []tracker.View, now time.Time) Pose {
	cm := s.model.Load()
	m, c := cm.model, cm.chain

	usable := make(map[tracker.Identity]tracker.View, len(views))
	for _, v := range views {
		if v.Usable() {
			usable[v.ID] = v
		}
	}

	s.tick++
	pose := Pose{Tick: s.tick, Time: now}

	var tracked [JointCount]bool
	for j, id := range m.Assignments {
		v, ok := usable[id]
		if !ok || !j.Valid() {
			continue
		}
		tracked[j] = true
		pose.Joints[j].Orientation = orientation.Normalize(v.Pose.Orientation)
		pose.Joints[j].Source = Tracked
		pose.Joints[j].Tracker = id
		pose.Tracked++
	}

	for _, j := range Joints() {
		if tracked[j] {
			continue
		}
		jp := &pose.Joints[j]
		a, da := nearestAncestor(c, &tracked, j, m.Inference.MaxAnchorHops)
		d, dd := nearestDescendant(c, &tracked, j, m.Inference.MaxAnchorHops)
		switch {
		case a != NoJoint && d != NoJoint:
			w := m.Inference.FixedWeight
			if m.Inference.Mode == InferDistance {
				w = float64(da) / float64(da+dd)
			}
			jp.Orientation = orientation.Slerp(pose.Joints[a].Orientation, pose.Joints[d].Orientation, w)
			jp.Source = Inferred
		case a != NoJoint:
			jp.Orientation = pose.Joints[a].Orientation
			jp.Source = Inferred
		case d != NoJoint:
			jp.Orientation = pose.Joints[d].Orientation
			jp.Source = Inferred
		case s.haveLast:
			jp.Orientation = s.last[j]
			jp.Source = Held
		default:
			jp.Orientation = orientation.Identity()
			jp.Source = Default
		}
	}

	forwardKinematics(c, &pose, m.RootPosition)

	if m.RootTracker != "" {
		if v, ok := usable[m.RootTracker]; ok && v.Pose.HasPosition && orientation.Finite(v.Pose.Position) {
			delta := r3.Sub(v.Pose.Position, pose.Joints[m.RootJoint].Position)
			translate(&pose, delta)
		}
	}

	if m.FloorClip.Enabled {
		clipFloor(c, &pose, m.FloorClip)
	}

	for j := range pose.Joints {
		s.last[j] = pose.Joints[j].Orientation
	}
	s.haveLast = true
	return pose
}

// nearestAncestor walks up from j looking for a tracked joint within maxHops.
func nearestAncestor(c *chain, tracked *[JointCount]bool, j Joint, maxHops int) (Joint, int) {
	cur := j
	for hops := 1; hops <= maxHops; hops++ {
		cur = c.bones[cur].Parent
		if cur == NoJoint {
			break
		}
		if tracked[cur] {
			return cur, hops
		}
	}
	return NoJoint, 0
}

// nearestDescendant searches breadth first below j for a tracked joint within maxHops.
// Ties at the same depth go to the lowest joint index.
func nearestDescendant(c *chain, tracked *[JointCount]bool, j Joint, maxHops int) (Joint, int) {
	level := []Joint{j}
	for hops := 1; hops <= maxHops && len(level) > 0; hops++ {
		var next []Joint
		best := NoJoint
		for _, p := range level {
			for _, ch := range c.children[p] {
				if tracked[ch] && (best == NoJoint || ch < best) {
					best = ch
				}
				next = append(next, ch)
			}
		}
		if best != NoJoint {
			return best, hops
		}
		level = next
	}
	return NoJoint, 0
}

func forwardKinematics(c *chain, pose *Pose, root r3.Vec) {
	pose.Joints[c.root].Position = root
	for _, j := range c.order[1:] {
		parent := c.bones[j].Parent
		pp := pose.Joints[parent]
		pose.Joints[j].Position = r3.Add(pp.Position, orientation.Rotate(pp.Orientation, c.offset(j)))
	}
}

func translate(pose *Pose, delta r3.Vec) {
	for j := range pose.Joints {
		pose.Joints[j].Position = r3.Add(pose.Joints[j].Position, delta)
	}
}
