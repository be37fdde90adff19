// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package skeleton

import (
	"errors"
	"math"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/orientation"
	"github.com/relabs-tech/bodytracker/internal/protocol"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

var now = time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)

func view(id tracker.Identity, q quat.Number) tracker.View {
	return tracker.View{
		ID:    id,
		State: tracker.Active,
		Pose:  fusion.Pose{Orientation: q, Valid: true},
	}
}

func vecNear(t *testing.T, want, got r3.Vec, msgAndArgs ...any) {
	t.Helper()
	assert.InDelta(t, 0, r3.Norm(r3.Sub(want, got)), 1e-6, msgAndArgs...)
}

func boneLengths(p Pose) map[Joint]float64 {
	out := map[Joint]float64{}
	bones := DefaultBones()
	for _, j := range Joints() {
		if parent := bones[j].Parent; parent != NoJoint {
			out[j] = r3.Norm(r3.Sub(p.Joints[j].Position, p.Joints[parent].Position))
		}
	}
	return out
}

func TestEmptyTrackerSetGivesDefaultPose(t *testing.T) {
	s := NewSolver(DefaultModel())
	p := s.Solve(nil, now)

	assert.EqualValues(t, 1, p.Tick)
	assert.Equal(t, now, p.Time)
	assert.Zero(t, p.Tracked)
	require.Len(t, p.Joints, JointCount)
	for _, j := range Joints() {
		jp := p.Joint(j)
		assert.Equal(t, Default, jp.Source, "%v", j)
		assert.InDelta(t, 0, orientation.Angle(orientation.Identity(), jp.Orientation), 1e-12, "%v", j)
	}
	vecNear(t, r3.Vec{Y: 0.95}, p.Joint(Hip).Position)
	vecNear(t, r3.Vec{Y: 1.60}, p.Joint(Head).Position)
	vecNear(t, r3.Vec{X: -0.13, Y: 0.05}, p.Joint(LeftFoot).Position)
	vecNear(t, r3.Vec{X: 0.18, Y: 0.93}, p.Joint(RightHand).Position)
}

func TestUntrackedJointsHoldLastKnownGood(t *testing.T) {
	m := DefaultModel().Assign(Hip, "mac:00:00:00:00:00:01")
	s := NewSolver(m)
	yaw := orientation.FromAxisAngle(orientation.Up, 1)

	first := s.Solve([]tracker.View{view("mac:00:00:00:00:00:01", yaw)}, now)
	assert.Equal(t, Tracked, first.Joint(Hip).Source)
	assert.Equal(t, Inferred, first.Joint(LeftHand).Source)

	second := s.Solve(nil, now.Add(10*time.Millisecond))
	for _, j := range Joints() {
		assert.Equal(t, Held, second.Joint(j).Source, "%v", j)
		assert.InDelta(t, 0, orientation.Angle(yaw, second.Joint(j).Orientation), 1e-9, "%v", j)
	}
}

func TestPartialTrackerSetsAreComplete(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 50; round++ {
		m := DefaultModel()
		var views []tracker.View
		for _, j := range Joints() {
			if rng.Intn(3) != 0 {
				continue
			}
			id := tracker.Identity("mac:00:00:00:00:01:" + string(rune('a'+int(j))))
			m = m.Assign(j, id)
			q := quat.Number{Real: rng.NormFloat64(), Imag: rng.NormFloat64(), Jmag: rng.NormFloat64(), Kmag: rng.NormFloat64()}
			views = append(views, view(id, orientation.Normalize(q)))
		}

		p := NewSolver(m).Solve(views, now)
		assert.Equal(t, len(views), p.Tracked)
		for _, j := range Joints() {
			jp := p.Joint(j)
			require.True(t, orientation.IsUnit(jp.Orientation, 1e-9), "round %d %v", round, j)
			require.True(t, orientation.Finite(jp.Position), "round %d %v", round, j)
		}
		for _, foot := range []Joint{LeftFoot, RightFoot} {
			require.GreaterOrEqual(t, p.Joint(foot).Position.Y, -1e-9, "round %d %v above floor", round, foot)
		}
		for j, l := range boneLengths(p) {
			assert.InDelta(t, DefaultBones()[j].Length, l, 1e-9, "round %d %v", round, j)
		}
	}
}

func TestUnusableTrackersAreIgnored(t *testing.T) {
	m := DefaultModel().Assign(Chest, "mac:00:00:00:00:00:02")
	v := view("mac:00:00:00:00:00:02", orientation.FromAxisAngle(orientation.Right, 0.4))

	degraded := v
	degraded.State = tracker.Degraded
	knocked := v
	knocked.Pose.Valid = false

	for name, in := range map[string]tracker.View{"degraded": degraded, "invalid": knocked} {
		t.Run(name, func(t *testing.T) {
			p := NewSolver(m).Solve([]tracker.View{in}, now)
			assert.Zero(t, p.Tracked)
			assert.Equal(t, Default, p.Joint(Chest).Source)
		})
	}
}

// Drives the whole path from wire packets through fusion into the solver: both trackers
// stream noisy samples, and after warm-up the tracked joints stay on target while the
// inferred ones hold still.
func TestHipsAndLeftFoot(t *testing.T) {
	reg := tracker.NewRegistry(tracker.DefaultConfig())
	hipAddr := netip.MustParseAddrPort("10.0.0.2:5000")
	footAddr := netip.MustParseAddrPort("10.0.0.3:5000")
	hipMAC := [6]byte{0, 0, 0, 0, 0, 0xa1}
	footMAC := [6]byte{0, 0, 0, 0, 0, 0xa2}

	hipQ := orientation.FromAxisAngle(orientation.Up, math.Pi/2)
	footQ := orientation.Mul(hipQ, orientation.FromAxisAngle(orientation.Right, math.Pi/3))

	rng := rand.New(rand.NewSource(3))
	const noise = 0.005 // radians
	noisy := func(q quat.Number) protocol.Quaternion {
		axis := r3.Unit(r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
		n := orientation.Mul(q, orientation.FromAxisAngle(axis, noise*rng.NormFloat64()))
		return protocol.Quaternion{X: float32(n.Imag), Y: float32(n.Jmag), Z: float32(n.Kmag), W: float32(n.Real)}
	}
	hip := reg.Dispatch(hipAddr, protocol.Handshake{ProtocolVersion: 1, Device: protocol.DeviceInfo{MAC: hipMAC}}, now).ID
	foot := reg.Dispatch(footAddr, protocol.Handshake{ProtocolVersion: 1, Device: protocol.DeviceInfo{MAC: footMAC}}, now).ID

	s := NewSolver(DefaultModel().Assign(Hip, hip).Assign(LeftFoot, foot))
	const warmup, ticks = 50, 300
	inferred := []Joint{RightUpperLeg, RightFoot, Chest, Head, LeftHand}
	var (
		p         Pose
		reference Pose
	)
	for i := 1; i <= ticks; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Millisecond)
		reg.Dispatch(hipAddr, protocol.SensorData{Sequence: uint64(i), Orientation: noisy(hipQ)}, at)
		reg.Dispatch(footAddr, protocol.SensorData{Sequence: uint64(i), Orientation: noisy(footQ)}, at)
		p = s.Solve(reg.Snapshot(), at)
		if i < warmup {
			continue
		}
		if i == warmup {
			reference = p
		}

		require.Equal(t, 2, p.Tracked, "tick %d", i)
		require.Less(t, orientation.Angle(hipQ, p.Joint(Hip).Orientation), 4*noise, "tick %d hip", i)
		require.Less(t, orientation.Angle(footQ, p.Joint(LeftFoot).Orientation), 4*noise, "tick %d foot", i)
		for _, j := range inferred {
			require.Less(t, orientation.Angle(reference.Joint(j).Orientation, p.Joint(j).Orientation), 8*noise, "tick %d %v drifted", i, j)
			require.Less(t, r3.Norm(r3.Sub(reference.Joint(j).Position, p.Joint(j).Position)), 0.02, "tick %d %v moved", i, j)
		}
	}

	assert.Equal(t, Tracked, p.Joint(Hip).Source)
	assert.Equal(t, hip, p.Joint(Hip).Tracker)
	assert.Equal(t, Tracked, p.Joint(LeftFoot).Source)

	// Knee joints sit between the two anchors, weighted by hop distance.
	assert.Equal(t, Inferred, p.Joint(LeftUpperLeg).Source)
	assert.Less(t, orientation.Angle(orientation.Slerp(hipQ, footQ, 1.0/3), p.Joint(LeftUpperLeg).Orientation), 4*noise)
	assert.Less(t, orientation.Angle(orientation.Slerp(hipQ, footQ, 2.0/3), p.Joint(LeftLowerLeg).Orientation), 4*noise)

	// Everything else follows the hips.
	for _, j := range inferred {
		assert.Less(t, orientation.Angle(hipQ, p.Joint(j).Orientation), 4*noise, "%v", j)
	}

	vecNear(t, r3.Vec{Y: 0.95}, p.Joint(Hip).Position)
	// Hips yawed a quarter turn: the left hip socket swings from -X to +Z.
	assert.Less(t, r3.Norm(r3.Sub(r3.Vec{Y: 0.95, Z: 0.13}, p.Joint(LeftUpperLeg).Position)), 0.01)
	for j, l := range boneLengths(p) {
		assert.InDelta(t, DefaultBones()[j].Length, l, 1e-6, "%v", j)
	}
}

func TestDistanceAndFixedInference(t *testing.T) {
	chest := orientation.FromAxisAngle(orientation.Right, 0.8)
	hand := orientation.FromAxisAngle(orientation.Forward, 1.2)
	views := []tracker.View{view("mac:00:00:00:00:00:0c", chest), view("mac:00:00:00:00:00:0d", hand)}

	m := DefaultModel().Assign(Chest, "mac:00:00:00:00:00:0c").Assign(LeftHand, "mac:00:00:00:00:00:0d")
	p := NewSolver(m).Solve(views, now)
	// Chest -> shoulder -> upper arm -> lower arm -> hand.
	assert.InDelta(t, 0, orientation.Angle(orientation.Slerp(chest, hand, 0.25), p.Joint(LeftShoulder).Orientation), 1e-9)
	assert.InDelta(t, 0, orientation.Angle(orientation.Slerp(chest, hand, 0.75), p.Joint(LeftLowerArm).Orientation), 1e-9)

	m.Inference.Mode = InferFixed
	m.Inference.FixedWeight = 0.5
	p = NewSolver(m).Solve(views, now)
	for _, j := range []Joint{LeftShoulder, LeftUpperArm, LeftLowerArm} {
		assert.InDelta(t, 0, orientation.Angle(orientation.Slerp(chest, hand, 0.5), p.Joint(j).Orientation), 1e-9, "%v", j)
	}
}

func TestMaxAnchorHopsLimitsInference(t *testing.T) {
	m := DefaultModel().Assign(Hip, "mac:00:00:00:00:00:01")
	m.Inference.MaxAnchorHops = 1
	p := NewSolver(m).Solve([]tracker.View{view("mac:00:00:00:00:00:01", orientation.FromAxisAngle(orientation.Up, 1))}, now)

	assert.Equal(t, Inferred, p.Joint(Waist).Source)
	assert.Equal(t, Inferred, p.Joint(LeftUpperLeg).Source)
	assert.Equal(t, Default, p.Joint(Chest).Source)
	assert.Equal(t, Default, p.Joint(LeftFoot).Source)
}

func TestRootTrackerPosition(t *testing.T) {
	m := DefaultModel()
	m.RootTracker = "mac:00:00:00:00:00:0f"
	v := view(m.RootTracker, orientation.Identity())
	v.Pose.HasPosition = true
	v.Pose.Position = r3.Vec{X: 1, Y: 1.1, Z: -2}

	p := NewSolver(m).Solve([]tracker.View{v}, now)
	vecNear(t, v.Pose.Position, p.Joint(Hip).Position)
	vecNear(t, r3.Vec{X: 1, Y: 1.75, Z: -2}, p.Joint(Head).Position)
}

func TestFloorClipWhole(t *testing.T) {
	m := DefaultModel()
	m.RootPosition = r3.Vec{Y: 0.5}

	m.FloorClip.Enabled = false
	free := NewSolver(m).Solve(nil, now)
	require.Less(t, free.Joint(LeftFoot).Position.Y, 0.0)

	m.FloorClip = FloorClip{Enabled: true, Height: 0.02, Mode: ClipWhole}
	p := NewSolver(m).Solve(nil, now)
	for _, j := range Joints() {
		assert.GreaterOrEqual(t, p.Joint(j).Position.Y, 0.02-1e-9, "%v", j)
	}
	assert.InDelta(t, 0.02, p.Joint(LeftFoot).Position.Y, 1e-9)
	want := boneLengths(free)
	for j, l := range boneLengths(p) {
		assert.InDelta(t, want[j], l, 1e-9, "%v", j)
	}
}

func TestFloorClipLimb(t *testing.T) {
	m := DefaultModel()
	m.RootPosition = r3.Vec{Y: 0.7}
	m.FloorClip = FloorClip{Enabled: true, Mode: ClipLimb}
	p := NewSolver(m).Solve(nil, now)

	assert.InDelta(t, 0.7, p.Joint(Hip).Position.Y, 1e-9, "hips stay put")
	for _, foot := range []Joint{LeftFoot, RightFoot} {
		assert.InDelta(t, 0, p.Joint(foot).Position.Y, 1e-9, "%v", foot)
	}
	// Knees bend forward.
	assert.Greater(t, p.Joint(LeftLowerLeg).Position.Z, 0.1)
	for j, l := range boneLengths(p) {
		assert.InDelta(t, DefaultBones()[j].Length, l, 1e-9, "%v", j)
	}

	// Orientations were rotated along with the bent bones.
	knee := p.Joint(LeftLowerLeg).Position
	socket := p.Joint(LeftUpperLeg).Position
	vecNear(t, r3.Sub(knee, socket), orientation.Rotate(p.Joint(LeftUpperLeg).Orientation, r3.Vec{Y: -0.45}))
}

func TestFloorClipOnlyLooksAtFeet(t *testing.T) {
	for _, mode := range []FloorClipMode{ClipWhole, ClipLimb} {
		t.Run(mode.String(), func(t *testing.T) {
			m := DefaultModel()
			m.Bones[LeftLowerArm].Length = 1.5
			m.FloorClip = FloorClip{Enabled: true, Mode: mode}
			p := NewSolver(m).Solve(nil, now)

			require.Less(t, p.Joint(LeftHand).Position.Y, 0.0, "hand reaches through the floor")
			assert.InDelta(t, 0.05, p.Joint(LeftFoot).Position.Y, 1e-9)
			assert.InDelta(t, 0.05, p.Joint(RightFoot).Position.Y, 1e-9)
			assert.InDelta(t, 0.95, p.Joint(Hip).Position.Y, 1e-9)
		})
	}
}

func TestFloorClipLimbLiftsPoseWhenLegCannotReach(t *testing.T) {
	m := DefaultModel()
	m.RootPosition = r3.Vec{}
	m.FloorClip = FloorClip{Enabled: true, Mode: ClipLimb}
	p := NewSolver(m).Solve(nil, now)

	for _, foot := range []Joint{LeftFoot, RightFoot} {
		assert.InDelta(t, 0, p.Joint(foot).Position.Y, 1e-9, "%v", foot)
	}
	assert.InDelta(t, 0.9, p.Joint(Hip).Position.Y, 1e-9)
}

func TestFloorClipLimbMovesJointsHangingOffTheLeg(t *testing.T) {
	m := DefaultModel()
	m.Bones[RightHand] = Bone{Parent: LeftLowerLeg, Direction: orientation.Forward, Length: 0.1}
	m.RootPosition = r3.Vec{Y: 0.7}
	m.FloorClip = FloorClip{Enabled: true, Mode: ClipLimb}
	p := NewSolver(m).Solve(nil, now)

	knee := p.Joint(LeftLowerLeg)
	require.Greater(t, knee.Position.Z, 0.1, "knee bent forward")
	vecNear(t, r3.Add(knee.Position, orientation.Rotate(knee.Orientation, r3.Vec{Z: 0.1})), p.Joint(RightHand).Position)
	assert.InDelta(t, 0, p.Joint(LeftFoot).Position.Y, 1e-9)
}

func TestInconsistentChainFallsBackToDefault(t *testing.T) {
	cycle := DefaultModel()
	cycle.Bones[Hip].Parent = Head

	negative := DefaultModel()
	negative.Bones[LeftLowerLeg].Length = -1

	unknown := DefaultModel()
	unknown.Bones[Neck].Parent = Joint(40)

	twoRoots := DefaultModel()
	twoRoots.Bones[Chest].Parent = NoJoint

	loop := DefaultModel()
	loop.Bones[Neck].Parent = Head

	for name, m := range map[string]BodyModel{
		"no root":        cycle,
		"negative":       negative,
		"unknown parent": unknown,
		"two roots":      twoRoots,
		"detached loop":  loop,
	} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(m.Validate(), ErrInconsistentChain))

			s := &Solver{}
			err := s.SetModel(m)
			assert.True(t, errors.Is(err, ErrInconsistentChain))
			assert.Equal(t, DefaultBones(), s.Model().Bones)

			p := s.Solve(nil, now)
			vecNear(t, r3.Vec{Y: 1.60}, p.Joint(Head).Position)
		})
	}
}

func TestUpdateModelAppliesOnNextSolve(t *testing.T) {
	s := NewSolver(DefaultModel())
	id := tracker.Identity("mac:00:00:00:00:00:33")
	views := []tracker.View{view(id, orientation.FromAxisAngle(orientation.Up, 0.3))}

	assert.Zero(t, s.Solve(views, now).Tracked)

	require.NoError(t, s.UpdateModel(func(m BodyModel) BodyModel { return m.Assign(Head, id) }))
	p := s.Solve(views, now)
	assert.Equal(t, 1, p.Tracked)
	assert.Equal(t, Tracked, p.Joint(Head).Source)

	require.NoError(t, s.UpdateModel(func(m BodyModel) BodyModel { return m.Assign(LeftHand, id) }))
	m := s.Model()
	j, ok := m.JointOf(id)
	require.True(t, ok)
	assert.Equal(t, LeftHand, j)
	assert.Len(t, m.Assignments, 1, "a tracker drives one joint")

	require.NoError(t, s.UpdateModel(func(m BodyModel) BodyModel { return m.Unassign(LeftHand) }))
	assert.Empty(t, s.Model().Assignments)
}

func TestJointNames(t *testing.T) {
	for _, j := range Joints() {
		got, err := ParseJoint(j.String())
		require.NoError(t, err)
		assert.Equal(t, j, got)
	}
	_, err := ParseJoint("tail")
	assert.Error(t, err)

	var j Joint
	require.NoError(t, j.UnmarshalText([]byte("right_lower_arm")))
	assert.Equal(t, RightLowerArm, j)
	_, err = NoJoint.MarshalText()
	assert.Error(t, err)
}
