// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package skeleton

import "fmt"

// Joint names one segment of the body. A joint's position is the proximal end of its
// segment, e.g. LeftLowerLeg sits at the left knee.
type Joint int

const (
	Hip Joint = iota
	Waist
	Chest
	Neck
	Head
	LeftShoulder
	LeftUpperArm
	LeftLowerArm
	LeftHand
	RightShoulder
	RightUpperArm
	RightLowerArm
	RightHand
	LeftUpperLeg
	LeftLowerLeg
	LeftFoot
	RightUpperLeg
	RightLowerLeg
	RightFoot

	// JointCount is the number of joints in every pose.
	JointCount = iota
)

// NoJoint is the parent of the chain root.
const NoJoint Joint = -1

var jointNames = [JointCount]string{
	Hip:           "hip",
	Waist:         "waist",
	Chest:         "chest",
	Neck:          "neck",
	Head:          "head",
	LeftShoulder:  "left_shoulder",
	LeftUpperArm:  "left_upper_arm",
	LeftLowerArm:  "left_lower_arm",
	LeftHand:      "left_hand",
	RightShoulder: "right_shoulder",
	RightUpperArm: "right_upper_arm",
	RightLowerArm: "right_lower_arm",
	RightHand:     "right_hand",
	LeftUpperLeg:  "left_upper_leg",
	LeftLowerLeg:  "left_lower_leg",
	LeftFoot:      "left_foot",
	RightUpperLeg: "right_upper_leg",
	RightLowerLeg: "right_lower_leg",
	RightFoot:     "right_foot",
}

// Joints lists every joint in declaration order.
func Joints() []Joint {
	out := make([]Joint, JointCount)
	for i := range out {
		out[i] = Joint(i)
	}
	return out
}

// Valid reports whether j is one of the declared joints.
func (j Joint) Valid() bool {
	return j >= 0 && j < JointCount
}

func (j Joint) String() string {
	if !j.Valid() {
		return fmt.Sprintf("joint(%d)", int(j))
	}
	return jointNames[j]
}

// ParseJoint maps a snake_case name back to its joint.
func ParseJoint(s string) (Joint, error) {
	for j, name := range jointNames {
		if name == s {
			return Joint(j), nil
		}
	}
	return NoJoint, fmt.Errorf("unknown joint %q", s)
}

func (j Joint) MarshalText() ([]byte, error) {
	if !j.Valid() {
		return nil, fmt.Errorf("cannot marshal %v", j)
	}
	return []byte(j.String()), nil
}

func (j *Joint) UnmarshalText(b []byte) error {
	v, err := ParseJoint(string(b))
	if err != nil {
		return err
	}
	*j = v
	return nil
}

// Feet and the lower legs are what floor clipping looks at.
var legs = [2]struct{ upper, lower, foot Joint }{
	{LeftUpperLeg, LeftLowerLeg, LeftFoot},
	{RightUpperLeg, RightLowerLeg, RightFoot},
}
