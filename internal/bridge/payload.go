// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/orientation"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// Rotation is a quaternion on the wire.
type Rotation struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// JointPayload is one joint of a published pose.
type JointPayload struct {
	Position [3]float64       `json:"position"`
	Rotation Rotation         `json:"rotation"`
	Euler    orientation.Pose `json:"euler"`
	Source   string           `json:"source"`
	Tracker  string           `json:"tracker,omitempty"`
}

// PosePayload is the JSON form of a skeletal pose.
type PosePayload struct {
	Tick    uint64                  `json:"tick"`
	Time    time.Time               `json:"time"`
	Tracked int                     `json:"tracked"`
	Joints  map[string]JointPayload `json:"joints"`
}

// TrackerPayload is the JSON form of one tracker session.
type TrackerPayload struct {
	ID          string            `json:"id"`
	Provisional bool              `json:"provisional"`
	Joint       string            `json:"joint,omitempty"`
	Incarnation string            `json:"incarnation"`
	Addr        string            `json:"addr"`
	State       string            `json:"state"`
	Usable      bool              `json:"usable"`
	Board       uint8             `json:"board"`
	IMU         uint8             `json:"imu"`
	Firmware    string            `json:"firmware"`
	Rotation    Rotation          `json:"rotation"`
	Euler       orientation.Pose  `json:"euler"`
	Valid       bool              `json:"valid"`
	Position    *[3]float64       `json:"position,omitempty"`
	Telemetry   tracker.Telemetry `json:"telemetry"`
	Counters    tracker.Counters  `json:"counters"`
	LastSeen    time.Time         `json:"last_seen"`
}

func rotation(q quat.Number) Rotation {
	return Rotation{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag}
}

func vec3(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

// NewPosePayload converts a solved pose.
func NewPosePayload(p skeleton.Pose) PosePayload {
	out := PosePayload{
		Tick:    p.Tick,
		Time:    p.Time,
		Tracked: p.Tracked,
		Joints:  make(map[string]JointPayload, skeleton.JointCount),
	}
	for _, j := range skeleton.Joints() {
		jp := p.Joint(j)
		out.Joints[j.String()] = JointPayload{
			Position: vec3(jp.Position),
			Rotation: rotation(jp.Orientation),
			Euler:    orientation.ToEuler(jp.Orientation),
			Source:   jp.Source.String(),
			Tracker:  string(jp.Tracker),
		}
	}
	return out
}

// NewTrackerPayloads converts a registry snapshot.
func NewTrackerPayloads(views []tracker.View) []TrackerPayload {
	out := make([]TrackerPayload, 0, len(views))
	for _, v := range views {
		tp := TrackerPayload{
			ID:          string(v.ID),
			Provisional: v.ID.Provisional(),
			Incarnation: v.Incarnation.String(),
			Addr:        v.Addr.String(),
			State:       v.State.String(),
			Usable:      v.Usable(),
			Board:       v.Device.BoardType,
			IMU:         v.Device.IMUType,
			Firmware:    v.Device.Firmware,
			Rotation:    rotation(v.Pose.Orientation),
			Euler:       orientation.ToEuler(v.Pose.Orientation),
			Valid:       v.Pose.Valid,
			Telemetry:   v.Telemetry,
			Counters:    v.Counters,
			LastSeen:    v.LastSeen,
		}
		if v.Pose.HasPosition {
			p := vec3(v.Pose.Position)
			tp.Position = &p
		}
		out = append(out, tp)
	}
	return out
}
