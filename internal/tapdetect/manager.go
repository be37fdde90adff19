// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tapdetect

import (
	"log"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// Config enables the three tap gestures.
type Config struct {
	Enabled               bool
	QuickResetTaps        int
	QuickResetDelay       time.Duration
	ResetTaps             int
	ResetDelay            time.Duration
	MountingResetTaps     int
	MountingResetDelay    time.Duration
	TrackersOverThreshold int
}

// DefaultConfig: two taps on the torso for a yaw reset, three on the left leg for a full
// reset, three on the right leg for a mounting reset.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		QuickResetTaps:        2,
		QuickResetDelay:       time.Second,
		ResetTaps:             3,
		ResetDelay:            200 * time.Millisecond,
		MountingResetTaps:     3,
		MountingResetDelay:    time.Second,
		TrackersOverThreshold: 1,
	}
}

// bodyJoints are the trackers whose motion means the user is not standing still.
var bodyJoints = []skeleton.Joint{
	skeleton.Chest, skeleton.Hip, skeleton.Waist,
	skeleton.LeftUpperLeg, skeleton.RightUpperLeg,
	skeleton.LeftFoot, skeleton.RightFoot,
}

type gesture struct {
	reset   fusion.ResetKind
	taps    int
	delay   time.Duration
	watch   []skeleton.Joint // first assigned joint wins
	det     *Detector
	tracker tracker.Identity
	armed   bool
}

// Manager runs one detector per gesture against the registry snapshot every tick.
type Manager struct {
	enabled  bool
	gestures []*gesture
}

// NewManager builds the gesture detectors.
func NewManager(cfg Config) *Manager {
	g := func(reset fusion.ResetKind, taps int, delay time.Duration, watch ...skeleton.Joint) *gesture {
		return &gesture{
			reset: reset,
			taps:  taps,
			delay: delay,
			watch: watch,
			det:   NewDetector(taps, cfg.TrackersOverThreshold),
		}
	}
	return &Manager{
		enabled: cfg.Enabled,
		gestures: []*gesture{
			g(fusion.ResetYaw, cfg.QuickResetTaps, cfg.QuickResetDelay, skeleton.Chest, skeleton.Hip, skeleton.Waist),
			g(fusion.ResetFull, cfg.ResetTaps, cfg.ResetDelay, skeleton.LeftUpperLeg, skeleton.LeftLowerLeg),
			g(fusion.ResetMounting, cfg.MountingResetTaps, cfg.MountingResetDelay, skeleton.RightUpperLeg, skeleton.RightLowerLeg),
		},
	}
}

// Update feeds one tick and returns the resets that are due.
func (m *Manager) Update(model skeleton.BodyModel, views []tracker.View, now time.Time) []fusion.ResetKind {
	if !m.enabled {
		return nil
	}
	byID := make(map[tracker.Identity]tracker.View, len(views))
	for _, v := range views {
		if v.State.Connected() {
			byID[v.ID] = v
		}
	}

	var due []fusion.ResetKind
	for _, g := range m.gestures {
		id, v, ok := g.watched(model, byID)
		if id != g.tracker {
			g.det.Reset()
			g.armed = false
			g.tracker = id
		}
		if !ok {
			continue
		}

		moving := 0
		for _, j := range bodyJoints {
			other, assigned := model.Assignments[j]
			if !assigned || other == id {
				continue
			}
			if ov, live := byID[other]; live && r3.Norm(ov.Pose.Acceleration) > AllowedBodyAccel {
				moving++
			}
		}
		g.det.Update(now, r3.Norm(v.Pose.Acceleration), moving)

		if g.det.Taps() < g.taps {
			continue
		}
		if !g.armed {
			g.armed = true
			log.Printf("tapdetect: %d taps on %s, %s reset in %v", g.det.Taps(), id, g.reset, g.delay)
		}
		if now.Sub(g.det.DetectedAt()) > g.delay {
			log.Printf("tapdetect: %s reset triggered", g.reset)
			due = append(due, g.reset)
			g.det.Reset()
			g.armed = false
		}
	}
	return due
}

func (g *gesture) watched(model skeleton.BodyModel, byID map[tracker.Identity]tracker.View) (tracker.Identity, tracker.View, bool) {
	for _, j := range g.watch {
		id, ok := model.Assignments[j]
		if !ok {
			continue
		}
		v, live := byID[id]
		return id, v, live
	}
	return "", tracker.View{}, false
}
