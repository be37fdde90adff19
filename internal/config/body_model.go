// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// bodyModelFile is the JSON shape of a body model. Every field is optional and falls
// back to skeleton.DefaultModel.
type bodyModelFile struct {
	Assignments  map[string]string     `json:"assignments"`
	Bones        map[string]float64    `json:"bones"`
	Parents      map[string]string     `json:"parents"`
	Directions   map[string][3]float64 `json:"directions"`
	RootJoint    string                `json:"root_joint"`
	RootTracker  string                `json:"root_tracker"`
	RootPosition *[3]float64           `json:"root_position"`
	FloorClip    *struct {
		Enabled     *bool    `json:"enabled"`
		FloorHeight *float64 `json:"floor_height"`
		Mode        string   `json:"mode"`
	} `json:"floor_clip"`
	Inference *struct {
		Mode          string   `json:"mode"`
		FixedWeight   *float64 `json:"fixed_weight"`
		MaxAnchorHops *int     `json:"max_anchor_hops"`
	} `json:"inference"`
}

// LoadBodyModel reads a body model file. An empty path returns the default model.
func LoadBodyModel(path string) (skeleton.BodyModel, error) {
	if path == "" {
		return skeleton.DefaultModel(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return skeleton.BodyModel{}, fmt.Errorf("failed to open body model: %w", err)
	}
	defer f.Close()
	m, err := ParseBodyModel(f)
	if err != nil {
		return skeleton.BodyModel{}, fmt.Errorf("body model %s: %w", path, err)
	}
	return m, nil
}

// ParseBodyModel decodes a body model. Names are checked here; whether the resulting
// bone chain is solvable is left to the solver.
func ParseBodyModel(r io.Reader) (skeleton.BodyModel, error) {
	var in bodyModelFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return skeleton.BodyModel{}, err
	}

	m := skeleton.DefaultModel()
	for name, raw := range in.Assignments {
		j, err := skeleton.ParseJoint(name)
		if err != nil {
			return m, err
		}
		id, err := tracker.ParseIdentity(raw)
		if err != nil {
			return m, fmt.Errorf("assignment of %s: %w", name, err)
		}
		m.Assignments[j] = id
	}
	for name, length := range in.Bones {
		j, err := skeleton.ParseJoint(name)
		if err != nil {
			return m, err
		}
		m.Bones[j].Length = length
	}
	for name, parent := range in.Parents {
		j, err := skeleton.ParseJoint(name)
		if err != nil {
			return m, err
		}
		p := skeleton.NoJoint
		if parent != "" {
			if p, err = skeleton.ParseJoint(parent); err != nil {
				return m, fmt.Errorf("parent of %s: %w", name, err)
			}
		}
		m.Bones[j].Parent = p
	}
	for name, d := range in.Directions {
		j, err := skeleton.ParseJoint(name)
		if err != nil {
			return m, err
		}
		m.Bones[j].Direction = r3.Vec{X: d[0], Y: d[1], Z: d[2]}
	}

	if in.RootJoint != "" {
		j, err := skeleton.ParseJoint(in.RootJoint)
		if err != nil {
			return m, fmt.Errorf("root_joint: %w", err)
		}
		m.RootJoint = j
	}
	if in.RootTracker != "" {
		id, err := tracker.ParseIdentity(in.RootTracker)
		if err != nil {
			return m, fmt.Errorf("root_tracker: %w", err)
		}
		m.RootTracker = id
	}
	if p := in.RootPosition; p != nil {
		m.RootPosition = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}

	if fc := in.FloorClip; fc != nil {
		if fc.Enabled != nil {
			m.FloorClip.Enabled = *fc.Enabled
		}
		if fc.FloorHeight != nil {
			m.FloorClip.Height = *fc.FloorHeight
		}
		mode, err := skeleton.ParseFloorClipMode(fc.Mode)
		if err != nil {
			return m, err
		}
		m.FloorClip.Mode = mode
	}
	if inf := in.Inference; inf != nil {
		mode, err := skeleton.ParseInferenceMode(inf.Mode)
		if err != nil {
			return m, err
		}
		m.Inference.Mode = mode
		if inf.FixedWeight != nil {
			m.Inference.FixedWeight = *inf.FixedWeight
		}
		if inf.MaxAnchorHops != nil {
			m.Inference.MaxAnchorHops = *inf.MaxAnchorHops
		}
	}
	return m, nil
}
