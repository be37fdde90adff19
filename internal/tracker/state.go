// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracker

import "fmt"

// State is the lifecycle state of a tracker session.
type State int

const (
	Discovered State = iota
	Handshaking
	Active
	Degraded
	TimedOut
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case TimedOut:
		return "timed_out"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connected reports whether the session completed a handshake and is still alive.
func (s State) Connected() bool {
	return s == Active || s == Degraded
}
