// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracker

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/imu"
	"github.com/relabs-tech/bodytracker/internal/protocol"
)

var (
	// ErrDeviceTimeout marks a session evicted because the device went silent.
	ErrDeviceTimeout = errors.New("tracker timed out")

	// ErrHandshakeFailed marks a session evicted after every handshake probe went
	// unanswered.
	ErrHandshakeFailed = errors.New("tracker never completed handshake")

	// ErrDisconnected marks a session closed by the device itself.
	ErrDisconnected = errors.New("tracker disconnected")

	// ErrReplaced marks a session superseded by a new handshake from the same device.
	ErrReplaced = errors.New("tracker session replaced")
)

// Config holds the session timing rules and the fusion settings every new session gets.
type Config struct {
	StaleAfter       time.Duration
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	HandshakeRetries int
	Fusion           fusion.Config
}

// DefaultConfig matches the server defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:       500 * time.Millisecond,
		Timeout:          5 * time.Second,
		HandshakeTimeout: time.Second,
		HandshakeRetries: 3,
		Fusion:           fusion.DefaultConfig(),
	}
}

// Telemetry is the device health reported alongside samples.
type Telemetry struct {
	HasBattery     bool    `json:"has_battery"`
	BatteryLevel   float64 `json:"battery_level"`
	BatteryVoltage float64 `json:"battery_voltage"`
	HasRSSI        bool    `json:"has_rssi"`
	RSSI           int     `json:"rssi"`
}

// Counters track per session traffic.
type Counters struct {
	Packets    uint64 `json:"packets"`
	Samples    uint64 `json:"samples"`
	Discarded  uint64 `json:"discarded"`
	Heartbeats uint64 `json:"heartbeats"`
}

// Session is the server side state of one tracker. Sessions live inside a Registry and
// are only touched under its lock.
type Session struct {
	id          Identity
	incarnation uuid.UUID
	addr        netip.AddrPort
	state       State
	device      protocol.DeviceInfo

	created    time.Time
	lastSeen   time.Time
	lastSample time.Time

	probeSent time.Time
	probes    int

	lastSeq uint64
	haveSeq bool

	cal    fusion.Calibration
	filter *fusion.Filter

	telemetry Telemetry
	counters  Counters
}

func newSession(addr netip.AddrPort, now time.Time, cfg Config) *Session {
	return &Session{
		id:          AddrIdentity(addr),
		incarnation: uuid.New(),
		addr:        addr,
		state:       Discovered,
		created:     now,
		lastSeen:    now,
		cal:         fusion.NoCalibration(),
		filter:      fusion.NewFilter(cfg.Fusion),
	}
}

// outcome is what handling one packet produced.
type outcome struct {
	replies      []protocol.Packet
	handshake    bool
	fused        bool
	discarded    bool
	disconnected bool
}

// probe is the handshake request the server sends to a device that skipped its handshake.
func probe() protocol.Packet {
	return protocol.Handshake{ProtocolVersion: uint16(protocol.Version)}
}

func (s *Session) handle(p protocol.Packet, now time.Time) outcome {
	var out outcome
	s.lastSeen = now
	s.counters.Packets++

	switch v := p.(type) {
	case protocol.Handshake:
		s.device = v.Device
		s.state = Active
		s.probes = 0
		// Firmware restarts its sequence counter when it reboots.
		s.haveSeq = false
		s.lastSample = now
		out.handshake = true
		out.replies = append(out.replies, protocol.Ack{Sequence: 0})
		return out

	case protocol.Disconnect:
		s.state = Disconnected
		out.disconnected = true
		return out

	case protocol.Heartbeat:
		s.counters.Heartbeats++
		out.replies = append(out.replies, protocol.Ack{Sequence: v.Sequence})

	case protocol.SensorData:
		if s.state.Connected() {
			if s.haveSeq && v.Sequence <= s.lastSeq {
				s.counters.Discarded++
				out.discarded = true
				return out
			}
			s.lastSeq = v.Sequence
			s.haveSeq = true
			s.lastSample = now
			s.state = Active
			s.counters.Samples++
			s.filter.Update(sampleFrom(v, now), s.cal)
			out.fused = true
		}

	case protocol.BatteryStatus:
		s.telemetry.HasBattery = true
		s.telemetry.BatteryLevel = float64(v.Level)
		s.telemetry.BatteryVoltage = float64(v.Voltage)

	case protocol.SignalStrength:
		s.telemetry.HasRSSI = true
		s.telemetry.RSSI = int(v.RSSI)
	}

	if s.state == Discovered {
		s.state = Handshaking
		s.probeSent = now
		s.probes = 1
		out.replies = append(out.replies, probe())
	}
	return out
}

// sweep applies the time based transitions. A non-nil error means the session must be
// evicted; probe reports that another handshake request is due.
func (s *Session) sweep(now time.Time, cfg Config) (evict error, sendProbe bool) {
	if now.Sub(s.lastSeen) >= cfg.Timeout {
		if s.state == Handshaking || s.state == Discovered {
			s.state = Discovered
			return ErrHandshakeFailed, false
		}
		s.state = TimedOut
		return ErrDeviceTimeout, false
	}

	switch s.state {
	case Handshaking:
		if now.Sub(s.probeSent) < cfg.HandshakeTimeout {
			return nil, false
		}
		if s.probes >= cfg.HandshakeRetries {
			s.state = Discovered
			return ErrHandshakeFailed, false
		}
		s.probes++
		s.probeSent = now
		return nil, true
	case Active:
		if now.Sub(s.lastSample) >= cfg.StaleAfter {
			s.state = Degraded
		}
	}
	return nil, false
}

func (s *Session) calibrate(cal fusion.Calibration) {
	s.cal = cal
	s.filter.Recalibrate(cal)
}

func (s *Session) view() View {
	raw, _ := s.filter.LastRaw()
	return View{
		ID:          s.id,
		Incarnation: s.incarnation,
		Addr:        s.addr,
		State:       s.state,
		Device:      s.device,
		Pose:        s.filter.Pose(),
		Raw:         raw.Orientation,
		Calibration: s.cal,
		Updates:     s.filter.Updates(),
		Created:     s.created,
		LastSeen:    s.lastSeen,
		LastSample:  s.lastSample,
		Telemetry:   s.telemetry,
		Counters:    s.counters,
	}
}

func sampleFrom(p protocol.SensorData, now time.Time) imu.Sample {
	q := p.Orientation
	s := imu.Sample{
		Time:        now,
		Sequence:    p.Sequence,
		Orientation: quat.Number{Real: float64(q.W), Imag: float64(q.X), Jmag: float64(q.Y), Kmag: float64(q.Z)},
	}
	if p.HasAcceleration {
		s.HasAcceleration = true
		s.Acceleration = vec(p.Acceleration)
	}
	if p.HasPosition {
		s.HasPosition = true
		s.Position = vec(p.Position)
	}
	return s
}

func vec(v protocol.Vector) r3.Vec {
	return r3.Vec{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
}
