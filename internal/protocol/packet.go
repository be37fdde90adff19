// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package protocol implements the binary UDP protocol spoken by tracker firmware.
//
// Every datagram starts with an 8 byte header followed by a type specific payload.
// All multi-byte fields are big-endian. Field order and widths are a compatibility
// contract with deployed firmware and must not change.
//
//	0..3  magic    "BTRK"
//	4     version  uint8
//	5     type     uint8
//	6..7  length   uint16 (payload bytes)
package protocol

import "fmt"

const (
	// Version is the only framing version this server understands.
	Version uint8 = 1

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 8

	// MaxPayload bounds the declared payload length. Anything larger is rejected
	// before the payload is looked at.
	MaxPayload = 512

	// MaxFirmwareLen is the longest firmware string a handshake can carry.
	MaxFirmwareLen = 255
)

// Magic opens every datagram.
var Magic = [4]byte{'B', 'T', 'R', 'K'}

// Type is the packet tag carried in the header.
type Type uint8

const (
	TypeHandshake      Type = 1
	TypeHeartbeat      Type = 2
	TypeSensorData     Type = 3
	TypeBatteryStatus  Type = 4
	TypeDisconnect     Type = 5
	TypeAck            Type = 6
	TypeSignalStrength Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeSensorData:
		return "sensor_data"
	case TypeBatteryStatus:
		return "battery_status"
	case TypeDisconnect:
		return "disconnect"
	case TypeAck:
		return "ack"
	case TypeSignalStrength:
		return "signal_strength"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Packet is one decoded datagram. The concrete types below are the only implementations.
type Packet interface {
	Type() Type
}

// DeviceInfo describes the tracker hardware announced in a handshake.
type DeviceInfo struct {
	BoardType uint8
	IMUType   uint8
	MCUType   uint8
	MAC       [6]byte
	Firmware  string
}

// MACString formats the MAC as lowercase colon separated hex.
func (d DeviceInfo) MACString() string {
	m := d.MAC
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// HasMAC reports whether the device sent a non-zero MAC.
func (d DeviceInfo) HasMAC() bool {
	return d.MAC != [6]byte{}
}

// Quaternion is the on-wire orientation, x y z w as float32.
type Quaternion struct {
	X, Y, Z, W float32
}

// Vector is an on-wire 3-vector of float32.
type Vector struct {
	X, Y, Z float32
}

// Handshake is sent by a tracker to announce itself, and by the server as a probe.
type Handshake struct {
	ProtocolVersion uint16
	Device          DeviceInfo
}

// Heartbeat keeps an idle session alive.
type Heartbeat struct {
	Sequence uint64
}

// SensorData carries one orientation sample and optional acceleration / position.
type SensorData struct {
	Sequence        uint64
	Orientation     Quaternion
	HasAcceleration bool
	Acceleration    Vector // linear acceleration, m/s², gravity removed
	HasPosition     bool
	Position        Vector // metres, only positional trackers send it
}

// BatteryStatus reports charge level (0..1) and cell voltage.
type BatteryStatus struct {
	Level   float32
	Voltage float32
}

// Disconnect is an explicit goodbye from the tracker.
type Disconnect struct {
	Reason DisconnectReason
}

// DisconnectReason is the firmware supplied reason code.
type DisconnectReason uint8

const (
	ReasonUnknown   DisconnectReason = 0
	ReasonShutdown  DisconnectReason = 1
	ReasonLowPower  DisconnectReason = 2
	ReasonRestart   DisconnectReason = 3
	ReasonUserInput DisconnectReason = 4
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonShutdown:
		return "shutdown"
	case ReasonLowPower:
		return "low_power"
	case ReasonRestart:
		return "restart"
	case ReasonUserInput:
		return "user"
	default:
		return "unknown"
	}
}

// Ack acknowledges a handshake (sequence 0) or a heartbeat.
type Ack struct {
	Sequence uint64
}

// SignalStrength reports the tracker's Wi-Fi RSSI in dBm.
type SignalStrength struct {
	RSSI int8
}

func (Handshake) Type() Type      { return TypeHandshake }
func (Heartbeat) Type() Type      { return TypeHeartbeat }
func (SensorData) Type() Type     { return TypeSensorData }
func (BatteryStatus) Type() Type  { return TypeBatteryStatus }
func (Disconnect) Type() Type     { return TypeDisconnect }
func (Ack) Type() Type            { return TypeAck }
func (SignalStrength) Type() Type { return TypeSignalStrength }
