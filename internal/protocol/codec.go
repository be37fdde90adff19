// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformed covers truncated, oversized or otherwise unparsable datagrams.
	ErrMalformed = errors.New("malformed packet")

	// ErrUnsupportedVersion is returned when the header version is not Version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// DecodeError describes why a datagram was rejected. Code is a short stable label
// suitable for metrics; Kind is ErrMalformed or ErrUnsupportedVersion.
type DecodeError struct {
	Kind   error
	Code   string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Code, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func malformed(code, format string, args ...any) error {
	return &DecodeError{Kind: ErrMalformed, Code: code, Detail: fmt.Sprintf(format, args...)}
}

const (
	flagAcceleration = 1 << 0
	flagPosition     = 1 << 1
)

// Decode parses one datagram. It never panics; every rejection is a *DecodeError.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return nil, malformed("truncated_header", "got %d bytes", len(b))
	}
	if [4]byte(b[0:4]) != Magic {
		return nil, malformed("bad_magic", "% x", b[0:4])
	}
	if v := b[4]; v != Version {
		return nil, &DecodeError{Kind: ErrUnsupportedVersion, Code: "unsupported_version", Detail: fmt.Sprintf("version %d", v)}
	}
	typ := Type(b[5])
	length := int(binary.BigEndian.Uint16(b[6:8]))
	if length > MaxPayload {
		return nil, malformed("oversized", "declared %d bytes", length)
	}
	payload := b[HeaderSize:]
	if len(payload) != length {
		return nil, malformed("length_mismatch", "declared %d bytes, got %d", length, len(payload))
	}

	r := reader{buf: payload}
	var p Packet
	switch typ {
	case TypeHandshake:
		p = decodeHandshake(&r)
	case TypeHeartbeat:
		p = Heartbeat{Sequence: r.u64()}
	case TypeSensorData:
		p = decodeSensorData(&r)
	case TypeBatteryStatus:
		p = BatteryStatus{Level: r.f32(), Voltage: r.f32()}
	case TypeDisconnect:
		p = Disconnect{Reason: DisconnectReason(r.u8())}
	case TypeAck:
		p = Ack{Sequence: r.u64()}
	case TypeSignalStrength:
		p = SignalStrength{RSSI: int8(r.u8())}
	default:
		return nil, malformed("unknown_type", "type %d", uint8(typ))
	}
	if r.short {
		return nil, malformed("short_payload", "%s needs more than %d bytes", typ, length)
	}
	if r.off != len(r.buf) {
		return nil, malformed("trailing_bytes", "%s has %d unread bytes", typ, len(r.buf)-r.off)
	}
	if r.nonFinite {
		return nil, malformed("non_finite", "%s carries NaN or Inf", typ)
	}
	return p, nil
}

func decodeHandshake(r *reader) Packet {
	h := Handshake{ProtocolVersion: r.u16()}
	h.Device.BoardType = r.u8()
	h.Device.IMUType = r.u8()
	h.Device.MCUType = r.u8()
	copy(h.Device.MAC[:], r.bytes(6))
	n := int(r.u8())
	h.Device.Firmware = string(r.bytes(n))
	return h
}

func decodeSensorData(r *reader) Packet {
	s := SensorData{Sequence: r.u64()}
	flags := r.u8()
	s.Orientation = Quaternion{X: r.f32(), Y: r.f32(), Z: r.f32(), W: r.f32()}
	if flags&flagAcceleration != 0 {
		s.HasAcceleration = true
		s.Acceleration = Vector{X: r.f32(), Y: r.f32(), Z: r.f32()}
	}
	if flags&flagPosition != 0 {
		s.HasPosition = true
		s.Position = Vector{X: r.f32(), Y: r.f32(), Z: r.f32()}
	}
	return s
}

// Encode serializes p with a version 1 header.
func Encode(p Packet) ([]byte, error) {
	var w writer
	switch v := p.(type) {
	case Handshake:
		if len(v.Device.Firmware) > MaxFirmwareLen {
			return nil, fmt.Errorf("encode handshake: firmware string is %d bytes, max %d", len(v.Device.Firmware), MaxFirmwareLen)
		}
		w.u16(v.ProtocolVersion)
		w.u8(v.Device.BoardType)
		w.u8(v.Device.IMUType)
		w.u8(v.Device.MCUType)
		w.raw(v.Device.MAC[:])
		w.u8(uint8(len(v.Device.Firmware)))
		w.raw([]byte(v.Device.Firmware))
	case Heartbeat:
		w.u64(v.Sequence)
	case SensorData:
		var flags uint8
		if v.HasAcceleration {
			flags |= flagAcceleration
		}
		if v.HasPosition {
			flags |= flagPosition
		}
		w.u64(v.Sequence)
		w.u8(flags)
		w.f32(v.Orientation.X)
		w.f32(v.Orientation.Y)
		w.f32(v.Orientation.Z)
		w.f32(v.Orientation.W)
		if v.HasAcceleration {
			w.vec(v.Acceleration)
		}
		if v.HasPosition {
			w.vec(v.Position)
		}
	case BatteryStatus:
		w.f32(v.Level)
		w.f32(v.Voltage)
	case Disconnect:
		w.u8(uint8(v.Reason))
	case Ack:
		w.u64(v.Sequence)
	case SignalStrength:
		w.u8(uint8(v.RSSI))
	default:
		return nil, fmt.Errorf("encode: unsupported packet %T", p)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(w.buf))
	copy(out[0:4], Magic[:])
	out[4] = Version
	out[5] = uint8(p.Type())
	binary.BigEndian.PutUint16(out[6:8], uint16(len(w.buf)))
	return append(out, w.buf...), nil
}

// reader consumes a payload; reads past the end set short instead of panicking.
type reader struct {
	buf       []byte
	off       int
	short     bool
	nonFinite bool
}

func (r *reader) bytes(n int) []byte {
	if r.short || r.off+n > len(r.buf) {
		r.short = true
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8   { return r.bytes(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.bytes(2)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.bytes(8)) }

func (r *reader) f32() float32 {
	f := math.Float32frombits(binary.BigEndian.Uint32(r.bytes(4)))
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		r.nonFinite = true
	}
	return f
}

type writer struct {
	buf []byte
}

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }
func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) f32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *writer) vec(v Vector) {
	w.f32(v.X)
	w.f32(v.Y)
	w.f32(v.Z)
}
