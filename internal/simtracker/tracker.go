// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package simtracker is a software tracker that speaks the wire protocol, for running the
// server without hardware.
package simtracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/bodytracker/internal/orientation"
	"github.com/relabs-tech/bodytracker/internal/protocol"
)

const (
	handshakeEvery = time.Second
	statusEvery    = time.Second
)

// Config describes one simulated device.
type Config struct {
	Server   string
	MAC      [6]byte
	Rate     int // samples per second
	Phase    float64
	Firmware string
}

// MAC returns a stable locally administered MAC for simulated tracker n.
func MAC(n int) [6]byte {
	return [6]byte{0x02, 0x51, 0x4d, 0x00, byte(n >> 8), byte(n)}
}

// Tracker streams mock orientations to the server.
type Tracker struct {
	cfg  Config
	conn *net.UDPConn
	src  orientation.Source

	seq       uint64
	beat      uint64
	connected atomic.Bool
	acks      atomic.Uint64
}

// Dial opens the socket towards cfg.Server.
func Dial(cfg Config) (*Tracker, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if cfg.Rate < 1 {
		cfg.Rate = 100
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "sim-1"
	}
	return &Tracker{cfg: cfg, conn: conn, src: orientation.NewMockSource(cfg.Phase)}, nil
}

// Connected reports whether the server acknowledged the handshake.
func (t *Tracker) Connected() bool { return t.connected.Load() }

// Acks counts acknowledgements received.
func (t *Tracker) Acks() uint64 { return t.acks.Load() }

func (t *Tracker) send(p protocol.Packet) error {
	b, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(b)
	return err
}

func (t *Tracker) handshake() error {
	return t.send(protocol.Handshake{
		ProtocolVersion: uint16(protocol.Version),
		Device:          protocol.DeviceInfo{BoardType: 0xff, IMUType: 0xff, MAC: t.cfg.MAC, Firmware: t.cfg.Firmware},
	})
}

// Run streams until ctx is done, then says goodbye and closes the socket.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.conn.Close()
	go t.receive(ctx)

	ticker := time.NewTicker(time.Second / time.Duration(t.cfg.Rate))
	defer ticker.Stop()

	var lastHandshake, lastStatus time.Time
	for {
		select {
		case <-ctx.Done():
			if t.connected.Load() {
				t.send(protocol.Disconnect{Reason: protocol.ReasonShutdown})
			}
			return nil
		case now := <-ticker.C:
			if !t.connected.Load() {
				if now.Sub(lastHandshake) >= handshakeEvery {
					lastHandshake = now
					if err := t.handshake(); err != nil {
						log.Printf("simtracker: handshake: %v", err)
					}
				}
				continue
			}
			if err := t.sample(); err != nil {
				log.Printf("simtracker: send: %v", err)
			}
			if now.Sub(lastStatus) >= statusEvery {
				lastStatus = now
				t.status()
			}
		}
	}
}

func (t *Tracker) sample() error {
	q, err := t.src.Next()
	if err != nil {
		return err
	}
	t.seq++
	return t.send(protocol.SensorData{
		Sequence:        t.seq,
		Orientation:     protocol.Quaternion{X: float32(q.Imag), Y: float32(q.Jmag), Z: float32(q.Kmag), W: float32(q.Real)},
		HasAcceleration: true,
		Acceleration:    protocol.Vector{Y: 0.05},
	})
}

func (t *Tracker) status() {
	t.beat++
	t.send(protocol.Heartbeat{Sequence: t.beat})
	t.send(protocol.BatteryStatus{Level: 0.8, Voltage: 3.95})
	t.send(protocol.SignalStrength{RSSI: -55})
}

func (t *Tracker) receive(ctx context.Context) {
	buf := make([]byte, protocol.HeaderSize+protocol.MaxPayload)
	for ctx.Err() == nil {
		t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := t.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		p, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}
		switch v := p.(type) {
		case protocol.Ack:
			t.acks.Add(1)
			if v.Sequence == 0 && !t.connected.Swap(true) {
				log.Printf("simtracker: %x connected", t.cfg.MAC)
			}
		case protocol.Handshake:
			// The server lost our session and is asking again.
			t.connected.Store(false)
			t.handshake()
		}
	}
}
