// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tracker owns the live tracker sessions.
//
// Ingestion workers feed decoded packets through Registry.Dispatch, the tick loop ages
// sessions with Sweep and reads them with Snapshot. Snapshot returns copies, so nothing
// outside the registry ever holds a reference to session state.
package tracker

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"

	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/protocol"
)

var (
	// ErrUnknownTracker is returned when a command names a tracker that is not connected.
	ErrUnknownTracker = errors.New("unknown tracker")

	// ErrNoSample is returned when a reset targets a tracker that never sent data.
	ErrNoSample = errors.New("tracker has no sample to calibrate against")
)

// View is a point in time copy of a session.
type View struct {
	ID          Identity            `json:"id"`
	Incarnation uuid.UUID           `json:"incarnation"`
	Addr        netip.AddrPort      `json:"addr"`
	State       State               `json:"state"`
	Device      protocol.DeviceInfo `json:"-"`
	Pose        fusion.Pose         `json:"-"`
	Raw         quat.Number         `json:"-"`
	Calibration fusion.Calibration  `json:"-"`
	Updates     uint64              `json:"updates"`
	Created     time.Time           `json:"created"`
	LastSeen    time.Time           `json:"last_seen"`
	LastSample  time.Time           `json:"last_sample"`
	Telemetry   Telemetry           `json:"telemetry"`
	Counters    Counters            `json:"counters"`
}

// Usable reports whether the solver may use this tracker's pose.
func (v View) Usable() bool {
	return v.State == Active && v.Pose.Valid
}

// Eviction records a session removed from the registry.
type Eviction struct {
	ID          Identity
	Incarnation uuid.UUID
	Addr        netip.AddrPort
	Reason      error
}

// Label is a short metric label for the eviction reason.
func (e Eviction) Label() string {
	switch {
	case errors.Is(e.Reason, ErrDeviceTimeout):
		return "timeout"
	case errors.Is(e.Reason, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(e.Reason, ErrDisconnected):
		return "disconnected"
	case errors.Is(e.Reason, ErrReplaced):
		return "replaced"
	}
	return "other"
}

// Reply is a packet the server owes a device.
type Reply struct {
	Addr   netip.AddrPort
	Packet protocol.Packet
}

// DispatchResult summarizes the effect of one packet.
type DispatchResult struct {
	ID        Identity
	Created   bool
	Fused     bool
	Discarded bool
	Replies   []Reply
	// Evicted holds the session closed by a Disconnect, or an older session replaced by
	// a re-handshake from a new address.
	Evicted []Eviction
}

// SweepResult lists what a sweep evicted and which probes are due.
type SweepResult struct {
	Evicted []Eviction
	Probes  []Reply
}

// CalibrationCommand asks for a reset or an explicit mounting. An empty Tracker targets
// every connected tracker with data.
type CalibrationCommand struct {
	Tracker  Identity
	Reset    fusion.ResetKind
	Mounting *quat.Number
}

func (c CalibrationCommand) String() string {
	target := string(c.Tracker)
	if target == "" {
		target = "all"
	}
	if c.Mounting != nil {
		return fmt.Sprintf("set mounting on %s", target)
	}
	return fmt.Sprintf("%s reset on %s", c.Reset, target)
}

// Registry is the arena of live sessions keyed by identity.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[Identity]*Session
	byAddr   map[netip.AddrPort]Identity
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[Identity]*Session),
		byAddr:   make(map[netip.AddrPort]Identity),
	}
}

// Upsert returns the identity of the session for addr, creating a Discovered session
// when there is none.
func (r *Registry) Upsert(addr netip.AddrPort, now time.Time) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, created := r.upsertLocked(addr, now)
	return s.id, created
}

func (r *Registry) upsertLocked(addr netip.AddrPort, now time.Time) (*Session, bool) {
	if id, ok := r.byAddr[addr]; ok {
		if s, ok := r.sessions[id]; ok {
			return s, false
		}
	}
	s := newSession(addr, now, r.cfg)
	r.sessions[s.id] = s
	r.byAddr[addr] = s.id
	return s, true
}

// Remove drops the session with the given identity.
func (r *Registry) Remove(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id) != nil
}

func (r *Registry) removeLocked(id Identity) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	if r.byAddr[s.addr] == id {
		delete(r.byAddr, s.addr)
	}
	return s
}

// Dispatch applies one decoded packet from addr.
func (r *Registry) Dispatch(addr netip.AddrPort, p protocol.Packet, now time.Time) DispatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, created := r.upsertLocked(addr, now)
	out := s.handle(p, now)

	res := DispatchResult{
		ID:        s.id,
		Created:   created,
		Fused:     out.fused,
		Discarded: out.discarded,
	}
	for _, pkt := range out.replies {
		res.Replies = append(res.Replies, Reply{Addr: addr, Packet: pkt})
	}

	if out.handshake && s.device.HasMAC() {
		if ev, ok := r.rekeyLocked(s, MACIdentity(s.device.MACString())); ok {
			res.Evicted = append(res.Evicted, ev)
		}
		res.ID = s.id
		log.Printf("tracker: %s handshake from %s (board %d, imu %d, fw %q)",
			s.id, addr, s.device.BoardType, s.device.IMUType, s.device.Firmware)
	}

	if out.disconnected {
		r.removeLocked(s.id)
		res.Evicted = append(res.Evicted, Eviction{ID: s.id, Incarnation: s.incarnation, Addr: s.addr, Reason: ErrDisconnected})
	}
	return res
}

// rekeyLocked moves s under id. An older session already holding id is replaced and
// its calibration carried over, since it is the same physical device.
func (r *Registry) rekeyLocked(s *Session, id Identity) (Eviction, bool) {
	if s.id == id {
		return Eviction{}, false
	}
	var (
		ev       Eviction
		replaced bool
	)
	if old := r.removeLocked(id); old != nil {
		ev = Eviction{ID: old.id, Incarnation: old.incarnation, Addr: old.addr, Reason: ErrReplaced}
		replaced = true
		s.cal = old.cal
		log.Printf("tracker: %s reconnected from %s (was %s)", id, s.addr, old.addr)
	}
	delete(r.sessions, s.id)
	s.id = id
	r.sessions[id] = s
	r.byAddr[s.addr] = id
	return ev, replaced
}

// Sweep ages every session. Timed out sessions and failed handshakes are evicted;
// pending handshakes get their probe re-sent.
func (r *Registry) Sweep(now time.Time) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SweepResult
	for id, s := range r.sessions {
		reason, sendProbe := s.sweep(now, r.cfg)
		if reason != nil {
			r.removeLocked(id)
			res.Evicted = append(res.Evicted, Eviction{ID: id, Incarnation: s.incarnation, Addr: s.addr, Reason: reason})
			continue
		}
		if sendProbe {
			res.Probes = append(res.Probes, Reply{Addr: s.addr, Packet: probe()})
		}
	}
	sort.Slice(res.Evicted, func(i, j int) bool { return res.Evicted[i].ID < res.Evicted[j].ID })
	sort.Slice(res.Probes, func(i, j int) bool { return res.Probes[i].Addr.String() < res.Probes[j].Addr.String() })
	return res
}

// Calibrate applies cmd and returns how many trackers it touched.
func (r *Registry) Calibrate(cmd CalibrationCommand) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd.Tracker != "" {
		s, ok := r.sessions[cmd.Tracker]
		if !ok || !s.state.Connected() {
			return 0, fmt.Errorf("calibrate %s: %w", cmd.Tracker, ErrUnknownTracker)
		}
		if err := r.calibrateLocked(s, cmd); err != nil {
			return 0, fmt.Errorf("calibrate %s: %w", cmd.Tracker, err)
		}
		return 1, nil
	}

	n := 0
	for _, s := range r.sessions {
		if !s.state.Connected() {
			continue
		}
		if err := r.calibrateLocked(s, cmd); err == nil {
			n++
		}
	}
	return n, nil
}

func (r *Registry) calibrateLocked(s *Session, cmd CalibrationCommand) error {
	if cmd.Mounting != nil {
		s.calibrate(s.cal.WithMounting(*cmd.Mounting))
		return nil
	}
	raw, ok := s.filter.LastRaw()
	if !ok {
		return ErrNoSample
	}
	s.calibrate(s.cal.WithReset(cmd.Reset, raw.Orientation))
	return nil
}

// Get returns a copy of one session.
func (r *Registry) Get(id Identity) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return View{}, false
	}
	return s.view(), true
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot copies every session, ordered by identity.
func (r *Registry) Snapshot() []View {
	r.mu.RLock()
	views := make([]View, 0, len(r.sessions))
	for _, s := range r.sessions {
		views = append(views, s.view())
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}
