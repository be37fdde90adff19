// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package server

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/bodytracker/internal/bridge"
	"github.com/relabs-tech/bodytracker/internal/ingest"
	"github.com/relabs-tech/bodytracker/internal/metrics"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tapdetect"
	"github.com/relabs-tech/bodytracker/internal/timeutil"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// ErrCommandQueueFull is returned when calibration commands arrive faster than ticks.
var ErrCommandQueueFull = errors.New("calibration command queue is full")

const commandQueueSize = 64

// Command origins used in logs and metrics.
const (
	OriginAPI = "api"
	OriginTap = "tap"
)

type queuedCommand struct {
	cmd    tracker.CalibrationCommand
	origin string
}

var trackerStates = []tracker.State{
	tracker.Discovered, tracker.Handshaking, tracker.Active,
	tracker.Degraded, tracker.TimedOut, tracker.Disconnected,
}

// Scheduler runs the fixed rate solve and publish loop.
type Scheduler struct {
	rate          int
	statsInterval time.Duration

	clock   timeutil.Clock
	reg     *tracker.Registry
	solver  *skeleton.Solver
	taps    *tapdetect.Manager
	out     bridge.Bridge
	m       *metrics.Metrics
	replier ingest.Replier

	commands chan queuedCommand
	latest   atomic.Pointer[skeleton.Pose]

	lastStats time.Time
}

// NewScheduler wires the loop. taps, out and replier may be nil.
func NewScheduler(rate int, clock timeutil.Clock, reg *tracker.Registry, solver *skeleton.Solver,
	taps *tapdetect.Manager, out bridge.Bridge, m *metrics.Metrics, replier ingest.Replier) *Scheduler {
	if rate < 1 {
		rate = 1
	}
	return &Scheduler{
		rate:     rate,
		clock:    clock,
		reg:      reg,
		solver:   solver,
		taps:     taps,
		out:      out,
		m:        m,
		replier:  replier,
		commands: make(chan queuedCommand, commandQueueSize),
	}
}

// SetStatsInterval enables the periodic stats line.
func (s *Scheduler) SetStatsInterval(d time.Duration) {
	s.statsInterval = d
}

// Budget is the duration of one tick.
func (s *Scheduler) Budget() time.Duration {
	return time.Second / time.Duration(s.rate)
}

// Submit queues a calibration command for the next tick.
func (s *Scheduler) Submit(cmd tracker.CalibrationCommand, origin string) error {
	select {
	case s.commands <- queuedCommand{cmd: cmd, origin: origin}:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Latest returns the most recent pose, if any tick has completed.
func (s *Scheduler) Latest() (skeleton.Pose, bool) {
	p := s.latest.Load()
	if p == nil {
		return skeleton.Pose{}, false
	}
	return *p, true
}

// Run ticks until ctx is done. A tick that overruns its budget is followed immediately
// by the next one and the schedule restarts from there; missed ticks are not caught up.
func (s *Scheduler) Run(ctx context.Context) error {
	budget := s.Budget()
	log.Printf("server: tick loop running at %d Hz", s.rate)
	next := s.clock.Now()
	s.lastStats = next
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := s.clock.Now()
		s.tick(ctx, start)
		s.m.ObserveTick(s.clock.Since(start), budget)

		next = next.Add(budget)
		wait := next.Sub(s.clock.Now())
		if wait <= 0 {
			next = s.clock.Now()
			continue
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.m.TickPanics.Inc()
			log.Printf("server: tick panicked: %v\n%s", r, debug.Stack())
		}
	}()

	s.drainCommands()

	sw := s.reg.Sweep(now)
	for _, ev := range sw.Evicted {
		s.m.Evictions.WithLabelValues(ev.Label()).Inc()
		log.Printf("server: tracker %s at %s removed: %v", ev.ID, ev.Addr, ev.Reason)
	}
	if s.replier != nil {
		for _, p := range sw.Probes {
			if err := s.replier.Reply(p); err != nil {
				log.Printf("server: handshake probe to %s: %v", p.Addr, err)
			}
		}
	}

	views := s.reg.Snapshot()
	if s.taps != nil {
		if kinds := s.taps.Update(s.solver.Model(), views, now); len(kinds) > 0 {
			for _, kind := range kinds {
				s.apply(tracker.CalibrationCommand{Reset: kind}, OriginTap)
			}
			views = s.reg.Snapshot()
		}
	}
	s.observeTrackers(views)

	pose := s.solver.Solve(views, now)
	s.latest.Store(&pose)
	s.m.TrackedJoints.Set(float64(pose.Tracked))

	s.logStats(now, views)

	if s.out == nil || ctx.Err() != nil {
		return
	}
	if err := s.out.Publish(ctx, pose); err != nil {
		s.m.PublishErrors.WithLabelValues(s.out.Name()).Inc()
	}
}

func (s *Scheduler) drainCommands() {
	for {
		select {
		case qc := <-s.commands:
			s.apply(qc.cmd, qc.origin)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(cmd tracker.CalibrationCommand, origin string) {
	n, err := s.reg.Calibrate(cmd)
	if err != nil {
		log.Printf("server: %s (%s): %v", cmd, origin, err)
		return
	}
	kind := cmd.Reset.String()
	if cmd.Mounting != nil {
		kind = "set_mounting"
	}
	s.m.Resets.WithLabelValues(kind, origin).Inc()
	log.Printf("server: %s (%s) applied to %d trackers", cmd, origin, n)
}

func (s *Scheduler) observeTrackers(views []tracker.View) {
	counts := make(map[tracker.State]int, len(trackerStates))
	for _, v := range views {
		counts[v.State]++
	}
	for _, st := range trackerStates {
		s.m.Trackers.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

func (s *Scheduler) logStats(now time.Time, views []tracker.View) {
	if s.statsInterval <= 0 || now.Sub(s.lastStats) < s.statsInterval {
		return
	}
	elapsed := now.Sub(s.lastStats).Seconds()
	s.lastStats = now
	st := s.m.TakeStats()
	active := 0
	for _, v := range views {
		if v.State == tracker.Active {
			active++
		}
	}
	log.Printf("server: %.1f packets/s, %d dropped, %d/%d trackers active, %d tick overruns",
		float64(st.Packets)/elapsed, st.Dropped, active, len(views), st.Overruns)
}
