// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package server

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/metrics"
	"github.com/relabs-tech/bodytracker/internal/protocol"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/timeutil"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

var (
	t0     = time.Date(2026, 5, 6, 18, 0, 0, 0, time.UTC)
	devMAC = [6]byte{0x24, 0x0a, 0xc4, 0xaa, 0xbb, 0xcc}
	devID  = tracker.Identity("mac:24:0a:c4:aa:bb:cc")
)

// recorder is a synchronous bridge that runs hook on every publish.
type recorder struct {
	times []time.Time
	hook  func(n int)
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Publish(_ context.Context, pose skeleton.Pose) error {
	r.times = append(r.times, pose.Time)
	if r.hook != nil {
		r.hook(len(r.times))
	}
	return nil
}

func (r *recorder) Close() error { return nil }

func newTestScheduler(clock timeutil.Clock, out *recorder) (*Scheduler, *tracker.Registry, *metrics.Metrics) {
	reg := tracker.NewRegistry(tracker.DefaultConfig())
	m := metrics.New()
	s := NewScheduler(100, clock, reg, skeleton.NewSolver(skeleton.DefaultModel()), nil, out, m, nil)
	return s, reg, m
}

func TestTickCadence(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	clock.SetAutoAdvance(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const ticks = 200
	out := &recorder{hook: func(n int) {
		if n == ticks {
			cancel()
		}
	}}
	s, _, m := newTestScheduler(clock, out)

	require.NoError(t, s.Run(ctx))
	require.Len(t, out.times, ticks)

	elapsed := out.times[ticks-1].Sub(out.times[0])
	assert.InDelta(t, float64((ticks-1)*10*time.Millisecond), float64(elapsed), float64(10*time.Millisecond))
	for i := 1; i < ticks; i++ {
		assert.Equal(t, 10*time.Millisecond, out.times[i].Sub(out.times[i-1]))
	}
	assert.Equal(t, float64(ticks), testutil.ToFloat64(m.Ticks))
	assert.Zero(t, testutil.ToFloat64(m.TickOverruns))

	last, ok := s.Latest()
	require.True(t, ok)
	assert.EqualValues(t, ticks, last.Tick)
}

func TestOverrunStartsNextTickImmediately(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	clock.SetAutoAdvance(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &recorder{hook: func(n int) {
		switch n {
		case 3:
			clock.Advance(25 * time.Millisecond)
		case 5:
			cancel()
		}
	}}
	s, _, m := newTestScheduler(clock, out)
	require.NoError(t, s.Run(ctx))

	ms := func(d int) time.Time { return t0.Add(time.Duration(d) * time.Millisecond) }
	assert.Equal(t, []time.Time{ms(0), ms(10), ms(20), ms(45), ms(55)}, out.times)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickOverruns))
}

func TestTickPanicIsRecovered(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	clock.SetAutoAdvance(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &recorder{hook: func(n int) {
		switch n {
		case 2:
			panic("bridge exploded")
		case 4:
			cancel()
		}
	}}
	s, _, m := newTestScheduler(clock, out)
	require.NoError(t, s.Run(ctx))

	assert.Len(t, out.times, 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickPanics))
}

func TestNoPublishAfterShutdown(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	out := &recorder{}
	s, _, _ := newTestScheduler(clock, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.tick(ctx, t0)
	assert.Empty(t, out.times)
	_, ok := s.Latest()
	assert.True(t, ok, "the tick still solves")
}

func TestCommandsApplyOnNextTick(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s, reg, m := newTestScheduler(clock, &recorder{})
	addr := netip.MustParseAddrPort("10.0.0.9:4000")

	reg.Dispatch(addr, protocol.Handshake{ProtocolVersion: 1, Device: protocol.DeviceInfo{MAC: devMAC}}, t0)
	reg.Dispatch(addr, protocol.SensorData{Sequence: 1, Orientation: protocol.Quaternion{Y: 0.3826834, W: 0.9238795}}, t0)

	require.NoError(t, s.Submit(tracker.CalibrationCommand{Tracker: devID, Reset: fusion.ResetFull}, OriginAPI))
	before, _ := reg.Get(devID)
	assert.Equal(t, fusion.NoCalibration(), before.Calibration)

	s.tick(context.Background(), t0)

	after, _ := reg.Get(devID)
	assert.NotEqual(t, fusion.NoCalibration(), after.Calibration)
	assert.InDelta(t, 1.0, after.Pose.Orientation.Real, 1e-6)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resets.WithLabelValues("full", OriginAPI)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Trackers.WithLabelValues("active")))
}

func TestSubmitQueueFull(t *testing.T) {
	s, _, _ := newTestScheduler(timeutil.NewMockClock(t0), &recorder{})
	for i := 0; i < commandQueueSize; i++ {
		require.NoError(t, s.Submit(tracker.CalibrationCommand{}, OriginAPI))
	}
	assert.ErrorIs(t, s.Submit(tracker.CalibrationCommand{}, OriginAPI), ErrCommandQueueFull)
}

func TestSweepEvictsTimedOutTrackers(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s, reg, m := newTestScheduler(clock, &recorder{})
	reg.Dispatch(netip.MustParseAddrPort("10.0.0.9:4000"), protocol.Handshake{ProtocolVersion: 1, Device: protocol.DeviceInfo{MAC: devMAC}}, t0)

	s.tick(context.Background(), t0.Add(6*time.Second))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions.WithLabelValues("timeout")))
	last, _ := s.Latest()
	assert.Equal(t, 0, last.Tracked)
}
