// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package timeutil lets the tick loop and session timeouts run against a controllable
// clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the server depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
}

// Timer is a single shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// MockClock only moves when told to.
//
// With AutoAdvance set, creating a timer moves the clock to the timer's deadline and
// fires it at once, so a loop that sleeps through timers runs at full speed while still
// observing the durations it asked for.
type MockClock struct {
	mu          sync.Mutex
	now         time.Time
	timers      []*MockTimer
	waits       []time.Duration
	autoAdvance bool
}

// NewMockClock starts at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// SetAutoAdvance toggles auto advancing timers.
func (c *MockClock) SetAutoAdvance(on bool) {
	c.mu.Lock()
	c.autoAdvance = on
	c.mu.Unlock()
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set jumps to t without firing timers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and fires every timer that is due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	pending := c.timers[:0]
	var due []*MockTimer
	for _, t := range c.timers {
		if !now.Before(t.deadline) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

// Waits lists the duration of every timer created so far.
func (c *MockClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	t := &MockTimer{ch: make(chan time.Time, 1)}

	c.mu.Lock()
	c.waits = append(c.waits, d)
	if d <= 0 || c.autoAdvance {
		if d > 0 {
			c.now = c.now.Add(d)
		}
		now := c.now
		c.mu.Unlock()
		t.fire(now)
		return t
	}
	t.deadline = c.now.Add(d)
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// MockTimer is fired by its MockClock.
type MockTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	done     bool
}

func (t *MockTimer) C() <-chan time.Time { return t.ch }

func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.done
	t.done = true
	return active
}

func (t *MockTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.ch <- now
}
