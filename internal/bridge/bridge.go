// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package bridge delivers solved poses to downstream consumers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/bodytracker/internal/skeleton"
)

// Bridge is an output sink for skeletal poses.
type Bridge interface {
	Name() string
	Publish(ctx context.Context, pose skeleton.Pose) error
	Close() error
}

// Fanout publishes to several bridges and joins their errors.
type Fanout []Bridge

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) Publish(ctx context.Context, pose skeleton.Pose) error {
	var errs []error
	for _, b := range f {
		if err := b.Publish(ctx, pose); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, b := range f {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes a one line pose summary at most once per Interval.
type Log struct {
	Interval time.Duration

	last time.Time
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(_ context.Context, pose skeleton.Pose) error {
	if !l.last.IsZero() && pose.Time.Sub(l.last) < l.Interval {
		return nil
	}
	l.last = pose.Time
	hip := pose.Joint(skeleton.Hip).Position
	head := pose.Joint(skeleton.Head).Position
	log.Printf("pose: tick %d, %d/%d joints tracked, hip (%.2f, %.2f, %.2f), head height %.2f",
		pose.Tick, pose.Tracked, skeleton.JointCount, hip.X, hip.Y, hip.Z, head.Y)
	return nil
}

func (l *Log) Close() error { return nil }
