// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/relabs-tech/bodytracker/internal/skeleton"
)

// Async decouples a bridge from the tick loop. Publish never blocks: it parks the pose
// in a single slot and a background goroutine sends whatever is newest. A pose that is
// replaced before it was sent counts as skipped.
type Async struct {
	b       Bridge
	timeout time.Duration

	// OnSkip and OnError are called from the publishing goroutines.
	OnSkip  func()
	OnError func(error)

	slot chan skeleton.Pose
	wg   sync.WaitGroup
	mu   sync.Mutex

	lastLog time.Time
}

// NewAsync wraps b. Each send is bounded by timeout.
func NewAsync(b Bridge, timeout time.Duration) *Async {
	return &Async{
		b:       b,
		timeout: timeout,
		slot:    make(chan skeleton.Pose, 1),
	}
}

func (a *Async) Name() string { return a.b.Name() }

// Publish stores pose as the next one to send.
func (a *Async) Publish(_ context.Context, pose skeleton.Pose) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case a.slot <- pose:
		return nil
	default:
	}
	select {
	case <-a.slot:
		if a.OnSkip != nil {
			a.OnSkip()
		}
	default:
	}
	select {
	case a.slot <- pose:
	default:
	}
	return nil
}

// Start runs the sender until ctx is done.
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case pose := <-a.slot:
				// select picks at random when both are ready; a parked pose must not
				// go out once shutdown began.
				if ctx.Err() != nil {
					return
				}
				a.send(ctx, pose)
			}
		}
	}()
}

func (a *Async) send(ctx context.Context, pose skeleton.Pose) {
	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	err := a.b.Publish(sctx, pose)
	if err == nil {
		return
	}
	if a.OnError != nil {
		a.OnError(err)
	}
	if now := time.Now(); now.Sub(a.lastLog) > 5*time.Second {
		a.lastLog = now
		log.Printf("bridge: %s publish failed: %v", a.b.Name(), err)
	}
}

// Close waits for the sender to stop and closes the wrapped bridge. The context given
// to Start must be cancelled first.
func (a *Async) Close() error {
	a.wg.Wait()
	return a.b.Close()
}
