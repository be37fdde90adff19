// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package ingest moves tracker datagrams from the UDP socket into the registry.
package ingest

import (
	"errors"
	"hash/fnv"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/relabs-tech/bodytracker/internal/metrics"
	"github.com/relabs-tech/bodytracker/internal/protocol"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

const (
	dropQueueFull   = "queue_full"
	dropMalformed   = "malformed"
	sourceLogWindow = 10 * time.Second
	maxLoggedSource = 1024
)

// Datagram is one received UDP payload.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
	At   time.Time
}

// Replier sends packets owed to devices.
type Replier interface {
	Reply(r tracker.Reply) error
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Dispatcher decodes datagrams on a fixed set of workers. Datagrams are sharded by
// source address, so packets from one device are always applied in arrival order.
type Dispatcher struct {
	reg     *tracker.Registry
	m       *metrics.Metrics
	replier Replier

	queues []chan Datagram
	wg     sync.WaitGroup
	once   sync.Once

	logMu   sync.Mutex
	lastLog map[netip.Addr]time.Time
}

// NewDispatcher returns a dispatcher feeding reg. replier may be nil, in which case
// replies are dropped.
func NewDispatcher(cfg Config, reg *tracker.Registry, m *metrics.Metrics, replier Replier) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		reg:     reg,
		m:       m,
		replier: replier,
		queues:  make([]chan Datagram, cfg.Workers),
		lastLog: make(map[netip.Addr]time.Time),
	}
	for i := range d.queues {
		d.queues[i] = make(chan Datagram, cfg.QueueSize)
	}
	return d
}

// Start launches the workers. They exit once Close has been called and their queue
// is drained.
func (d *Dispatcher) Start() {
	for _, q := range d.queues {
		d.wg.Add(1)
		go func(q chan Datagram) {
			defer d.wg.Done()
			for dg := range q {
				d.Handle(dg)
			}
		}(q)
	}
}

// Submit queues dg without blocking. It returns false when the worker queue is full
// and the datagram was dropped.
func (d *Dispatcher) Submit(dg Datagram) bool {
	select {
	case d.queues[d.shard(dg.Addr)] <- dg:
		return true
	default:
		d.m.PacketDropped(dropQueueFull)
		return false
	}
}

func (d *Dispatcher) shard(addr netip.AddrPort) int {
	if len(d.queues) == 1 {
		return 0
	}
	h := fnv.New32a()
	b, _ := addr.MarshalBinary()
	h.Write(b)
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Close stops accepting datagrams and waits for the workers to drain. Submit must not
// be called afterwards.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}

// Handle decodes and applies one datagram on the calling goroutine.
func (d *Dispatcher) Handle(dg Datagram) {
	p, err := protocol.Decode(dg.Data)
	if err != nil {
		code := dropMalformed
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		d.m.PacketDropped(code)
		d.logSource(dg, err)
		return
	}
	d.m.PacketReceived(p.Type().String())

	res := d.reg.Dispatch(dg.Addr, p, dg.At)
	if res.Created {
		log.Printf("ingest: new tracker session %s (%d connected)", res.ID, d.reg.Len())
	}
	for _, ev := range res.Evicted {
		d.m.Evictions.WithLabelValues(ev.Label()).Inc()
		log.Printf("ingest: tracker %s from %s removed: %v", ev.ID, ev.Addr, ev.Reason)
	}
	if d.replier == nil {
		return
	}
	for _, r := range res.Replies {
		if err := d.replier.Reply(r); err != nil {
			d.logSource(dg, err)
		}
	}
}

// logSource logs err at most once per sourceLogWindow for each source address.
func (d *Dispatcher) logSource(dg Datagram, err error) {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	ip := dg.Addr.Addr()
	if last, ok := d.lastLog[ip]; ok && dg.At.Sub(last) < sourceLogWindow {
		return
	}
	if len(d.lastLog) >= maxLoggedSource {
		clear(d.lastLog)
	}
	d.lastLog[ip] = dg.At
	log.Printf("ingest: dropping datagram from %s: %v", dg.Addr, err)
}
