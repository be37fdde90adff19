// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package server runs the tracker socket, the dispatch workers, the tick loop and the
// auxiliary HTTP API as one unit with a Start, Interrupt, Join lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/bodytracker/internal/bridge"
	"github.com/relabs-tech/bodytracker/internal/ingest"
	"github.com/relabs-tech/bodytracker/internal/metrics"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tapdetect"
	"github.com/relabs-tech/bodytracker/internal/timeutil"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// StartupError means a resource the server needs could not be acquired. It is never
// retried.
type StartupError struct {
	Resource string
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("cannot bind %s (%v): required ports are busy, make sure no other instance of the server is running", e.Resource, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Config holds everything Start needs.
type Config struct {
	BindAddress    string
	TrackerPort    int
	AuxPort        int
	ReadBuffer     int
	TickRate       int
	StatsInterval  time.Duration
	PublishTimeout time.Duration
	Dispatch       ingest.Config
	Tracker        tracker.Config
	Taps           tapdetect.Config
}

// Server owns every long running part of the tracking pipeline.
type Server struct {
	cfg   Config
	clock timeutil.Clock

	Registry  *tracker.Registry
	Solver    *skeleton.Solver
	Metrics   *metrics.Metrics
	Hub       *bridge.Hub
	Scheduler *Scheduler

	// Aux serves the auxiliary TCP port. When nil only /metrics is served.
	Aux http.Handler

	bridges    []*bridge.Async
	replier    lateReplier
	listener   *ingest.Listener
	dispatcher *ingest.Dispatcher
	auxLn      net.Listener

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// lateReplier forwards to the listener once it is bound.
type lateReplier struct {
	l *ingest.Listener
}

func (r *lateReplier) Reply(rep tracker.Reply) error {
	if r.l == nil {
		return nil
	}
	return r.l.Reply(rep)
}

// New builds a server for model. Every bridge is fronted by a latest-wins async
// publisher; the websocket pose stream is always present.
func New(cfg Config, model skeleton.BodyModel, clock timeutil.Clock, bridges ...bridge.Bridge) *Server {
	s := &Server{
		cfg:      cfg,
		clock:    clock,
		Registry: tracker.NewRegistry(cfg.Tracker),
		Solver:   skeleton.NewSolver(model),
		Metrics:  metrics.New(),
		Hub:      bridge.NewHub(),
	}

	var fan bridge.Fanout
	for _, b := range append([]bridge.Bridge{bridge.WebSocket{Hub: s.Hub}}, bridges...) {
		a := bridge.NewAsync(b, cfg.PublishTimeout)
		name := b.Name()
		a.OnSkip = func() { s.Metrics.PublishSkipped.WithLabelValues(name).Inc() }
		a.OnError = func(error) { s.Metrics.PublishErrors.WithLabelValues(name).Inc() }
		s.bridges = append(s.bridges, a)
		fan = append(fan, a)
	}

	var taps *tapdetect.Manager
	if cfg.Taps.Enabled {
		taps = tapdetect.NewManager(cfg.Taps)
	}
	s.Scheduler = NewScheduler(cfg.TickRate, clock, s.Registry, s.Solver, taps, fan, s.Metrics, &s.replier)
	s.Scheduler.SetStatsInterval(cfg.StatsInterval)
	return s
}

// Start binds both ports and launches every goroutine. Bind failures are returned as
// *StartupError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return errors.New("server already started")
	}

	udpAddr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.TrackerPort))
	l, err := ingest.Listen(udpAddr, s.cfg.ReadBuffer, s.clock)
	if err != nil {
		return &StartupError{Resource: "udp " + udpAddr, Err: err}
	}
	auxAddr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.AuxPort))
	auxLn, err := net.Listen("tcp", auxAddr)
	if err != nil {
		l.Close()
		return &StartupError{Resource: "tcp " + auxAddr, Err: err}
	}
	s.listener, s.auxLn = l, auxLn
	s.replier.l = l
	s.dispatcher = ingest.NewDispatcher(s.cfg.Dispatch, s.Registry, s.Metrics, l)

	handler := s.Aux
	if handler == nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.Metrics.Handler())
		handler = mux
	}
	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s.cancel, s.group = cancel, g

	s.dispatcher.Start()
	for _, a := range s.bridges {
		a.Start(gctx)
	}
	g.Go(func() error { return l.Serve(gctx, s.dispatcher) })
	g.Go(func() error {
		s.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return s.Scheduler.Run(gctx) })
	g.Go(func() error {
		log.Printf("server: aux API listening on %s", auxLn.Addr())
		if err := httpSrv.Serve(auxLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("aux http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			httpSrv.Close()
		}
		return nil
	})
	return nil
}

// Interrupt asks every goroutine to stop. It does not wait.
func (s *Server) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Join waits for the server to stop, then releases the sockets and closes the bridges.
func (s *Server) Join() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}

	err := g.Wait()
	s.dispatcher.Close()
	if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	for _, a := range s.bridges {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close %s bridge: %w", a.Name(), cerr))
		}
	}
	log.Println("server: stopped")
	return err
}

// TrackerAddr is the bound UDP address. Only valid after Start.
func (s *Server) TrackerAddr() netip.AddrPort {
	return s.listener.LocalAddr()
}

// AuxAddr is the bound TCP address. Only valid after Start.
func (s *Server) AuxAddr() string {
	return s.auxLn.Addr().String()
}
