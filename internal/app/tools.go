// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/bodytracker/internal/config"
	"github.com/relabs-tech/bodytracker/internal/ingest"
	"github.com/relabs-tech/bodytracker/internal/metrics"
	"github.com/relabs-tech/bodytracker/internal/serialconsole"
	"github.com/relabs-tech/bodytracker/internal/simtracker"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// RunFakeTrackers streams mock orientations from cfg.FakeTrackers simulated devices.
func RunFakeTrackers(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.FakeTrackers; i++ {
		t, err := simtracker.Dial(simtracker.Config{
			Server:   cfg.FakeServer,
			MAC:      simtracker.MAC(i + 1),
			Rate:     cfg.FakeSampleRate,
			Phase:    float64(i) * 0.7,
			Firmware: "simtracker",
		})
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return t.Run(gctx) })
	}
	log.Printf("fake trackers: %d devices streaming to %s at %d Hz", cfg.FakeTrackers, cfg.FakeServer, cfg.FakeSampleRate)
	return g.Wait()
}

// RunSerialConsole bridges a tracker's serial port to a terminal. Lines typed on in are
// sent as commands; "wifi <ssid> <password>" and "info" are shortcuts.
func RunSerialConsole(ctx context.Context, port string, baud int, in io.Reader, out io.Writer) error {
	if port == "" {
		return fmt.Errorf("no serial port given")
	}
	raw, err := serialconsole.Open(port, baud)
	if err != nil {
		return err
	}
	c := serialconsole.New(raw)
	defer c.Close()
	log.Printf("serial console: opened %s at %d baud", port, baud)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := serialCommand(c, scanner.Text()); err != nil {
				log.Printf("serial console: %v", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-c.Lines():
			if !ok {
				return fmt.Errorf("serial port %s closed", port)
			}
			fmt.Fprintln(out, line)
			if info, ok := serialconsole.ParseInfo(line); ok && info.MAC() != "" {
				fmt.Fprintf(out, "[INFO] mac=%s firmware=%s\n", info.MAC(), info.Firmware())
			}
		}
	}
}

func serialCommand(c *serialconsole.Console, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "wifi":
		if len(fields) != 3 {
			return fmt.Errorf("usage: wifi <ssid> <password>")
		}
		return c.SetWiFi(fields[1], fields[2])
	case "info":
		return c.RequestInfo()
	default:
		return c.Send(strings.TrimSpace(line))
	}
}

// RunReplay feeds a pcap capture through a fresh registry and prints what it saw.
func RunReplay(ctx context.Context, path string, port uint16, speed float64, out io.Writer) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	sc := ServerConfig(cfg)
	reg := tracker.NewRegistry(sc.Tracker)
	m := metrics.New()
	d := ingest.NewDispatcher(sc.Dispatch, reg, m, nil)

	stats, err := ingest.ReplayPCAP(ctx, f, d, ingest.ReplayOptions{Port: port, Speed: speed})
	if err != nil {
		return err
	}
	printReplay(out, stats, reg.Snapshot())
	return nil
}

func printReplay(out io.Writer, stats ingest.ReplayStats, views []tracker.View) {
	fmt.Fprintf(out, "replayed %d of %d packets", stats.Replayed, stats.Packets)
	if !stats.First.IsZero() {
		fmt.Fprintf(out, " spanning %s", stats.Last.Sub(stats.First).Round(time.Millisecond))
	}
	fmt.Fprintf(out, ", %d trackers\n", len(views))
	for _, v := range views {
		fmt.Fprintf(out, "  %s %s state=%s samples=%d\n", v.ID, v.Addr, v.State, v.Counters.Samples)
	}
}
