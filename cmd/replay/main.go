// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/bodytracker/internal/app"
	"github.com/relabs-tech/bodytracker/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (empty for defaults)")
	capture := flag.String("pcap", "", "capture file to replay")
	port := flag.Uint("port", 6969, "tracker UDP port in the capture")
	speed := flag.Float64("speed", 0, "replay speed, 1 is real time, 0 is as fast as possible")
	flag.Parse()

	if *capture == "" {
		log.Fatalf("missing -pcap")
	}
	log.Printf("starting bodytracker replay of %s", *capture)

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunReplay(ctx, *capture, uint16(*port), *speed, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
