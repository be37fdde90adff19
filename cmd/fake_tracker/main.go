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
	flag.Parse()

	log.Println("starting bodytracker fake trackers (mock orientation → UDP)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunFakeTrackers(ctx); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
