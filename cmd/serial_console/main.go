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
	port := flag.String("port", "", "serial port, overrides SERIAL_PORT")
	baud := flag.Int("baud", 0, "baud rate, overrides SERIAL_BAUD_RATE")
	flag.Parse()

	log.Println("starting tracker serial console (type 'info', 'wifi <ssid> <password>' or raw commands)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	if *port == "" {
		*port = cfg.SerialPort
	}
	if *baud == 0 {
		*baud = cfg.SerialBaudRate
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunSerialConsole(ctx, *port, *baud, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
