// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/relabs-tech/bodytracker/internal/bridge"
	"github.com/relabs-tech/bodytracker/internal/config"
	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/ingest"
	"github.com/relabs-tech/bodytracker/internal/server"
	"github.com/relabs-tech/bodytracker/internal/tapdetect"
	"github.com/relabs-tech/bodytracker/internal/timeutil"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ServerConfig converts the file configuration into the server's typed configuration.
func ServerConfig(cfg *config.Config) server.Config {
	return server.Config{
		BindAddress:    cfg.BindAddress,
		TrackerPort:    cfg.TrackerPort,
		AuxPort:        cfg.AuxPort,
		ReadBuffer:     cfg.UDPReadBuffer,
		TickRate:       cfg.TickRateHz,
		StatsInterval:  ms(cfg.StatsLogInterval),
		PublishTimeout: ms(cfg.PublishTimeout),
		Dispatch: ingest.Config{
			Workers:   cfg.DispatchWorkers,
			QueueSize: cfg.DispatchQueue,
		},
		Tracker: tracker.Config{
			StaleAfter:       ms(cfg.StaleAfter),
			Timeout:          ms(cfg.Timeout),
			HandshakeTimeout: ms(cfg.HandshakeTimeout),
			HandshakeRetries: cfg.HandshakeRetries,
			Fusion: fusion.Config{
				MinAlpha:       cfg.FusionMinAlpha,
				SnapAngle:      cfg.FusionSnapAngleDeg * math.Pi / 180,
				AccelThreshold: cfg.AccelThreshold,
				AccelWindow:    ms(cfg.AccelWindow),
			},
		},
		Taps: tapdetect.Config{
			Enabled:               cfg.TapEnabled,
			QuickResetTaps:        cfg.TapQuickResetTaps,
			QuickResetDelay:       ms(cfg.TapQuickResetDelay),
			ResetTaps:             cfg.TapResetTaps,
			ResetDelay:            ms(cfg.TapResetDelay),
			MountingResetTaps:     cfg.TapMountingResetTaps,
			MountingResetDelay:    ms(cfg.TapMountingResetDelay),
			TrackersOverThreshold: cfg.TapTrackersOverThreshold,
		},
	}
}

// RunTrackerServer runs the tracking server until ctx is cancelled.
func RunTrackerServer(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}

	model, err := config.LoadBodyModel(cfg.BodyModelFile)
	if err != nil {
		return err
	}

	var (
		bridges []bridge.Bridge
		srv     *server.Server
	)
	if cfg.PoseLogInterval > 0 {
		bridges = append(bridges, &bridge.Log{Interval: ms(cfg.PoseLogInterval)})
	}
	if cfg.MQTTBroker != "" {
		m, err := bridge.DialMQTT(bridge.MQTTConfig{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			PoseTopic:      cfg.TopicSkeleton,
			TrackersTopic:  cfg.TopicTrackers,
			StatusInterval: ms(cfg.TrackerStatusEvery),
		}, func() []tracker.View { return srv.Registry.Snapshot() })
		if err != nil {
			return err
		}
		bridges = append(bridges, m)
	}

	srv = server.New(ServerConfig(cfg), model, timeutil.RealClock{}, bridges...)
	srv.Aux = NewAuxHandler(srv, AuxOptions{SerialBaud: cfg.SerialBaudRate, StaticDir: "web"})

	if err := srv.Start(); err != nil {
		// closing the bridges releases an MQTT connection made above
		for _, b := range bridges {
			b.Close()
		}
		return err
	}
	log.Printf("tracker server: listening for trackers on %s, %d Hz tick", srv.TrackerAddr(), cfg.TickRateHz)

	<-ctx.Done()
	log.Println("tracker server: shutting down")
	srv.Interrupt()
	return srv.Join()
}
