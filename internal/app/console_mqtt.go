// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bodytracker/internal/bridge"
	"github.com/relabs-tech/bodytracker/internal/config"
)

// consolePrinter formats bridge messages for a terminal. Pose lines are rate limited.
type consolePrinter struct {
	out      io.Writer
	interval time.Duration

	mu       sync.Mutex
	lastPose time.Time
}

func (p *consolePrinter) pose(payload []byte, now time.Time) error {
	var pose bridge.PosePayload
	if err := json.Unmarshal(payload, &pose); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastPose.IsZero() && now.Sub(p.lastPose) < p.interval {
		return nil
	}
	p.lastPose = now

	names := make([]string, 0, len(pose.Joints))
	for name := range pose.Joints {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(p.out, "[POSE] tick=%d tracked=%d\n", pose.Tick, pose.Tracked)
	for _, name := range names {
		j := pose.Joints[name]
		fmt.Fprintf(p.out, "  %-16s x=%6.2f y=%6.2f z=%6.2f  ROLL=%7.2f PITCH=%7.2f YAW=%7.2f  %s\n",
			name, j.Position[0], j.Position[1], j.Position[2],
			j.Euler.Roll, j.Euler.Pitch, j.Euler.Yaw, j.Source)
	}
	return nil
}

func (p *consolePrinter) trackers(payload []byte) error {
	var list []bridge.TrackerPayload
	if err := json.Unmarshal(payload, &list); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[TRACKERS] %d connected\n", len(list))
	for _, t := range list {
		battery := "-"
		if t.Telemetry.HasBattery {
			battery = fmt.Sprintf("%.0f%%", t.Telemetry.BatteryLevel*100)
		}
		flags := []string{t.State}
		if t.Provisional {
			flags = append(flags, "no handshake")
		}
		if !t.Valid {
			flags = append(flags, "invalid")
		}
		fmt.Fprintf(p.out, "  %s %-21s fw=%-10s battery=%-5s %s\n",
			t.ID, t.Addr, t.Firmware, battery, strings.Join(flags, ","))
	}
	return nil
}

// RunConsoleMQTT prints the skeleton and tracker topics until ctx is cancelled.
func RunConsoleMQTT(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is not set")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	printer := &consolePrinter{out: os.Stdout, interval: ms(cfg.ConsoleLogInterval)}

	poseToken := client.Subscribe(cfg.TopicSkeleton, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := printer.pose(msg.Payload(), time.Now()); err != nil {
			log.Printf("console: pose unmarshal error: %v", err)
		}
	})
	poseToken.Wait()
	if poseToken.Error() != nil {
		return poseToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicSkeleton)

	trackersToken := client.Subscribe(cfg.TopicTrackers, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := printer.trackers(msg.Payload()); err != nil {
			log.Printf("console: trackers unmarshal error: %v", err)
		}
	})
	trackersToken.Wait()
	if trackersToken.Error() != nil {
		return trackersToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicTrackers)

	<-ctx.Done()
	log.Println("console: shutting down")
	return nil
}
