// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// ErrPublishTimeout is returned when the broker does not confirm a publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	PoseTopic      string
	TrackersTopic  string
	StatusInterval time.Duration
}

// publisher is the part of mqtt.Client the bridge uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each pose as JSON on PoseTopic and, every StatusInterval, the tracker
// list on TrackersTopic as a retained message.
type MQTT struct {
	cfg      MQTTConfig
	client   publisher
	trackers func() []tracker.View

	lastStatus time.Time
}

// DialMQTT connects to the broker. trackers may be nil to disable status messages.
func DialMQTT(cfg MQTTConfig, trackers func() []tracker.View) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("bridge: connected to MQTT broker at %s", cfg.Broker)
	return newMQTT(cfg, client, trackers), nil
}

func newMQTT(cfg MQTTConfig, client publisher, trackers func() []tracker.View) *MQTT {
	return &MQTT{cfg: cfg, client: client, trackers: trackers}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Publish(ctx context.Context, pose skeleton.Pose) error {
	payload, err := json.Marshal(NewPosePayload(pose))
	if err != nil {
		return err
	}
	if err := m.send(ctx, m.cfg.PoseTopic, false, payload); err != nil {
		return err
	}

	if m.trackers == nil || m.cfg.TrackersTopic == "" {
		return nil
	}
	if !m.lastStatus.IsZero() && pose.Time.Sub(m.lastStatus) < m.cfg.StatusInterval {
		return nil
	}
	m.lastStatus = pose.Time
	status, err := json.Marshal(NewTrackerPayloads(m.trackers()))
	if err != nil {
		return err
	}
	return m.send(ctx, m.cfg.TrackersTopic, true, status)
}

func (m *MQTT) send(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := m.client.Publish(topic, 0, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
