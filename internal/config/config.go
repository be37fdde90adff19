// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all application configuration values.
type Config struct {
	// Network
	BindAddress     string
	TrackerPort     int
	AuxPort         int
	UDPReadBuffer   int // bytes
	DispatchWorkers int
	DispatchQueue   int // datagrams per worker

	// Tick loop
	TickRateHz         int
	StatsLogInterval   int // milliseconds
	PoseLogInterval    int // milliseconds, 0 disables the log bridge
	PublishTimeout     int // milliseconds
	TrackerStatusEvery int // milliseconds between tracker status messages

	// Tracker sessions
	StaleAfter       int // milliseconds
	Timeout          int // milliseconds
	HandshakeTimeout int // milliseconds
	HandshakeRetries int

	// Fusion
	FusionMinAlpha     float64
	FusionSnapAngleDeg float64
	AccelThreshold     float64 // m/s²
	AccelWindow        int     // milliseconds

	// Body model
	BodyModelFile string

	// MQTT
	MQTTBroker          string
	MQTTClientID        string
	MQTTClientIDConsole string
	TopicSkeleton       string
	TopicTrackers       string
	ConsoleLogInterval  int // milliseconds

	// Tap gestures
	TapEnabled               bool
	TapQuickResetTaps        int
	TapQuickResetDelay       int // milliseconds
	TapResetTaps             int
	TapResetDelay            int // milliseconds
	TapMountingResetTaps     int
	TapMountingResetDelay    int // milliseconds
	TapTrackersOverThreshold int

	// Serial provisioning
	SerialPort     string
	SerialBaudRate int

	// Simulated trackers
	FakeServer     string
	FakeTrackers   int
	FakeSampleRate int // Hz
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: set once by InitGlobal, read through Get.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access. Write lock for initialization,
//     read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Defaults returns the configuration used for every key the file leaves out.
func Defaults() *Config {
	return &Config{
		TrackerPort:     6969,
		AuxPort:         21110,
		UDPReadBuffer:   1 << 20,
		DispatchWorkers: 2,
		DispatchQueue:   1024,

		TickRateHz:         100,
		StatsLogInterval:   10000,
		PublishTimeout:     20,
		TrackerStatusEvery: 1000,

		StaleAfter:       500,
		Timeout:          5000,
		HandshakeTimeout: 1000,
		HandshakeRetries: 3,

		FusionMinAlpha:     0.2,
		FusionSnapAngleDeg: 25,
		AccelThreshold:     40,
		AccelWindow:        150,

		MQTTClientID:        "bodytracker-server",
		MQTTClientIDConsole: "bodytracker-console",
		TopicSkeleton:       "bodytracker/skeleton",
		TopicTrackers:       "bodytracker/trackers",
		ConsoleLogInterval:  500,

		TapEnabled:               true,
		TapQuickResetTaps:        2,
		TapQuickResetDelay:       1000,
		TapResetTaps:             3,
		TapResetDelay:            200,
		TapMountingResetTaps:     3,
		TapMountingResetDelay:    1000,
		TapTrackersOverThreshold: 1,

		SerialBaudRate: 115200,

		FakeServer:     "127.0.0.1:6969",
		FakeTrackers:   1,
		FakeSampleRate: 100,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Defaults()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intIn(key, value string, min, max int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, min, max, v)
	}
	return v, nil
}

func floatIn(key, value string, min, max float64) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %g and %g, got %g", key, min, max, v)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	const maxMs = 3600 * 1000
	var (
		i   int
		f   float64
		err error
	)
	setInt := func(dst *int, min, max int) error {
		i, err = intIn(key, value, min, max)
		if err == nil {
			*dst = i
		}
		return err
	}
	setFloat := func(dst *float64, min, max float64) error {
		f, err = floatIn(key, value, min, max)
		if err == nil {
			*dst = f
		}
		return err
	}

	switch key {
	// Network
	case "BIND_ADDRESS":
		c.BindAddress = value
	case "TRACKER_PORT":
		return setInt(&c.TrackerPort, 0, 65535)
	case "AUX_PORT":
		return setInt(&c.AuxPort, 0, 65535)
	case "UDP_READ_BUFFER":
		return setInt(&c.UDPReadBuffer, 0, 64<<20)
	case "DISPATCH_WORKERS":
		return setInt(&c.DispatchWorkers, 1, 64)
	case "DISPATCH_QUEUE":
		return setInt(&c.DispatchQueue, 1, 1<<20)

	// Tick loop
	case "TICK_RATE_HZ":
		return setInt(&c.TickRateHz, 1, 1000)
	case "STATS_LOG_INTERVAL_MS":
		return setInt(&c.StatsLogInterval, 0, maxMs)
	case "POSE_LOG_INTERVAL_MS":
		return setInt(&c.PoseLogInterval, 0, maxMs)
	case "PUBLISH_TIMEOUT_MS":
		return setInt(&c.PublishTimeout, 1, 60000)
	case "TRACKER_STATUS_INTERVAL_MS":
		return setInt(&c.TrackerStatusEvery, 0, maxMs)

	// Tracker sessions
	case "STALE_AFTER_MS":
		return setInt(&c.StaleAfter, 1, maxMs)
	case "TIMEOUT_MS":
		return setInt(&c.Timeout, 1, maxMs)
	case "HANDSHAKE_TIMEOUT_MS":
		return setInt(&c.HandshakeTimeout, 1, maxMs)
	case "HANDSHAKE_RETRIES":
		return setInt(&c.HandshakeRetries, 1, 100)

	// Fusion
	case "FUSION_MIN_ALPHA":
		return setFloat(&c.FusionMinAlpha, 0, 1)
	case "FUSION_SNAP_ANGLE_DEG":
		return setFloat(&c.FusionSnapAngleDeg, 0.1, 180)
	case "ACCEL_THRESHOLD":
		return setFloat(&c.AccelThreshold, 0, 1000)
	case "ACCEL_WINDOW_MS":
		return setInt(&c.AccelWindow, 0, maxMs)

	// Body model
	case "BODY_MODEL_FILE":
		c.BodyModelFile = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "TOPIC_SKELETON":
		c.TopicSkeleton = value
	case "TOPIC_TRACKERS":
		c.TopicTrackers = value
	case "CONSOLE_LOG_INTERVAL_MS":
		return setInt(&c.ConsoleLogInterval, 1, maxMs)

	// Tap gestures
	case "TAP_ENABLED":
		b, perr := strconv.ParseBool(value)
		if perr != nil {
			return fmt.Errorf("invalid TAP_ENABLED %q: %w", value, perr)
		}
		c.TapEnabled = b
	case "TAP_QUICK_RESET_TAPS":
		return setInt(&c.TapQuickResetTaps, 2, 10)
	case "TAP_QUICK_RESET_DELAY_MS":
		return setInt(&c.TapQuickResetDelay, 0, 60000)
	case "TAP_RESET_TAPS":
		return setInt(&c.TapResetTaps, 2, 10)
	case "TAP_RESET_DELAY_MS":
		return setInt(&c.TapResetDelay, 0, 60000)
	case "TAP_MOUNTING_RESET_TAPS":
		return setInt(&c.TapMountingResetTaps, 2, 10)
	case "TAP_MOUNTING_RESET_DELAY_MS":
		return setInt(&c.TapMountingResetDelay, 0, 60000)
	case "TAP_TRACKERS_OVER_THRESHOLD":
		return setInt(&c.TapTrackersOverThreshold, 1, 20)

	// Serial provisioning
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		return setInt(&c.SerialBaudRate, 300, 4000000)

	// Simulated trackers
	case "FAKE_SERVER":
		c.FakeServer = value
	case "FAKE_TRACKERS":
		return setInt(&c.FakeTrackers, 1, 64)
	case "FAKE_SAMPLE_RATE_HZ":
		return setInt(&c.FakeSampleRate, 1, 1000)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// validate checks values that depend on each other.
func (c *Config) validate() error {
	if c.StaleAfter >= c.Timeout {
		return fmt.Errorf("STALE_AFTER_MS (%d) must be below TIMEOUT_MS (%d)", c.StaleAfter, c.Timeout)
	}
	if c.HandshakeTimeout > c.Timeout {
		return fmt.Errorf("HANDSHAKE_TIMEOUT_MS (%d) must not exceed TIMEOUT_MS (%d)", c.HandshakeTimeout, c.Timeout)
	}
	if c.TrackerPort != 0 && c.TrackerPort == c.AuxPort {
		return fmt.Errorf("TRACKER_PORT and AUX_PORT are both %d", c.TrackerPort)
	}
	if c.MQTTBroker != "" && c.MQTTClientID == "" {
		return fmt.Errorf("MQTT_CLIENT_ID is required when MQTT_BROKER is set")
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
// An empty path keeps the defaults.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		if configPath == "" {
			globalConfig = Defaults()
			return
		}
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
