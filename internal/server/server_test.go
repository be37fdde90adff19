// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bodytracker/internal/ingest"
	"github.com/relabs-tech/bodytracker/internal/protocol"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tapdetect"
	"github.com/relabs-tech/bodytracker/internal/timeutil"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

func testConfig() Config {
	return Config{
		BindAddress:    "127.0.0.1",
		TickRate:       100,
		PublishTimeout: 20 * time.Millisecond,
		Dispatch:       ingest.Config{Workers: 2, QueueSize: 64},
		Tracker:        tracker.DefaultConfig(),
		Taps:           tapdetect.Config{},
	}
}

func send(t *testing.T, c *net.UDPConn, p protocol.Packet) {
	t.Helper()
	b, err := protocol.Encode(p)
	require.NoError(t, err)
	_, err = c.Write(b)
	require.NoError(t, err)
}

func TestServerPipeline(t *testing.T) {
	model := skeleton.DefaultModel().Assign(skeleton.Hip, devID)
	srv := New(testConfig(), model, timeutil.RealClock{})
	require.NoError(t, srv.Start())

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(srv.TrackerAddr()))
	require.NoError(t, err)
	defer client.Close()

	send(t, client, protocol.Handshake{ProtocolVersion: 1, Device: protocol.DeviceInfo{MAC: devMAC}})
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	ack, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.Ack{Sequence: 0}, ack)

	// Hip turned 90 degrees about Y.
	seq := uint64(0)
	require.Eventually(t, func() bool {
		seq++
		b, _ := protocol.Encode(protocol.SensorData{Sequence: seq, Orientation: protocol.Quaternion{Y: 0.70710677, W: 0.70710677}})
		client.Write(b)
		pose, ok := srv.Scheduler.Latest()
		return ok && pose.Joint(skeleton.Hip).Source == skeleton.Tracked
	}, 3*time.Second, 10*time.Millisecond)

	pose, _ := srv.Scheduler.Latest()
	assert.Equal(t, 1, pose.Tracked)
	assert.Equal(t, devID, pose.Joint(skeleton.Hip).Tracker)
	assert.Len(t, pose.Joints, skeleton.JointCount)

	resp, err := http.Get("http://" + srv.AuxAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "bodytracker_ticks_total")
	assert.Contains(t, string(body), `bodytracker_trackers{state="active"} 1`)

	srv.Interrupt()
	assert.NoError(t, srv.Join())
}

func TestServerUDPPortBusy(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.TrackerPort = busy.LocalAddr().(*net.UDPAddr).Port
	srv := New(cfg, skeleton.DefaultModel(), timeutil.RealClock{})

	err = srv.Start()
	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Resource, "udp")
	assert.Contains(t, err.Error(), "required ports are busy, make sure no other instance of the server is running")
	assert.NoError(t, srv.Join())
}

func TestServerAuxPortBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.AuxPort = busy.Addr().(*net.TCPAddr).Port
	srv := New(cfg, skeleton.DefaultModel(), timeutil.RealClock{})

	err = srv.Start()
	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Resource, "tcp")

	again := New(testConfig(), skeleton.DefaultModel(), timeutil.RealClock{})
	require.NoError(t, again.Start())
	again.Interrupt()
	assert.NoError(t, again.Join())
}
