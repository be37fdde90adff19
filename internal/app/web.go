// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/relabs-tech/bodytracker/internal/bridge"
	"github.com/relabs-tech/bodytracker/internal/server"
	"github.com/relabs-tech/bodytracker/internal/serialconsole"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

// AuxOptions tunes the auxiliary API.
type AuxOptions struct {
	// OpenSerial opens provisioning ports for /ws/serial. Defaults to serialconsole.Open.
	OpenSerial SerialOpener
	SerialBaud int
	// StaticDir, when set, is served at /.
	StaticDir string
}

// NewAuxHandler builds the HTTP API served on the auxiliary port.
func NewAuxHandler(srv *server.Server, opts AuxOptions) http.Handler {
	if opts.OpenSerial == nil {
		opts.OpenSerial = serialconsole.Open
	}
	if opts.SerialBaud == 0 {
		opts.SerialBaud = 115200
	}

	mux := http.NewServeMux()

	// JSON API endpoint: latest pose
	mux.HandleFunc("GET /api/pose", func(w http.ResponseWriter, r *http.Request) {
		pose, ok := srv.Scheduler.Latest()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, bridge.NewPosePayload(pose))
	})

	mux.HandleFunc("GET /api/trackers", func(w http.ResponseWriter, r *http.Request) {
		list := bridge.NewTrackerPayloads(srv.Registry.Snapshot())
		model := srv.Solver.Model()
		for i := range list {
			if j, ok := model.JointOf(tracker.Identity(list[i].ID)); ok {
				list[i].Joint = j.String()
			}
		}
		writeJSON(w, list)
	})

	mux.Handle("GET /metrics", srv.Metrics.Handler())
	mux.Handle("/ws/pose", srv.Hub)
	mux.HandleFunc("/ws/control", HandleControlWS(srv))
	mux.HandleFunc("/ws/serial", HandleSerialWS(opts.OpenSerial, opts.SerialBaud))

	if opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(opts.StaticDir)))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}
