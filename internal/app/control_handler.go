// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/num/quat"

	"github.com/relabs-tech/bodytracker/internal/bridge"
	"github.com/relabs-tech/bodytracker/internal/fusion"
	"github.com/relabs-tech/bodytracker/internal/orientation"
	"github.com/relabs-tech/bodytracker/internal/server"
	"github.com/relabs-tech/bodytracker/internal/skeleton"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local tools
	},
}

// ControlMessage is a command received on /ws/control.
type ControlMessage struct {
	Action   string           `json:"action"` // reset, set_mounting, assign, unassign, model
	Kind     string           `json:"kind,omitempty"`
	Tracker  string           `json:"tracker,omitempty"`
	Joint    string           `json:"joint,omitempty"`
	Rotation *bridge.Rotation `json:"rotation,omitempty"`
}

// ControlResponse is the reply to every ControlMessage.
type ControlResponse struct {
	Type        string            `json:"type"` // ok, error, model
	Message     string            `json:"message,omitempty"`
	Assignments map[string]string `json:"assignments,omitempty"`
}

// ControlSession holds one /ws/control connection.
type ControlSession struct {
	Conn *websocket.Conn
	srv  *server.Server
	mu   sync.Mutex
}

// HandleControlWS returns the handler for the calibration and assignment websocket.
func HandleControlWS(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("control: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		session := &ControlSession{Conn: conn, srv: srv}
		for {
			var msg ControlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("control: websocket read error: %v", err)
				}
				return
			}
			session.handle(msg)
		}
	}
}

func (s *ControlSession) handle(msg ControlMessage) {
	var err error
	switch msg.Action {
	case "reset":
		err = s.reset(msg)
	case "set_mounting":
		err = s.setMounting(msg)
	case "assign":
		err = s.assign(msg)
	case "unassign":
		err = s.unassign(msg)
	case "model":
		s.send(ControlResponse{Type: "model", Assignments: assignments(s.srv.Solver.Model())})
		return
	default:
		err = fmt.Errorf("unknown action: %q", msg.Action)
	}
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.send(ControlResponse{Type: "ok", Message: msg.Action})
}

func (s *ControlSession) target(raw string) (tracker.Identity, error) {
	if raw == "" {
		return "", nil
	}
	id, err := tracker.ParseIdentity(raw)
	if err != nil {
		return "", err
	}
	if _, ok := s.srv.Registry.Get(id); !ok {
		return "", fmt.Errorf("%s: %w", id, tracker.ErrUnknownTracker)
	}
	return id, nil
}

func (s *ControlSession) reset(msg ControlMessage) error {
	kind, err := fusion.ParseResetKind(msg.Kind)
	if err != nil {
		return err
	}
	id, err := s.target(msg.Tracker)
	if err != nil {
		return err
	}
	return s.srv.Scheduler.Submit(tracker.CalibrationCommand{Tracker: id, Reset: kind}, server.OriginAPI)
}

func (s *ControlSession) setMounting(msg ControlMessage) error {
	if msg.Rotation == nil {
		return fmt.Errorf("set_mounting needs a rotation")
	}
	q := quat.Number{Real: msg.Rotation.W, Imag: msg.Rotation.X, Jmag: msg.Rotation.Y, Kmag: msg.Rotation.Z}
	if quat.Abs(q) < 1e-6 || quat.IsNaN(q) || quat.IsInf(q) {
		return fmt.Errorf("invalid mounting rotation")
	}
	q = orientation.Normalize(q)
	id, err := s.target(msg.Tracker)
	if err != nil {
		return err
	}
	return s.srv.Scheduler.Submit(tracker.CalibrationCommand{Tracker: id, Mounting: &q}, server.OriginAPI)
}

func (s *ControlSession) assign(msg ControlMessage) error {
	j, err := skeleton.ParseJoint(msg.Joint)
	if err != nil {
		return err
	}
	id, err := tracker.ParseIdentity(msg.Tracker)
	if err != nil {
		return err
	}
	log.Printf("control: assigning %s to %s", id, j)
	return s.srv.Solver.UpdateModel(func(m skeleton.BodyModel) skeleton.BodyModel {
		return m.Assign(j, id)
	})
}

func (s *ControlSession) unassign(msg ControlMessage) error {
	j, err := skeleton.ParseJoint(msg.Joint)
	if err != nil {
		return err
	}
	return s.srv.Solver.UpdateModel(func(m skeleton.BodyModel) skeleton.BodyModel {
		return m.Unassign(j)
	})
}

func assignments(m skeleton.BodyModel) map[string]string {
	out := make(map[string]string, len(m.Assignments))
	for j, id := range m.Assignments {
		out[j.String()] = string(id)
	}
	return out
}

func (s *ControlSession) send(resp ControlResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Conn.WriteJSON(resp); err != nil {
		log.Printf("control: websocket write error: %v", err)
	}
}

func (s *ControlSession) sendError(message string) {
	s.send(ControlResponse{Type: "error", Message: message})
}
