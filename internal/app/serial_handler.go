// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/bodytracker/internal/serialconsole"
)

// SerialOpener opens a serial port.
type SerialOpener func(port string, baud int) (io.ReadWriteCloser, error)

// SerialMessage is a command received on /ws/serial.
type SerialMessage struct {
	Action   string `json:"action"` // open, command, close
	Port     string `json:"port,omitempty"`
	Baud     int    `json:"baud,omitempty"`
	Command  string `json:"command,omitempty"` // info, reboot, factory_reset, wifi, raw
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
	Line     string `json:"line,omitempty"`
}

// SerialResponse is a status, error, device line or parsed info message.
type SerialResponse struct {
	Type    string            `json:"type"` // status, error, line, info
	Message string            `json:"message,omitempty"`
	Line    string            `json:"line,omitempty"`
	Info    map[string]string `json:"info,omitempty"`
}

// SerialSession holds one /ws/serial connection and at most one open port.
type SerialSession struct {
	Conn        *websocket.Conn
	open        SerialOpener
	defaultBaud int

	mu      sync.Mutex // guards writes to Conn
	console *serialconsole.Console
	pump    sync.WaitGroup
}

// HandleSerialWS returns the handler for the tracker provisioning websocket.
func HandleSerialWS(open SerialOpener, defaultBaud int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("serial: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		session := &SerialSession{Conn: conn, open: open, defaultBaud: defaultBaud}
		defer session.closePort()

		for {
			var msg SerialMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("serial: websocket read error: %v", err)
				}
				return
			}

			switch msg.Action {
			case "open":
				session.handleOpen(msg)
			case "command":
				session.handleCommand(msg)
			case "close":
				session.closePort()
				session.send(SerialResponse{Type: "status", Message: "closed"})
			default:
				session.sendError(fmt.Sprintf("unknown action: %s", msg.Action))
			}
		}
	}
}

func (s *SerialSession) handleOpen(msg SerialMessage) {
	if msg.Port == "" {
		s.sendError("missing port field")
		return
	}
	baud := msg.Baud
	if baud == 0 {
		baud = s.defaultBaud
	}
	s.closePort()

	port, err := s.open(msg.Port, baud)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.console = serialconsole.New(port)
	s.pump.Add(1)
	go s.forward(s.console)
	s.send(SerialResponse{Type: "status", Message: fmt.Sprintf("opened %s at %d baud", msg.Port, baud)})
}

// forward streams device output until the port closes.
func (s *SerialSession) forward(c *serialconsole.Console) {
	defer s.pump.Done()
	for line := range c.Lines() {
		s.send(SerialResponse{Type: "line", Line: line})
		if info, ok := serialconsole.ParseInfo(line); ok && info.MAC() != "" {
			s.send(SerialResponse{Type: "info", Info: info.Fields})
		}
	}
}

func (s *SerialSession) handleCommand(msg SerialMessage) {
	if s.console == nil {
		s.sendError("no serial port open")
		return
	}
	var err error
	switch msg.Command {
	case "info":
		err = s.console.RequestInfo()
	case "reboot":
		err = s.console.Reboot()
	case "factory_reset":
		err = s.console.FactoryReset()
	case "wifi":
		err = s.console.SetWiFi(msg.SSID, msg.Password)
	case "raw":
		err = s.console.Send(msg.Line)
	default:
		err = fmt.Errorf("unknown command: %s", msg.Command)
	}
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.send(SerialResponse{Type: "status", Message: "sent " + msg.Command})
}

func (s *SerialSession) closePort() {
	if s.console == nil {
		return
	}
	s.console.Close()
	s.pump.Wait()
	s.console = nil
}

func (s *SerialSession) send(resp SerialResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Conn.WriteJSON(resp); err != nil {
		log.Printf("serial: websocket write error: %v", err)
	}
}

func (s *SerialSession) sendError(message string) {
	s.send(SerialResponse{Type: "error", Message: message})
}
