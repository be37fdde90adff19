// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/bodytracker/internal/skeleton"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
	writeWait         = time.Second
)

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  socketBufferSize,
	WriteBufferSize: socketBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	socket *websocket.Conn
	send   chan []byte
}

func (c *wsClient) read() {
	defer c.socket.Close()
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) write() {
	defer c.socket.Close()
	for msg := range c.send {
		c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub streams poses to every connected websocket client. A client that falls behind
// misses messages instead of slowing down the others.
type Hub struct {
	forward chan []byte
	join    chan *wsClient
	leave   chan *wsClient
	done    chan struct{}
	clients map[*wsClient]bool

	count   atomic.Int32
	skipped atomic.Uint64
}

// NewHub returns a hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		forward: make(chan []byte),
		join:    make(chan *wsClient),
		leave:   make(chan *wsClient),
		done:    make(chan struct{}),
		clients: make(map[*wsClient]bool),
	}
}

// Run serves joins, leaves and broadcasts until ctx is done, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(0)
			return
		case c := <-h.join:
			h.clients[c] = true
			h.count.Add(1)
		case c := <-h.leave:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.count.Add(-1)
			}
		case msg := <-h.forward:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.skipped.Add(1)
				}
			}
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Skipped counts messages dropped for slow clients.
func (h *Hub) Skipped() uint64 { return h.skipped.Load() }

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(ctx context.Context, msg []byte) error {
	select {
	case h.forward <- msg:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &wsClient{socket: socket, send: make(chan []byte, messageBufferSize)}
	select {
	case h.join <- c:
	case <-h.done:
		socket.Close()
		return
	}
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()
	go c.write()
	c.read()
}

// WebSocket is the pose bridge backed by a Hub.
type WebSocket struct {
	Hub *Hub
}

func (ws WebSocket) Name() string { return "websocket" }

func (ws WebSocket) Publish(ctx context.Context, pose skeleton.Pose) error {
	if ws.Hub.Clients() == 0 {
		return nil
	}
	msg, err := json.Marshal(NewPosePayload(pose))
	if err != nil {
		return err
	}
	return ws.Hub.Broadcast(ctx, msg)
}

func (ws WebSocket) Close() error { return nil }
