// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"

	"github.com/relabs-tech/bodytracker/internal/protocol"
	"github.com/relabs-tech/bodytracker/internal/timeutil"
	"github.com/relabs-tech/bodytracker/internal/tracker"
)

const readPoll = 100 * time.Millisecond

// Listener owns the tracker UDP socket.
type Listener struct {
	conn  *net.UDPConn
	clock timeutil.Clock
}

// Listen binds the tracker socket. A failure here means the port is unavailable.
func Listen(address string, readBuffer int, clock timeutil.Clock) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if readBuffer > 0 {
		if err := conn.SetReadBuffer(readBuffer); err != nil {
			log.Printf("ingest: could not set receive buffer to %d bytes: %v", readBuffer, err)
		}
	}
	return &Listener{conn: conn, clock: clock}, nil
}

// LocalAddr is the bound address.
func (l *Listener) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve reads datagrams into d until ctx is done or the socket is closed.
func (l *Listener) Serve(ctx context.Context, d *Dispatcher) error {
	log.Printf("ingest: listening for trackers on %s", l.LocalAddr())
	buf := make([]byte, protocol.HeaderSize+protocol.MaxPayload+1)
	var deadlineErrLogged bool
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(readPoll)); err != nil && !deadlineErrLogged {
			log.Printf("ingest: failed to set read deadline: %v", err)
			deadlineErrLogged = true
		}
		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("ingest: read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.Submit(Datagram{
			Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
			Data: data,
			At:   l.clock.Now(),
		})
	}
}

// Reply encodes r and sends it to the device.
func (l *Listener) Reply(r tracker.Reply) error {
	b, err := protocol.Encode(r.Packet)
	if err != nil {
		return err
	}
	_, err = l.conn.WriteToUDPAddrPort(b, r.Addr)
	return err
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
