// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package serialconsole talks to a tracker's USB serial console to provision it.
package serialconsole

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	serial "github.com/jacobsa/go-serial/serial"
)

const lineBuffer = 256

// ErrClosed is returned by commands sent after Close.
var ErrClosed = errors.New("serial console closed")

// Open opens a serial port at 8N1.
func Open(portName string, baud int) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	log.Printf("serial: opened %s at %d baud", portName, baud)
	return port, nil
}

// Console sends commands and streams back the lines the firmware prints.
type Console struct {
	port io.ReadWriteCloser

	mu     sync.Mutex
	closed bool

	lines   chan string
	dropped atomic.Uint64
	done    chan struct{}
}

// New starts reading from port.
func New(port io.ReadWriteCloser) *Console {
	c := &Console{
		port:  port,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *Console) read() {
	defer close(c.lines)
	defer close(c.done)
	scanner := bufio.NewScanner(c.port)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			c.dropped.Add(1)
		}
	}
	if err := scanner.Err(); err != nil && !c.isClosed() {
		log.Printf("serial: read error: %v", err)
	}
}

// Lines yields device output. It is closed when the port stops delivering data.
func (c *Console) Lines() <-chan string { return c.lines }

// Done is closed when reading stops.
func (c *Console) Done() <-chan struct{} { return c.done }

// Dropped counts lines lost because nobody was reading Lines.
func (c *Console) Dropped() uint64 { return c.dropped.Load() }

func (c *Console) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send writes one raw command line.
func (c *Console) Send(cmd string) error {
	if strings.ContainsAny(cmd, "\r\n") {
		return fmt.Errorf("command %q spans lines", cmd)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_, err := io.WriteString(c.port, cmd+"\n")
	return err
}

// SetWiFi stores network credentials on the tracker.
func (c *Console) SetWiFi(ssid, password string) error {
	if ssid == "" {
		return errors.New("empty ssid")
	}
	if strings.ContainsAny(ssid+password, "\"\r\n") {
		return errors.New("ssid and password cannot contain quotes or newlines")
	}
	return c.Send(fmt.Sprintf("SET WIFI %q %q", ssid, password))
}

// RequestInfo asks the firmware to print its info line.
func (c *Console) RequestInfo() error { return c.Send("GET INFO") }

// Reboot restarts the tracker.
func (c *Console) Reboot() error { return c.Send("REBOOT") }

// FactoryReset wipes the tracker's stored settings.
func (c *Console) FactoryReset() error { return c.Send("FRST") }

// Close releases the port; the reader stops once the port returns an error.
func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.port.Close()
}

// Info is what the firmware reports for GET INFO.
type Info struct {
	Fields map[string]string
}

// MAC returns the reported MAC, if any.
func (i Info) MAC() string { return i.Fields["mac"] }

// Firmware returns the reported firmware version, if any.
func (i Info) Firmware() string { return i.Fields["firmware"] }

// ParseInfo reads the comma separated "key: value" list the firmware prints after its
// log prefix. ok is false when the line carries no such list.
func ParseInfo(line string) (Info, bool) {
	if i := strings.LastIndex(line, "] "); i >= 0 {
		line = line[i+2:]
	}
	info := Info{Fields: map[string]string{}}
	for _, part := range strings.Split(line, ",") {
		k, v, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.ContainsRune(k, ' ') {
			continue
		}
		info.Fields[k] = strings.TrimSpace(v)
	}
	if _, ok := info.Fields["mac"]; !ok && len(info.Fields) < 2 {
		return Info{}, false
	}
	return info, true
}
