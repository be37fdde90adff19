// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayOptions controls ReplayPCAP.
type ReplayOptions struct {
	// Port selects UDP datagrams sent to this destination port.
	Port uint16
	// Speed scales the gaps between captured packets. Zero replays as fast as possible.
	Speed float64
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Packets  int
	Replayed int
	First    time.Time
	Last     time.Time
}

// ReplayPCAP feeds the tracker datagrams of a pcap capture through d, stamped with
// their capture time. Replies are never sent.
func ReplayPCAP(ctx context.Context, r io.Reader, d *Dispatcher, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("read pcap header: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	var prev time.Time
	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("pcap packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		addr, payload, ok := trackerDatagram(packet, opts.Port)
		if !ok {
			continue
		}
		at := packet.Metadata().Timestamp
		if opts.Speed > 0 && !prev.IsZero() {
			if gap := time.Duration(float64(at.Sub(prev)) / opts.Speed); gap > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		prev = at

		data := make([]byte, len(payload))
		copy(data, payload)
		d.Handle(Datagram{Addr: addr, Data: data, At: at})

		stats.Replayed++
		if stats.First.IsZero() {
			stats.First = at
		}
		stats.Last = at
		if stats.Replayed%10000 == 0 {
			log.Printf("ingest: replayed %d datagrams", stats.Replayed)
		}
	}
	return stats, nil
}

func trackerDatagram(packet gopacket.Packet, port uint16) (netip.AddrPort, []byte, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return netip.AddrPort{}, nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || uint16(udp.DstPort) != port || len(udp.Payload) == 0 {
		return netip.AddrPort{}, nil, false
	}

	var src netip.Addr
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
	default:
		return netip.AddrPort{}, nil, false
	}
	return netip.AddrPortFrom(src.Unmap(), uint16(udp.SrcPort)), udp.Payload, true
}
