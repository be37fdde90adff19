// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracker

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Identity is the stable key of a tracker. Handshaken devices are keyed by MAC
// ("mac:aa:bb:cc:dd:ee:ff"); until then a session is keyed by its source address
// ("udp:10.0.0.7:53211").
type Identity string

const (
	macPrefix  = "mac:"
	addrPrefix = "udp:"
)

// MACIdentity builds the identity of a device from its colon separated MAC.
func MACIdentity(mac string) Identity {
	return Identity(macPrefix + strings.ToLower(mac))
}

// AddrIdentity is the provisional identity of a device that has not handshaken yet.
func AddrIdentity(addr netip.AddrPort) Identity {
	return Identity(addrPrefix + addr.String())
}

// Provisional reports whether id is an address identity.
func (id Identity) Provisional() bool {
	return strings.HasPrefix(string(id), addrPrefix)
}

func (id Identity) String() string { return string(id) }

// ParseIdentity validates an identity coming from configuration or the aux API. A bare
// MAC is accepted and prefixed.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, macPrefix):
		hw, err := net.ParseMAC(strings.TrimPrefix(s, macPrefix))
		if err != nil || len(hw) != 6 {
			return "", fmt.Errorf("invalid tracker identity %q", s)
		}
		return MACIdentity(hw.String()), nil
	case strings.HasPrefix(s, addrPrefix):
		ap, err := netip.ParseAddrPort(strings.TrimPrefix(s, addrPrefix))
		if err != nil {
			return "", fmt.Errorf("invalid tracker identity %q: %w", s, err)
		}
		return AddrIdentity(ap), nil
	}
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		return MACIdentity(hw.String()), nil
	}
	return "", fmt.Errorf("invalid tracker identity %q", s)
}
