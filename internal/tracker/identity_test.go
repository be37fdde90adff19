// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in   string
		want Identity
	}{
		{"mac:24:0A:C4:00:00:01", "mac:24:0a:c4:00:00:01"},
		{"24:0a:c4:00:00:01", "mac:24:0a:c4:00:00:01"},
		{" udp:10.0.0.7:6970 ", "udp:10.0.0.7:6970"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "hip", "mac:zz", "udp:nope"} {
		_, err := ParseIdentity(bad)
		assert.Error(t, err, bad)
	}
}
