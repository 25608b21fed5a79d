// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
)

func TestPermissionTable_Expiry(t *testing.T) {
	const eps = time.Millisecond
	t0 := time.Unix(1_700_000_000, 0)
	tbl := newPermissionTable(DefaultPermissionLifetime)

	ip := netip.MustParseAddr("192.0.2.10")
	tbl.add(ip, t0)

	require.True(t, tbl.has(ip, t0))
	require.True(t, tbl.has(ip, t0.Add(5*time.Minute-eps)))
	require.False(t, tbl.has(ip, t0.Add(5*time.Minute+eps)))
	require.False(t, tbl.has(netip.MustParseAddr("192.0.2.11"), t0))

	// mapped and plain forms are the same peer
	require.True(t, tbl.has(netip.MustParseAddr("::ffff:192.0.2.10"), t0))

	require.Equal(t, 0, tbl.expire(t0.Add(5*time.Minute-eps)))
	require.Equal(t, 1, tbl.expire(t0.Add(5*time.Minute+eps)))
	require.Equal(t, 0, tbl.len())
}

func TestPermissionTable_Refresh(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	tbl := newPermissionTable(DefaultPermissionLifetime)
	ip := netip.MustParseAddr("192.0.2.10")
	tbl.add(ip, t0)

	require.Empty(t, tbl.due(t0.Add(3*time.Minute), DefaultPermissionRefresh))
	require.Equal(t, []netip.Addr{ip}, tbl.due(t0.Add(4*time.Minute), DefaultPermissionRefresh))

	tbl.add(ip, t0.Add(4*time.Minute))
	require.True(t, tbl.has(ip, t0.Add(8*time.Minute)))
	require.Empty(t, tbl.due(t0.Add(5*time.Minute), DefaultPermissionRefresh))
}

func TestChannelTable(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	tbl := newChannelTable(DefaultChannelLifetime)
	peer := netip.MustParseAddrPort("192.0.2.10:4000")
	other := netip.MustParseAddrPort("192.0.2.11:4000")

	tbl.add(proto.MinChannelNumber, peer, t0)
	tbl.add(proto.MinChannelNumber+1, other, t0)

	got, ok := tbl.byNumber(proto.MinChannelNumber, t0)
	require.True(t, ok)
	require.Equal(t, peer, got)

	number, ok := tbl.byPeer(other, t0)
	require.True(t, ok)
	require.Equal(t, proto.MinChannelNumber+1, number)

	// rebinding a peer drops its old number
	tbl.add(proto.MinChannelNumber+2, peer, t0)
	_, ok = tbl.byNumber(proto.MinChannelNumber, t0)
	require.False(t, ok)
	require.Equal(t, 2, tbl.len())

	_, ok = tbl.byPeer(peer, t0.Add(10*time.Minute+time.Millisecond))
	require.False(t, ok)
	require.Len(t, tbl.due(t0.Add(8*time.Minute), DefaultChannelRefresh), 2)
	require.Equal(t, 2, tbl.expire(t0.Add(10*time.Minute)))
}

func TestTransport_PermissionLifetime(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTransport(TransportParams{Clock: mock})

	ip := netip.MustParseAddr("198.51.100.1")
	tr.addPermission(ip)

	mock.Add(5*time.Minute - time.Millisecond)
	require.True(t, tr.hasPermission(ip))
	mock.Add(2 * time.Millisecond)
	require.False(t, tr.hasPermission(ip))
}
