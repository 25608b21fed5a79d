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
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/transport/v2/vnet"
	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-ice/pkg/portmanager"
)

func newVNetAgent(t *testing.T, nw *vnet.Net, params AgentParams) (*Agent, *testListener) {
	t.Helper()

	l := newTestListener()
	params.Listener = l
	params.Net = nw
	a, err := NewAgent(params)
	require.NoError(t, err)
	a.Start()
	t.Cleanup(a.Close)
	return a, l
}

func candidateOfType(t *testing.T, a *Agent, typ CandidateType) CandidateInfo {
	t.Helper()

	var found CandidateInfo
	require.Eventually(t, func() bool {
		for _, c := range a.LocalCandidates() {
			if c.Type == typ {
				found = c
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func TestAgent_EndToEndHost(t *testing.T) {
	nets := newVNet(t, "1.2.3.0/24", "1.2.3.4", "1.2.3.5")
	a, la := newVNetAgent(t, nets[0], AgentParams{Role: RoleControlling})
	b, lb := newVNetAgent(t, nets[1], AgentParams{Role: RoleControlled})

	require.NoError(t, a.GatherCandidates(false, false))
	require.NoError(t, b.GatherCandidates(false, false))

	ca := a.LocalCandidates()
	cb := b.LocalCandidates()
	require.Len(t, ca, 1)
	require.Len(t, cb, 1)
	require.Equal(t, "1.2.3.4", ca[0].Addr.Addr().String())
	require.Equal(t, "1.2.3.5", cb[0].Addr.Addr().String())

	require.NoError(t, b.AddRemoteCandidate(ca[0]))
	require.NoError(t, a.AddRemoteCandidate(cb[0]))

	require.Eventually(t, func() bool {
		return a.State() == AgentStateCompleted && b.State() == AgentStateCompleted
	}, 10*time.Second, 10*time.Millisecond)

	pa, ok := a.SelectedPair()
	require.True(t, ok)
	pb, ok := b.SelectedPair()
	require.True(t, ok)
	require.Equal(t, pa.LocalAddr(), pb.RemoteAddr())
	require.Equal(t, pb.LocalAddr(), pa.RemoteAddr())

	require.Never(t, func() bool {
		return la.completed.Load() != 1 || lb.completed.Load() != 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, a.Send([]byte("media")))
	select {
	case got := <-lb.data:
		require.Equal(t, []byte("media"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no data received")
	}
}

func TestAgent_EndToEndRelay(t *testing.T) {
	nets := newVNet(t, "10.0.0.0/24", "10.0.0.1", "10.0.0.2", "10.0.0.3")

	srv, err := NewServer(ServerParams{
		EnableTURN: true,
		RelayIP:    netip.MustParseAddr("10.0.0.1"),
		Net:        nets[0],
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Close)

	conn, err := nets[0].ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 3478})
	require.NoError(t, err)
	listener := NewPacketSocket(conn, SocketParams{Handler: srv.OnSocketData})
	listener.Start()
	t.Cleanup(func() { _ = listener.Close() })

	a, la := newVNetAgent(t, nets[1], AgentParams{
		Role:   RoleControlling,
		Policy: PolicyRelayOnly,
		IceServer: &IceServerInfo{
			Schema:    SchemaTurn,
			Host:      "10.0.0.1",
			Port:      3478,
			Transport: TransportUDP,
			Username:  srv.Ufrag(),
			Password:  srv.Password(),
		},
	})
	b, lb := newVNetAgent(t, nets[2], AgentParams{Role: RoleControlled})

	require.NoError(t, a.GatherCandidates(false, true))
	require.NoError(t, b.GatherCandidates(false, false))

	relay := candidateOfType(t, a, CandidateTypeRelay)
	require.Equal(t, "10.0.0.1", relay.Addr.Addr().String())
	require.Equal(t, 1, srv.Allocations())

	require.NoError(t, a.AddRemoteCandidate(candidateOfType(t, b, CandidateTypeHost)))
	require.NoError(t, b.AddRemoteCandidate(relay))

	require.Eventually(t, func() bool {
		return a.State() == AgentStateCompleted && b.State() == AgentStateCompleted
	}, 10*time.Second, 10*time.Millisecond)

	pa, ok := a.SelectedPair()
	require.True(t, ok)
	require.True(t, pa.IsRelayed())
	pb, ok := b.SelectedPair()
	require.True(t, ok)
	require.Equal(t, relay.Addr, pb.RemoteAddr())

	require.NoError(t, a.Send([]byte("to b")))
	select {
	case got := <-lb.data:
		require.Equal(t, []byte("to b"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no data relayed to b")
	}

	require.NoError(t, b.Send([]byte("to a")))
	select {
	case got := <-la.data:
		require.Equal(t, []byte("to a"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no data relayed to a")
	}

	a.Close()
	require.Eventually(t, func() bool { return srv.Allocations() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAgent_FailedAllocationReleasesSocket(t *testing.T) {
	nets := newVNet(t, "10.0.0.0/24", "10.0.0.1", "10.0.0.2")

	srv, err := NewServer(ServerParams{
		EnableTURN: true,
		RelayIP:    netip.MustParseAddr("10.0.0.1"),
		Net:        nets[0],
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Close)

	conn, err := nets[0].ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 3478})
	require.NoError(t, err)
	listener := NewPacketSocket(conn, SocketParams{Handler: srv.OnSocketData})
	listener.Start()
	t.Cleanup(func() { _ = listener.Close() })

	ports, err := portmanager.New(40000, 40004)
	require.NoError(t, err)
	a, _ := newVNetAgent(t, nets[1], AgentParams{
		Role:  RoleControlling,
		Ports: ports,
		IceServer: &IceServerInfo{
			Schema:    SchemaTurn,
			Host:      "10.0.0.1",
			Port:      3478,
			Transport: TransportUDP,
			Username:  srv.Ufrag(),
			Password:  "wrong",
		},
	})

	require.NoError(t, a.GatherCandidates(false, true))
	candidateOfType(t, a, CandidateTypeHost)

	// only the host socket keeps its port
	require.Eventually(t, func() bool {
		return ports.Leased() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, srv.Allocations())

	var owned int
	var turnPair *Pair
	require.NoError(t, a.Exec(func() {
		owned = len(a.ownedSockets)
		turnPair = a.turnPair
	}))
	require.Equal(t, 1, owned)
	require.Nil(t, turnPair)
	for _, c := range a.LocalCandidates() {
		require.NotEqual(t, CandidateTypeRelay, c.Type)
	}
}
