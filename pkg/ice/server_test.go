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

	"github.com/pion/stun"
	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
)

type serverHarness struct {
	t      *testing.T
	srv    *Server
	sock   *fakeSocket
	client netip.AddrPort
	peer   net.PacketConn
	nonce  string
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	nets := newVNet(t, "10.0.0.0/24", "10.0.0.1", "10.0.0.2")
	serverNet, peerNet := nets[0], nets[1]

	srv, err := NewServer(ServerParams{
		EnableTURN: true,
		RelayIP:    netip.MustParseAddr("10.0.0.1"),
		Net:        serverNet,
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Close)

	peer, err := peerNet.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 7000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	return &serverHarness{
		t:      t,
		srv:    srv,
		sock:   newFakeSocket("10.0.0.1:3478", nil),
		client: netip.MustParseAddrPort("192.0.2.1:50000"),
		peer:   peer,
	}
}

// deliver feeds raw to the server and returns the last packet it wrote.
func (h *serverHarness) deliver(raw []byte) *stun.Message {
	h.sock.reset()
	h.srv.OnSocketData(raw, h.sock, h.client)
	require.NoError(h.t, h.srv.Exec(func() {}))
	return h.sock.last()
}

func (h *serverHarness) request(method stun.Method, signed bool, setters ...stun.Setter) *stun.Message {
	s := []stun.Setter{stun.TransactionID, stun.NewType(method, stun.ClassRequest)}
	s = append(s, setters...)
	if signed {
		s = append(s,
			stun.NewUsername(h.srv.Ufrag()),
			stun.NewRealm(DefaultRealm),
			stun.NewNonce(h.nonce),
			stun.NewLongTermIntegrity(h.srv.Ufrag(), DefaultRealm, h.srv.Password()),
		)
	}
	s = append(s, stun.Fingerprint)
	return h.deliver(mustBuild(h.t, s...).Raw)
}

func (h *serverHarness) allocate() netip.AddrPort {
	resp := h.request(stun.MethodAllocate, false, proto.RequestedTransport{Protocol: proto.ProtoUDP})
	require.Equal(h.t, int(stun.CodeUnauthorized), errorCode(resp))

	var nonce stun.Nonce
	require.NoError(h.t, nonce.GetFrom(resp))
	h.nonce = nonce.String()

	resp = h.request(stun.MethodAllocate, true, proto.RequestedTransport{Protocol: proto.ProtoUDP})
	require.Equal(h.t, stun.ClassSuccessResponse, resp.Type.Class)
	require.NoError(h.t, stun.NewLongTermIntegrity(h.srv.Ufrag(), DefaultRealm, h.srv.Password()).Check(resp))

	var relayed proto.RelayedAddress
	require.NoError(h.t, relayed.GetFrom(resp))
	addr, ok := addrPortFromIP(relayed.IP, relayed.Port)
	require.True(h.t, ok)
	return addr
}

func TestServer_BindingWithoutAuth(t *testing.T) {
	h := newServerHarness(t)

	resp := h.request(stun.MethodBinding, false)
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)

	var mapped stun.XORMappedAddress
	require.NoError(t, mapped.GetFrom(resp))
	require.Equal(t, int(h.client.Port()), mapped.Port)
}

func TestServer_AllocateErrors(t *testing.T) {
	h := newServerHarness(t)

	resp := h.request(stun.MethodAllocate, false, proto.RequestedTransport{Protocol: proto.ProtoUDP})
	require.Equal(t, int(stun.CodeUnauthorized), errorCode(resp))
	var realm stun.Realm
	require.NoError(t, realm.GetFrom(resp))
	require.Equal(t, DefaultRealm, realm.String())

	h.nonce = "never-issued"
	resp = h.request(stun.MethodAllocate, true, proto.RequestedTransport{Protocol: proto.ProtoUDP})
	require.Equal(t, int(stun.CodeStaleNonce), errorCode(resp))

	var nonce stun.Nonce
	require.NoError(t, nonce.GetFrom(resp))
	h.nonce = nonce.String()

	resp = h.request(stun.MethodAllocate, true)
	require.Equal(t, int(stun.CodeBadRequest), errorCode(resp))

	resp = h.request(stun.MethodAllocate, true, proto.RequestedTransport{Protocol: 6})
	require.Equal(t, int(stun.CodeUnsupportedTransProto), errorCode(resp))

	resp = h.request(stun.MethodCreatePermission, true, peerAddress(netip.MustParseAddrPort("10.0.0.2:7000")))
	require.Equal(t, int(stun.CodeAllocMismatch), errorCode(resp))

	resp = h.request(stun.MethodRefresh, true)
	require.Equal(t, int(stun.CodeAllocMismatch), errorCode(resp))
	require.Zero(t, h.srv.Allocations())
}

func TestServer_Relay(t *testing.T) {
	h := newServerHarness(t)
	relayed := h.allocate()
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), relayed.Addr())
	require.Equal(t, 1, h.srv.Allocations())

	peerAddr := netip.MustParseAddrPort("10.0.0.2:7000")
	relayUDP := net.UDPAddrFromAddrPort(relayed)

	// a second allocate returns the same relay
	require.Equal(t, relayed, h.allocate())

	// no permission, no forwarding
	h.sock.reset()
	_, err := h.peer.WriteTo([]byte("early"), relayUDP)
	require.NoError(t, err)
	require.Never(t, func() bool { return len(h.sock.packets()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	resp := h.request(stun.MethodCreatePermission, true)
	require.Equal(t, int(stun.CodeBadRequest), errorCode(resp))
	resp = h.request(stun.MethodCreatePermission, true, peerAddress(peerAddr))
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)

	// peer to client as a DATA indication
	h.sock.reset()
	_, err = h.peer.WriteTo([]byte("hello"), relayUDP)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.sock.packets()) == 1 }, time.Second, 10*time.Millisecond)
	ind := h.sock.last()
	require.Equal(t, stun.NewType(stun.MethodData, stun.ClassIndication), ind.Type)
	var data proto.Data
	require.NoError(t, data.GetFrom(ind))
	require.Equal(t, []byte("hello"), []byte(data))

	// client to peer with a SEND indication
	send := mustBuild(t,
		stun.TransactionID,
		stun.NewType(stun.MethodSend, stun.ClassIndication),
		peerAddress(peerAddr),
		proto.Data("world"),
		stun.Fingerprint,
	)
	h.deliver(send.Raw)
	require.Equal(t, "world", readPeer(t, h.peer))

	// channel binding switches both directions to ChannelData
	resp = h.request(stun.MethodChannelBind, true, proto.ChannelNumber(0x3000), peerAddress(peerAddr))
	require.Equal(t, int(stun.CodeBadRequest), errorCode(resp))
	resp = h.request(stun.MethodChannelBind, true, proto.MinChannelNumber, peerAddress(netip.MustParseAddrPort("10.0.0.3:7000")))
	require.Equal(t, int(stun.CodeForbidden), errorCode(resp))
	resp = h.request(stun.MethodChannelBind, true, proto.MinChannelNumber, peerAddress(peerAddr))
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)

	h.sock.reset()
	_, err = h.peer.WriteTo([]byte("via channel"), relayUDP)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.sock.packets()) == 1 }, time.Second, 10*time.Millisecond)
	var cd proto.ChannelData
	require.NoError(t, cd.Decode(h.sock.packets()[0].data))
	require.Equal(t, proto.MinChannelNumber, cd.Number)
	require.Equal(t, []byte("via channel"), cd.Data)

	out := proto.ChannelData{Number: proto.MinChannelNumber, Data: []byte("back")}
	h.deliver(out.Encode())
	require.Equal(t, "back", readPeer(t, h.peer))

	// refresh to zero releases the relay
	resp = h.request(stun.MethodRefresh, true, proto.Lifetime{})
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)
	require.Zero(t, h.srv.Allocations())
}

func TestServer_AllocationExpires(t *testing.T) {
	h := newServerHarness(t)
	h.allocate()

	resp := h.request(stun.MethodRefresh, true, proto.Lifetime{Duration: time.Second})
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)
	var lt proto.Lifetime
	require.NoError(t, lt.GetFrom(resp))
	require.Equal(t, time.Second, lt.Duration)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, h.srv.Exec(h.srv.sweep))
	require.Zero(t, h.srv.Allocations())
}

func readPeer(t *testing.T, conn net.PacketConn) string {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	return string(buf[:n])
}
