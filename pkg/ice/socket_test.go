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

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPacketSocket_ReceiveAndClose(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []byte, 1)
	var closes atomic.Int32
	sock := NewPacketSocket(conn, SocketParams{
		Handler: func(data []byte, _ Socket, _ netip.AddrPort) {
			received <- append([]byte(nil), data...)
		},
		OnClose: func() { closes.Inc() },
	})
	sock.Start()

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	_, err = peer.WriteTo([]byte("ping"), net.UDPAddrFromAddrPort(sock.LocalAddr()))
	require.NoError(t, err)

	select {
	case data := <-received:
		require.Equal(t, []byte("ping"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("no data received")
	}

	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())
	require.Equal(t, int32(1), closes.Load())
}

func TestStreamSocket_CloseWithoutStart(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	var closes atomic.Int32
	sock := NewStreamSocket(a, SocketParams{OnClose: func() { closes.Inc() }})
	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())
	require.Equal(t, int32(1), closes.Load())
}
