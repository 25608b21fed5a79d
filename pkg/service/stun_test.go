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

package service

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStunServer(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		conf := newTestConfig(t, "")
		srv, err := NewStunServer(conf)
		require.NoError(t, err)
		require.Nil(t, srv)
	})

	t.Run("shares ice port", func(t *testing.T) {
		conf := newTestConfig(t, "")
		conf.STUN.UDPPort = int(conf.RTC.UDPPort)
		_, err := NewStunServer(conf)
		require.ErrorIs(t, err, ErrInvalidStunPort)
	})

	t.Run("answers binding", func(t *testing.T) {
		port, _ := freePorts(t)
		conf := newTestConfig(t, "")
		conf.BindAddresses = []string{"127.0.0.1"}
		conf.STUN.UDPPort = port

		srv, err := NewStunServer(conf)
		require.NoError(t, err)
		require.NotNil(t, srv)
		t.Cleanup(func() { _ = srv.Close() })

		client, err := net.ListenPacket("udp4", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		mapped := bindingRoundTrip(t, client, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		require.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, mapped.Port)
	})
}
