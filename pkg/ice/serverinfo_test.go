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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIceServerInfo(t *testing.T) {
	cases := []struct {
		raw  string
		want IceServerInfo
	}{
		{
			raw:  "stun:stun.example.org",
			want: IceServerInfo{Schema: SchemaStun, Host: "stun.example.org", Port: 3478, Transport: TransportUDP},
		},
		{
			raw:  "STUN:1.2.3.4:19302",
			want: IceServerInfo{Schema: SchemaStun, Host: "1.2.3.4", Port: 19302, Transport: TransportUDP},
		},
		{
			raw:  "turns:turn.example.org?transport=tcp",
			want: IceServerInfo{Schema: SchemaTurn, Secure: true, Host: "turn.example.org", Port: 5349, Transport: TransportTCP},
		},
		{
			raw: "turn:alice:p?ss@[2001:db8::1]:3479?transport=udp",
			want: IceServerInfo{
				Schema:    SchemaTurn,
				Host:      "2001:db8::1",
				Port:      3479,
				Transport: TransportUDP,
				Username:  "alice",
				Password:  "p?ss",
			},
		},
	}
	for _, c := range cases {
		got, err := ParseIceServerInfo(c.raw)
		require.NoError(t, err, c.raw)
		c.want.URL = c.raw
		require.Equal(t, c.want, *got, c.raw)
	}

	for _, raw := range []string{
		"http://example.org",
		"nohost",
		"stun::3478",
		"turn:example.org:99999",
		"turn:example.org?transport=sctp",
	} {
		_, err := ParseIceServerInfo(raw)
		require.Error(t, err, raw)
	}
}

func TestIceServerInfo_Address(t *testing.T) {
	info, err := ParseIceServerInfo("turn:[2001:db8::1]")
	require.NoError(t, err)
	require.Equal(t, "[2001:db8::1]:3478", info.Address())
	require.Equal(t, "turn:[2001:db8::1]:3478?transport=udp", info.String())
}

func TestTransportPolicy(t *testing.T) {
	host := &CandidatePair{Local: CandidateInfo{Type: CandidateTypeHost}, Remote: CandidateInfo{Type: CandidateTypeHost}}
	relay := &CandidatePair{Local: CandidateInfo{Type: CandidateTypeRelay}, Remote: CandidateInfo{Type: CandidateTypeHost}}
	remoteRelay := &CandidatePair{Local: CandidateInfo{Type: CandidateTypeHost}, Remote: CandidateInfo{Type: CandidateTypeRelay}}

	require.True(t, PolicyAll.Allows(host))
	require.True(t, PolicyAll.Allows(relay))
	require.False(t, PolicyRelayOnly.Allows(host))
	require.True(t, PolicyRelayOnly.Allows(relay))
	require.True(t, PolicyRelayOnly.Allows(remoteRelay))
	require.True(t, PolicyP2POnly.Allows(host))
	require.False(t, PolicyP2POnly.Allows(remoteRelay))

	for in, want := range map[string]TransportPolicy{"": PolicyAll, "RELAY": PolicyRelayOnly, "p2p_only": PolicyP2POnly} {
		got, err := ParseTransportPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseTransportPolicy("sometimes")
	require.ErrorIs(t, err, ErrInvalidPolicy)
}
