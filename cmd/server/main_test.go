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

package main

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-ice/pkg/config"
	"github.com/livekit/livekit-ice/pkg/ice"
)

func TestPrintPortList(t *testing.T) {
	conf, err := config.NewConfig("rtc:\n  tcp_port: 3479\nstun:\n  udp_port: 3480\nprometheus_port: 6789", true, nil, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	printPortList(&out, conf)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{
		"TCP Ports",
		"3479 - STUN/TURN over TCP",
		"6789 - Prometheus",
		"UDP Ports",
		"3478 - STUN/TURN",
		"30000-39999 - TURN relay range",
		"3480 - standalone STUN",
	}, lines)
}

func TestRenderCandidates(t *testing.T) {
	host := ice.CandidateInfo{
		Type:       ice.CandidateTypeHost,
		Transport:  ice.TransportUDP,
		Addr:       netip.MustParseAddrPort("10.0.0.2:50000"),
		Base:       netip.MustParseAddrPort("10.0.0.2:50000"),
		Priority:   ice.CandidatePriority(ice.CandidateTypeHost, 1),
		Foundation: "1",
	}
	srflx := host
	srflx.Type = ice.CandidateTypeServerReflexive
	srflx.Addr = netip.MustParseAddrPort("1.2.3.4:60000")
	srflx.Priority = ice.CandidatePriority(ice.CandidateTypeServerReflexive, 1)
	srflx.Foundation = "2"

	var out bytes.Buffer
	renderCandidates(&out, []ice.CandidateInfo{srflx, host})

	rendered := out.String()
	require.Contains(t, rendered, "10.0.0.2:50000")
	require.Contains(t, rendered, "1.2.3.4:60000")
	// highest priority first
	require.Less(t, strings.Index(rendered, "10.0.0.2:50000"), strings.Index(rendered, "1.2.3.4:60000"))
}
