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
	"strconv"

	"github.com/pion/turn/v2"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/logger/pionlogger"

	"github.com/livekit/livekit-ice/pkg/config"
	"github.com/livekit/livekit-ice/pkg/telemetry"
)

var ErrInvalidStunPort = errors.New("invalid STUN port")

// NewStunServer starts a binding-only pion server on stun.udp_port for every
// bind address. It returns nil when the port is not configured.
func NewStunServer(conf *config.Config) (*turn.Server, error) {
	if conf.STUN.UDPPort == 0 {
		return nil, nil
	}
	if conf.STUN.UDPPort < 0 || conf.STUN.UDPPort == int(conf.RTC.UDPPort) {
		return nil, errors.Wrapf(ErrInvalidStunPort, "%d", conf.STUN.UDPPort)
	}

	bindAddresses := conf.BindAddresses
	if len(bindAddresses) == 0 {
		bindAddresses = []string{"0.0.0.0"}
	}

	serverConfig := turn.ServerConfig{
		Realm:         conf.RTC.Realm,
		LoggerFactory: pionlogger.NewLoggerFactory(logger.GetLogger()),
	}
	closeAll := func() {
		for _, pc := range serverConfig.PacketConnConfigs {
			_ = pc.PacketConn.Close()
		}
	}

	for _, addr := range bindAddresses {
		hostPort := net.JoinHostPort(addr, strconv.Itoa(conf.STUN.UDPPort))
		udpListener, err := net.ListenPacket("udp", hostPort)
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "could not listen on STUN UDP %s", hostPort)
		}

		// no auth handler is set, so allocations are always rejected
		serverConfig.PacketConnConfigs = append(serverConfig.PacketConnConfigs, turn.PacketConnConfig{
			PacketConn: telemetry.NewPacketConn(udpListener),
			RelayAddressGenerator: &turn.RelayAddressGeneratorNone{
				Address: addr,
			},
		})
	}

	srv, err := turn.NewServer(serverConfig)
	if err != nil {
		closeAll()
		return nil, err
	}
	logger.Infow("starting STUN server", "stun.udp_port", conf.STUN.UDPPort, "bind", bindAddresses)
	return srv, nil
}
