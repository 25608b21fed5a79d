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

package config

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

const (
	externalIPAttempts = 3
	externalIPTimeout  = 5 * time.Second
)

// ResolveNodeIP fills rtc.node_ip when unset, either from the configured STUN
// servers or from the first non-loopback interface address.
func (conf *Config) ResolveNodeIP(ctx context.Context) error {
	if conf.RTC.NodeIP != "" {
		return nil
	}
	ip, err := conf.determineIP(ctx)
	if err != nil {
		return err
	}
	conf.RTC.NodeIP = ip
	logger.Infow("resolved node ip", "nodeIP", ip, "external", conf.RTC.UseExternalIP)
	return nil
}

func (conf *Config) determineIP(ctx context.Context) (string, error) {
	if conf.RTC.UseExternalIP {
		stunServers := conf.RTC.STUNServers
		if len(stunServers) == 0 {
			stunServers = DefaultConfig.RTC.STUNServers
		}
		var err error
		for i := 0; i < externalIPAttempts; i++ {
			var ip string
			ip, err = GetExternalIP(ctx, stunServers, nil)
			if err == nil {
				return ip, nil
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		return "", errors.Errorf("could not resolve external IP: %v", err)
	}

	// use local ip instead
	addresses, err := GetLocalIPAddresses(false)
	if len(addresses) > 0 {
		return addresses[0], err
	}
	return "", err
}

func GetLocalIPAddresses(includeLoopback bool) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	loopBacks := make([]string, 0)
	addresses := make([]string, 0)
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch typedAddr := addr.(type) {
			case *net.IPNet:
				ip = typedAddr.IP.To4()
			case *net.IPAddr:
				ip = typedAddr.IP.To4()
			default:
				continue
			}
			if ip == nil {
				continue
			}
			if ip.IsLoopback() {
				loopBacks = append(loopBacks, ip.String())
			} else {
				addresses = append(addresses, ip.String())
			}
		}
	}

	if includeLoopback {
		addresses = append(addresses, loopBacks...)
	}

	if len(addresses) > 0 {
		return addresses, nil
	}
	if len(loopBacks) > 0 {
		return loopBacks, nil
	}
	return nil, fmt.Errorf("could not find local IP address")
}

// GetExternalIP returns the IPv4 address the first STUN server sees for
// localAddr. If localAddr is nil, a local address is chosen automatically.
func GetExternalIP(ctx context.Context, stunServers []string, localAddr net.Addr) (string, error) {
	if len(stunServers) == 0 {
		return "", errors.New("STUN servers are required but not defined")
	}
	dialer := &net.Dialer{
		LocalAddr: localAddr,
	}
	conn, err := dialer.DialContext(ctx, "udp4", stunServers[0])
	if err != nil {
		return "", err
	}
	c, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	defer c.Close()

	message, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return "", err
	}

	// buffered so the client callback never blocks
	ipChan := make(chan string, 1)
	errChan := make(chan error, 1)
	err = c.Start(message, func(res stun.Event) {
		if res.Error != nil {
			errChan <- res.Error
			return
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			errChan <- err
			return
		}
		if ip := xorAddr.IP.To4(); ip != nil {
			ipChan <- ip.String()
		} else {
			errChan <- errors.New("STUN server returned a non IPv4 address")
		}
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, externalIPTimeout)
	defer cancel()
	select {
	case nodeIP := <-ipChan:
		return nodeIP, nil
	case err := <-errChan:
		return "", errors.Wrap(err, "could not determine public IP")
	case <-ctx.Done():
		return "", errors.New("could not determine public IP")
	}
}
