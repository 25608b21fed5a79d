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
	"slices"
	"strings"

	"github.com/pion/stun"
	"github.com/pkg/errors"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/portmanager"
)

// socketCandidates maps each local socket to the candidates it serves. A
// candidate is known once per 5-tuple.
type socketCandidates struct {
	order    []Socket
	bySocket map[Socket][]CandidateInfo
	keys     map[string]struct{}
	hosts    []Socket
}

func newSocketCandidates() *socketCandidates {
	return &socketCandidates{
		bySocket: make(map[Socket][]CandidateInfo),
		keys:     make(map[string]struct{}),
	}
}

func (m *socketCandidates) addHost(sock Socket) {
	m.hosts = append(m.hosts, sock)
}

// addMapping returns false when the candidate is already known.
func (m *socketCandidates) addMapping(sock Socket, c CandidateInfo) bool {
	key := c.key()
	if _, ok := m.keys[key]; ok {
		return false
	}
	m.keys[key] = struct{}{}
	if _, ok := m.bySocket[sock]; !ok {
		m.order = append(m.order, sock)
	}
	m.bySocket[sock] = append(m.bySocket[sock], c)
	return true
}

func (m *socketCandidates) first(sock Socket) (CandidateInfo, bool) {
	candidates := m.bySocket[sock]
	if len(candidates) == 0 {
		return CandidateInfo{}, false
	}
	return candidates[0], true
}

func (m *socketCandidates) hasAddress(addr netip.AddrPort) bool {
	for _, candidates := range m.bySocket {
		for _, c := range candidates {
			if c.Addr == addr {
				return true
			}
		}
	}
	return false
}

func (m *socketCandidates) hostSockets() []Socket {
	return m.hosts
}

func (m *socketCandidates) all() []CandidateInfo {
	var all []CandidateInfo
	for _, sock := range m.order {
		all = append(all, m.bySocket[sock]...)
	}
	return all
}

// -----------------------------------------------------------------

// GatherCandidates opens a host socket per usable local address and, when
// asked, discovers server reflexive candidates and a TURN relay candidate
// through the configured ice server. Reflexive and relay candidates arrive
// asynchronously through the listener.
func (a *Agent) GatherCandidates(srflx, relay bool) error {
	var err error
	if execErr := a.Exec(func() {
		err = a.gatherCandidates(srflx, relay)
	}); execErr != nil {
		return execErr
	}
	return err
}

func (a *Agent) gatherCandidates(srflx, relay bool) error {
	if srflx || relay {
		if a.params.IceServer == nil {
			return ErrNoIceServer
		}
		if relay && a.params.IceServer.Schema != SchemaTurn {
			return ErrNoTurnServer
		}
		if err := a.resolveIceServer(); err != nil {
			return err
		}
	}

	ips, err := a.localIPs()
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return ErrNoUsableInterface
	}

	for _, ip := range ips {
		sock, err := a.listenUDP(ip)
		if err != nil {
			a.logger.Warnw("could not open host socket", err, "ip", ip)
			continue
		}
		a.sockets.addHost(sock)
		a.onGatheringCandidate(Pair{Socket: sock}, CandidateInfo{
			Type:      CandidateTypeHost,
			Transport: TransportUDP,
			Addr:      sock.LocalAddr(),
			Base:      sock.LocalAddr(),
		})
		if srflx {
			a.gatherSrflxCandidate(sock)
		}
	}
	if len(a.sockets.hostSockets()) == 0 {
		return ErrNoUsableInterface
	}

	if relay && a.turnPair == nil {
		for _, ip := range ips {
			if ip.Is4() == a.serverAddr.Addr().Is4() {
				return a.gatherRelayCandidate(ip)
			}
		}
		return errors.Wrap(ErrNoUsableInterface, "no address in the turn server family")
	}
	return nil
}

func (a *Agent) resolveIceServer() error {
	if a.serverAddr.IsValid() {
		return nil
	}
	addr, err := a.params.Net.ResolveUDPAddr("udp", a.params.IceServer.Address())
	if err != nil {
		return errors.Wrapf(err, "could not resolve %s", a.params.IceServer.Address())
	}
	a.serverAddr = unmap(addr.AddrPort())
	return nil
}

func (a *Agent) localIPs() ([]netip.Addr, error) {
	ifaces, err := a.params.Net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "could not list interfaces")
	}

	var ips []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || strings.HasPrefix(iface.Name, "lo") {
			continue
		}
		if a.params.InterfaceFilter != nil && !a.params.InterfaceFilter(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			a.logger.Debugw("could not list interface addresses", "iface", iface.Name, "error", err)
			continue
		}
		for _, addr := range addrs {
			var raw net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				raw = v.IP
			case *net.IPAddr:
				raw = v.IP
			default:
				continue
			}
			ip, ok := netip.AddrFromSlice(raw)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if a.params.IPFilter != nil && !a.params.IPFilter(ip) {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (a *Agent) listenUDP(ip netip.Addr) (*PacketSocket, error) {
	var (
		lease *portmanager.Lease
		port  int
	)
	if a.params.Ports != nil {
		var err error
		if lease, err = a.params.Ports.Acquire(); err != nil {
			return nil, err
		}
		port = int(lease.Port())
	}

	network := "udp4"
	if ip.Is6() {
		network = "udp6"
	}
	conn, err := a.params.Net.ListenUDP(network, &net.UDPAddr{IP: ip.AsSlice(), Port: port})
	if err != nil {
		lease.Release()
		return nil, err
	}

	sock := NewPacketSocket(conn, SocketParams{
		Handler: a.OnSocketData,
		Lease:   lease,
		Logger:  a.logger,
	})
	a.ownedSockets = append(a.ownedSockets, sock)
	sock.Start()
	return sock, nil
}

func (a *Agent) gatherSrflxCandidate(sock Socket) {
	base := sock.LocalAddr()
	if base.Addr().Is4() != a.serverAddr.Addr().Is4() {
		return
	}
	handler := func(resp *stun.Message, _ Pair) {
		if resp.Type.Class != stun.ClassSuccessResponse {
			a.logger.Warnw("srflx binding failed", nil, "server", a.serverAddr, "code", errorCode(resp))
			return
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(resp); err != nil {
			a.logger.Warnw("srflx binding response without mapped address", err, "server", a.serverAddr)
			return
		}
		addr, ok := addrPortFromIP(mapped.IP, mapped.Port)
		if !ok || addr == base {
			return
		}
		a.onGatheringCandidate(Pair{Socket: sock}, CandidateInfo{
			Type:      CandidateTypeServerReflexive,
			Transport: TransportUDP,
			Addr:      addr,
			Base:      base,
		})
	}
	if err := a.sendRequest(Pair{Socket: sock, Peer: a.serverAddr}, stun.MethodBinding, requestCredentials{}, handler); err != nil {
		a.logger.Warnw("could not send srflx binding", err, "server", a.serverAddr)
	}
}

func (a *Agent) gatherRelayCandidate(ip netip.Addr) error {
	info := a.params.IceServer

	var sock Socket
	switch info.Transport {
	case TransportTCP:
		conn, err := a.params.Net.Dial("tcp", a.serverAddr.String())
		if err != nil {
			return errors.Wrapf(err, "could not connect to %s", a.serverAddr)
		}
		s := NewStreamSocket(conn, SocketParams{Handler: a.OnSocketData, Logger: a.logger})
		a.ownedSockets = append(a.ownedSockets, s)
		s.Start()
		sock = s
	default:
		s, err := a.listenUDP(ip)
		if err != nil {
			return errors.Wrap(err, "could not open relay socket")
		}
		sock = s
	}

	pair := Pair{Socket: sock, Peer: a.serverAddr}
	a.turnPair = &pair
	a.turnCreds = requestCredentials{
		username: info.Username,
		password: info.Password,
		longTerm: true,
	}
	if err := a.sendRequest(pair, stun.MethodAllocate, a.turnCreds, a.onAllocateResponse,
		proto.RequestedTransport{Protocol: proto.ProtoUDP},
	); err != nil {
		a.releaseTurnSocket()
		return err
	}
	return nil
}

// releaseTurnSocket closes the socket of a failed allocation.
func (a *Agent) releaseTurnSocket() {
	if a.turnPair == nil {
		return
	}
	sock := a.turnPair.Socket
	a.turnPair = nil

	if idx := slices.Index(a.ownedSockets, sock); idx >= 0 {
		a.ownedSockets = slices.Delete(a.ownedSockets, idx, idx+1)
	}
	_ = sock.Close()
}

func (a *Agent) onAllocateResponse(resp *stun.Message, _ Pair) {
	if a.turnPair == nil {
		return
	}
	pair := *a.turnPair

	if resp.Type.Class != stun.ClassSuccessResponse {
		code := errorCode(resp)
		if code == int(stun.CodeAllocQuotaReached) {
			a.logger.Warnw("turn allocation quota reached, use stun instead", nil, "server", a.serverAddr)
		} else {
			a.logger.Warnw("turn allocation failed", nil, "server", a.serverAddr, "code", code)
		}
		a.releaseTurnSocket()
		return
	}

	var relayed proto.RelayedAddress
	if err := relayed.GetFrom(resp); err != nil {
		a.logger.Warnw("allocate response without relayed address", err, "server", a.serverAddr)
		a.releaseTurnSocket()
		return
	}
	addr, ok := addrPortFromIP(relayed.IP, relayed.Port)
	if !ok {
		a.releaseTurnSocket()
		return
	}
	lifetime := a.conf.AllocationLifetime
	var lt proto.Lifetime
	if err := lt.GetFrom(resp); err == nil {
		lifetime = lt.Duration
	}
	a.allocationExpiry = a.clock.Now().Add(lifetime)

	a.onGatheringCandidate(pair, CandidateInfo{
		Type:      CandidateTypeRelay,
		Transport: TransportUDP,
		Addr:      addr,
		Base:      addr,
	})
}

func (a *Agent) onGatheringCandidate(pair Pair, c CandidateInfo) {
	c.Ufrag, c.Pwd = a.Ufrag(), a.Password()
	c.fillDefaults()
	if !a.sockets.addMapping(pair.Socket, c) {
		return
	}
	a.logger.Debugw("gathered candidate", "candidate", c)

	if c.Type == CandidateTypeRelay {
		relay := c
		a.relayCandidate = &relay
		for el := a.remoteCandidates.Front(); el != nil; el = el.Next() {
			if el.Value.Transport == TransportUDP {
				a.localRelayedConnectivityCheck(el.Value)
			}
		}
	}
	a.listener.OnIceTransportGatheringCandidate(pair, c)
}
