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
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/stun"
	"github.com/pion/transport/v2"
	"github.com/pion/transport/v2/stdnet"
	"github.com/pion/turn/v2"
	"github.com/pkg/errors"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/portmanager"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-ice/pkg/utils"
)

const (
	nonceCacheSize = 64
	nonceLifetime  = time.Hour
	sweepInterval  = 5 * time.Second
)

// AuthHandler returns the long-term credential key for username in realm.
type AuthHandler func(username, realm string, src netip.AddrPort) (key []byte, ok bool)

type ServerParams struct {
	TransportParams

	EnableTURN bool
	Realm      string
	// RelayIP is the address relay sockets bind to, AnnounceIP the one
	// advertised in XOR-RELAYED-ADDRESS. AnnounceIP defaults to RelayIP.
	RelayIP     netip.Addr
	AnnounceIP  netip.Addr
	Ports       *portmanager.PortManager
	Net         transport.Net
	AuthHandler AuthHandler
}

type allocation struct {
	id        string
	client    Pair
	sock      *PacketSocket
	relayed   netip.AddrPort
	expiresAt time.Time
}

// Server is the TURN/STUN server side of one client session. Binding requests
// are answered without authentication. TURN methods use the long-term
// credential mechanism. All forwarding happens on the session's own loop.
type Server struct {
	*Transport
	params ServerParams

	nonces      *lru.Cache[string, time.Time]
	allocations map[netip.AddrPort]*allocation
	sweepTimer  *utils.Timer
}

func NewServer(params ServerParams) (*Server, error) {
	if params.Realm == "" {
		params.Realm = DefaultRealm
	}
	if params.Net == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, errors.Wrap(err, "could not create net")
		}
		params.Net = n
	}
	if !params.RelayIP.IsValid() {
		params.RelayIP = netip.IPv4Unspecified()
	}
	if !params.AnnounceIP.IsValid() {
		params.AnnounceIP = params.RelayIP
	}

	nonces, err := lru.New[string, time.Time](nonceCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Transport:   newTransport(kindServer, params.TransportParams),
		nonces:      nonces,
		allocations: make(map[netip.AddrPort]*allocation),
	}
	if params.AuthHandler == nil {
		params.AuthHandler = s.defaultAuthHandler
	}
	s.params = params

	s.hooks.authenticate = s.authenticate
	s.hooks.reject = s.reject
	s.hooks.responseIntegrity = s.responseIntegrity
	s.hooks.onChannelData = s.handleChannelData

	if params.EnableTURN {
		s.registerHandler(stun.ClassRequest, stun.MethodAllocate, s.handleAllocateRequest)
		s.registerHandler(stun.ClassRequest, stun.MethodRefresh, s.handleRefreshRequest)
		s.registerHandler(stun.ClassRequest, stun.MethodCreatePermission, s.handleCreatePermissionRequest)
		s.registerHandler(stun.ClassRequest, stun.MethodChannelBind, s.handleChannelBindRequest)
		s.registerHandler(stun.ClassIndication, stun.MethodSend, s.handleSendIndication)
	}
	return s, nil
}

func (s *Server) Start() {
	s.Transport.Start()
	s.sweepTimer = s.loop.Every(sweepInterval, func() bool {
		s.sweep()
		return true
	})
}

func (s *Server) Close() {
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
	}
	s.shutdown(func() {
		for client := range s.allocations {
			s.releaseAllocation(client, "session closed")
		}
	})
}

// Allocations returns the number of live relay allocations.
func (s *Server) Allocations() int {
	n := 0
	_ = s.Exec(func() { n = len(s.allocations) })
	return n
}

func (s *Server) defaultAuthHandler(username, realm string, _ netip.AddrPort) ([]byte, bool) {
	if username != s.Ufrag() || realm != s.params.Realm {
		return nil, false
	}
	return turn.GenerateAuthKey(username, realm, s.Password()), true
}

func (s *Server) authenticate(m *stun.Message, pair Pair) authResult {
	if m.Type.Method == stun.MethodBinding || !s.params.EnableTURN {
		return authOK
	}
	if !m.Contains(stun.AttrMessageIntegrity) {
		return authUnauthorized
	}

	var (
		username stun.Username
		realm    stun.Realm
		nonce    stun.Nonce
	)
	if username.GetFrom(m) != nil || realm.GetFrom(m) != nil || nonce.GetFrom(m) != nil {
		return authBadRequest
	}
	issued, ok := s.nonces.Get(nonce.String())
	if !ok || s.clock.Since(issued) > nonceLifetime {
		return authStaleNonce
	}
	key, ok := s.params.AuthHandler(username.String(), realm.String(), pair.RemoteAddr())
	if !ok {
		return authUnauthorized
	}
	if err := stun.MessageIntegrity(key).Check(m); err != nil {
		return authUnauthorized
	}
	return authOK
}

func (s *Server) reject(m *stun.Message, pair Pair, result authResult) {
	switch result {
	case authBadRequest:
		_ = s.sendErrorResponse(m, pair, stun.CodeBadRequest)
	case authStaleNonce:
		_ = s.sendErrorResponse(m, pair, stun.CodeStaleNonce, s.newNonce(), stun.NewRealm(s.params.Realm))
	default:
		_ = s.sendErrorResponse(m, pair, stun.CodeUnauthorized, s.newNonce(), stun.NewRealm(s.params.Realm))
	}
}

func (s *Server) newNonce() stun.Nonce {
	nonce := utils.NewNonce()
	s.nonces.Add(nonce, s.clock.Now())
	return stun.NewNonce(nonce)
}

// responseIntegrity signs with the key that authenticated the request.
func (s *Server) responseIntegrity(req *stun.Message) stun.Setter {
	if !req.Contains(stun.AttrMessageIntegrity) {
		return nil
	}
	if req.Type.Method == stun.MethodBinding || !s.params.EnableTURN {
		return stun.NewShortTermIntegrity(s.Password())
	}

	var (
		username stun.Username
		realm    stun.Realm
	)
	if username.GetFrom(req) != nil || realm.GetFrom(req) != nil {
		return nil
	}
	key, ok := s.params.AuthHandler(username.String(), realm.String(), netip.AddrPort{})
	if !ok {
		return nil
	}
	return stun.MessageIntegrity(key)
}

// -----------------------------------------------------------------

func (s *Server) handleAllocateRequest(req *stun.Message, pair Pair) {
	client := pair.RemoteAddr()
	if a, ok := s.allocations[client]; ok {
		_ = s.sendAllocateResponse(req, pair, a)
		return
	}

	var requested proto.RequestedTransport
	if err := requested.GetFrom(req); err != nil {
		s.logger.Warnw("allocate request missing REQUESTED-TRANSPORT", err, "pair", pair)
		_ = s.sendErrorResponse(req, pair, stun.CodeBadRequest)
		return
	}
	if requested.Protocol != proto.ProtoUDP {
		_ = s.sendErrorResponse(req, pair, stun.CodeUnsupportedTransProto)
		return
	}

	a, err := s.allocateRelayed(pair)
	if err != nil {
		s.logger.Warnw("could not allocate relay", err, "pair", pair)
		_ = s.sendErrorResponse(req, pair, stun.CodeInsufficientCapacity)
		return
	}

	lifetime := s.conf.AllocationLifetime
	var lt proto.Lifetime
	if err := lt.GetFrom(req); err == nil && lt.Duration > 0 && lt.Duration < lifetime {
		lifetime = lt.Duration
	}
	a.expiresAt = s.clock.Now().Add(lifetime)

	_ = s.sendAllocateResponse(req, pair, a)
}

func (s *Server) sendAllocateResponse(req *stun.Message, pair Pair, a *allocation) error {
	lifetime := a.expiresAt.Sub(s.clock.Now()).Truncate(time.Second)
	if lifetime < 0 {
		lifetime = 0
	}
	return s.sendSuccessResponse(req, pair,
		xorMappedAddress(pair.RemoteAddr()),
		proto.RelayedAddress{IP: a.relayed.Addr().AsSlice(), Port: int(a.relayed.Port())},
		proto.Lifetime{Duration: lifetime},
	)
}

func (s *Server) allocateRelayed(pair Pair) (*allocation, error) {
	var (
		lease *portmanager.Lease
		port  int
	)
	if s.params.Ports != nil {
		var err error
		if lease, err = s.params.Ports.Acquire(); err != nil {
			return nil, err
		}
		port = int(lease.Port())
	}

	network := "udp4"
	if s.params.RelayIP.Is6() {
		network = "udp6"
	}
	conn, err := s.params.Net.ListenUDP(network, &net.UDPAddr{IP: s.params.RelayIP.AsSlice(), Port: port})
	if err != nil {
		lease.Release()
		return nil, errors.Wrap(err, "could not listen on relay address")
	}

	a := &allocation{
		id:     utils.NewIdentifier("AL_"),
		client: pair,
	}
	a.sock = NewPacketSocket(conn, SocketParams{
		Lease:  lease,
		Logger: s.logger,
		Handler: func(data []byte, _ Socket, from netip.AddrPort) {
			buf := make([]byte, len(data))
			copy(buf, data)
			s.loop.Enqueue(func() {
				s.relayForwardingData(a, buf, from)
			})
		},
	})
	a.relayed = netip.AddrPortFrom(s.params.AnnounceIP, a.sock.LocalAddr().Port())
	s.allocations[pair.RemoteAddr()] = a
	a.sock.Start()

	prometheus.AddAllocation(1)
	s.logger.Infow("allocated relay", "allocationID", a.id, "relayed", a.relayed, "client", pair)
	return a, nil
}

func (s *Server) releaseAllocation(client netip.AddrPort, reason string) {
	a, ok := s.allocations[client]
	if !ok {
		return
	}
	delete(s.allocations, client)
	_ = a.sock.Close()

	prometheus.AddAllocation(-1)
	s.logger.Infow("released relay", "allocationID", a.id, "relayed", a.relayed, "reason", reason)
}

func (s *Server) handleRefreshRequest(req *stun.Message, pair Pair) {
	client := pair.RemoteAddr()
	a, ok := s.allocations[client]
	if !ok {
		_ = s.sendErrorResponse(req, pair, stun.CodeAllocMismatch)
		return
	}

	lifetime := s.conf.AllocationLifetime
	var lt proto.Lifetime
	if err := lt.GetFrom(req); err == nil && lt.Duration < lifetime {
		lifetime = lt.Duration
	}
	if lifetime == 0 {
		s.releaseAllocation(client, "refreshed to zero")
	} else {
		a.expiresAt = s.clock.Now().Add(lifetime)
	}
	_ = s.sendSuccessResponse(req, pair, proto.Lifetime{Duration: lifetime})
}

func (s *Server) handleCreatePermissionRequest(req *stun.Message, pair Pair) {
	var peer proto.PeerAddress
	if err := peer.GetFrom(req); err != nil {
		s.logger.Warnw("create permission request missing XOR-PEER-ADDRESS", err, "pair", pair)
		_ = s.sendErrorResponse(req, pair, stun.CodeBadRequest)
		return
	}
	if _, ok := s.allocations[pair.RemoteAddr()]; !ok {
		_ = s.sendErrorResponse(req, pair, stun.CodeAllocMismatch)
		return
	}
	addr, ok := addrPortFromIP(peer.IP, peer.Port)
	if !ok {
		_ = s.sendErrorResponse(req, pair, stun.CodeBadRequest)
		return
	}

	s.addPermission(addr.Addr())
	_ = s.sendSuccessResponse(req, pair)
}

func (s *Server) handleChannelBindRequest(req *stun.Message, pair Pair) {
	var (
		number proto.ChannelNumber
		peer   proto.PeerAddress
	)
	if number.GetFrom(req) != nil || peer.GetFrom(req) != nil {
		s.logger.Warnw("channel bind request missing required attributes", nil, "pair", pair)
		_ = s.sendErrorResponse(req, pair, stun.CodeBadRequest)
		return
	}
	if !number.Valid() {
		s.logger.Warnw("invalid channel number", proto.ErrInvalidChannelNumber, "channel", number, "pair", pair)
		_ = s.sendErrorResponse(req, pair, stun.CodeBadRequest)
		return
	}
	if _, ok := s.allocations[pair.RemoteAddr()]; !ok {
		_ = s.sendErrorResponse(req, pair, stun.CodeAllocMismatch)
		return
	}
	addr, ok := addrPortFromIP(peer.IP, peer.Port)
	if !ok {
		_ = s.sendErrorResponse(req, pair, stun.CodeBadRequest)
		return
	}
	if !s.hasPermission(addr.Addr()) {
		s.logger.Warnw("no permission for channel bind peer", nil, "peer", addr, "pair", pair)
		_ = s.sendErrorResponse(req, pair, stun.CodeForbidden)
		return
	}

	s.addChannelBind(number, addr)
	s.addPermission(addr.Addr())
	_ = s.sendSuccessResponse(req, pair)
}

func (s *Server) handleSendIndication(ind *stun.Message, pair Pair) {
	var (
		peer proto.PeerAddress
		data proto.Data
	)
	if peer.GetFrom(ind) != nil || data.GetFrom(ind) != nil {
		s.logger.Debugw("send indication missing required attributes", "pair", pair)
		return
	}
	addr, ok := addrPortFromIP(peer.IP, peer.Port)
	if !ok {
		return
	}
	if !s.hasPermission(addr.Addr()) {
		s.logger.Debugw("no permission for send indication peer", "peer", addr, "pair", pair)
		return
	}
	s.relayBackingData(data, pair, addr)
}

func (s *Server) handleChannelData(cd *proto.ChannelData, pair Pair) {
	peer, ok := s.channelPeer(cd.Number)
	if !ok {
		s.logger.Debugw("no binding for channel", "channel", cd.Number, "pair", pair)
		return
	}
	s.relayBackingData(cd.Data, pair, peer)
}

// relayBackingData sends client data out of the client's relay socket.
func (s *Server) relayBackingData(data []byte, pair Pair, peer netip.AddrPort) {
	a, ok := s.allocations[pair.RemoteAddr()]
	if !ok {
		s.logger.Debugw("no allocation for client", "pair", pair)
		return
	}
	if err := a.sock.WriteTo(data, peer); err != nil {
		s.logger.Debugw("relay write failed", "error", err, "peer", peer)
		return
	}
	prometheus.IncrementRelayed(prometheus.Outgoing, len(data))
}

// relayForwardingData wraps data a peer sent to the relay address and passes it
// to the client.
func (s *Server) relayForwardingData(a *allocation, data []byte, from netip.AddrPort) {
	if s.allocations[a.client.RemoteAddr()] != a {
		return
	}
	if !s.hasPermission(from.Addr()) {
		s.logger.Debugw("no permission for peer", "peer", from, "allocationID", a.id)
		return
	}

	var err error
	if number, ok := s.channelNumber(from); ok {
		err = s.sendChannelData(number, data, a.client)
	} else {
		err = s.sendIndication(a.client, stun.MethodData, peerAddress(from), proto.Data(data))
	}
	if err == nil {
		prometheus.IncrementRelayed(prometheus.Incoming, len(data))
	}
}

func (s *Server) sweep() {
	now := s.clock.Now()
	for client, a := range s.allocations {
		if !now.Before(a.expiresAt) {
			s.releaseAllocation(client, "expired")
		}
	}
	s.expireBindings()
}
