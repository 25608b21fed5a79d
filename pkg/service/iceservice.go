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
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/pion/transport/v2"
	"github.com/pion/transport/v2/stdnet"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/config"
	"github.com/livekit/livekit-ice/pkg/ice"
	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/portmanager"
	"github.com/livekit/livekit-ice/pkg/telemetry"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-ice/pkg/utils"
)

const minSweepInterval = time.Second

type sessionKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

type session struct {
	key      sessionKey
	server   *ice.Server
	lastSeen atomic.Int64
}

// IceService answers STUN and TURN for every client reaching the configured
// ports. Each client 5-tuple gets its own ice.Server on its own event loop.
type IceService struct {
	conf   *config.Config
	ports  *portmanager.PortManager
	net    transport.Net
	clock  clock.Clock
	logger logger.Logger

	ufrag    string
	password string
	timeout  time.Duration

	lock      sync.Mutex
	sessions  map[sessionKey]*session
	sockets   []*ice.PacketSocket
	streams   map[*ice.StreamSocket]struct{}
	listeners []*telemetry.Listener

	dropped *utils.SampledLogger

	started atomic.Bool
	closed  core.Fuse
}

func NewIceService(conf *config.Config, ports *portmanager.PortManager) (*IceService, error) {
	n, err := stdnet.NewNet()
	if err != nil {
		return nil, errors.Wrap(err, "could not create net")
	}
	return newIceService(conf, ports, n, clock.New()), nil
}

func newIceService(conf *config.Config, ports *portmanager.PortManager, n transport.Net, clk clock.Clock) *IceService {
	s := &IceService{
		conf:     conf,
		ports:    ports,
		net:      n,
		clock:    clk,
		logger:   logger.GetLogger().WithValues("component", "iceservice"),
		ufrag:    conf.RTC.Ufrag,
		password: conf.RTC.Password,
		timeout:  conf.RTC.SessionTimeout,
		sessions: make(map[sessionKey]*session),
		streams:  make(map[*ice.StreamSocket]struct{}),
		closed:   core.NewFuse(),
	}
	s.dropped = utils.NewSampledLogger(s.logger, 10)
	if s.ufrag == "" {
		s.ufrag = utils.NewUfrag()
	}
	if s.password == "" {
		s.password = utils.NewPassword()
	}
	if s.timeout <= 0 {
		s.timeout = config.DefaultSessionTimeout
	}
	return s
}

// Credentials are the long-term username and password clients authenticate
// TURN requests with.
func (s *IceService) Credentials() (string, string) {
	return s.ufrag, s.password
}

func (s *IceService) Start() error {
	if s.started.Swap(true) {
		return errors.New("already started")
	}

	bindAddresses := s.conf.BindAddresses
	if len(bindAddresses) == 0 {
		bindAddresses = []string{"0.0.0.0"}
	}
	for _, addr := range bindAddresses {
		hostPort := net.JoinHostPort(addr, strconv.Itoa(int(s.conf.RTC.UDPPort)))
		conn, err := s.net.ListenPacket("udp", hostPort)
		if err != nil {
			s.Stop()
			return errors.Wrapf(err, "could not listen on udp %s", hostPort)
		}
		sock := ice.NewPacketSocket(telemetry.NewPacketConn(conn), ice.SocketParams{
			Handler: s.onSocketData,
			Logger:  s.logger,
		})
		s.lock.Lock()
		s.sockets = append(s.sockets, sock)
		s.lock.Unlock()
		sock.Start()
		s.logger.Infow("listening for ice", "protocol", "udp", "address", sock.LocalAddr())

		if s.conf.RTC.TCPPort == 0 {
			continue
		}
		hostPort = net.JoinHostPort(addr, strconv.Itoa(int(s.conf.RTC.TCPPort)))
		tcpListener, err := net.Listen("tcp", hostPort)
		if err != nil {
			s.Stop()
			return errors.Wrapf(err, "could not listen on tcp %s", hostPort)
		}
		ln := telemetry.NewListener(tcpListener)
		s.lock.Lock()
		s.listeners = append(s.listeners, ln)
		s.lock.Unlock()
		go s.acceptLoop(ln)
		s.logger.Infow("listening for ice", "protocol", "tcp", "address", ln.Addr())
	}

	interval := s.timeout / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	go s.sweepWorker(s.clock.Ticker(interval))
	return nil
}

func (s *IceService) Stop() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()

	s.lock.Lock()
	sockets, listeners := s.sockets, s.listeners
	s.sockets, s.listeners = nil, nil
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	streams := make([]*ice.StreamSocket, 0, len(s.streams))
	for stream := range s.streams {
		streams = append(streams, stream)
	}
	s.lock.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, sock := range sockets {
		_ = sock.Close()
	}
	for _, stream := range streams {
		_ = stream.Close()
	}
	for _, sess := range sessions {
		s.closeSession(sess, "service stopped")
	}
}

// LocalAddrs returns the bound UDP addresses.
func (s *IceService) LocalAddrs() []netip.AddrPort {
	s.lock.Lock()
	defer s.lock.Unlock()

	addrs := make([]netip.AddrPort, 0, len(s.sockets))
	for _, sock := range s.sockets {
		addrs = append(addrs, sock.LocalAddr())
	}
	return addrs
}

// TCPAddrs returns the bound TCP listener addresses.
func (s *IceService) TCPAddrs() []net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (s *IceService) NumSessions() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.sessions)
}

// Allocations sums the live relay allocations over every session.
func (s *IceService) Allocations() int {
	s.lock.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.lock.Unlock()

	total := 0
	for _, sess := range sessions {
		total += sess.server.Allocations()
	}
	return total
}

func (s *IceService) acceptLoop(ln *telemetry.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.closed.IsBroken() && !errors.Is(err, net.ErrClosed) {
				s.logger.Warnw("tcp accept failed", err, "address", ln.Addr())
			}
			return
		}

		var stream *ice.StreamSocket
		stream = ice.NewStreamSocket(conn, ice.SocketParams{
			Handler: s.onSocketData,
			Logger:  s.logger,
			OnClose: func() {
				s.lock.Lock()
				delete(s.streams, stream)
				sess := s.sessions[sessionKey{local: stream.LocalAddr(), remote: stream.RemoteAddr()}]
				s.lock.Unlock()
				if sess != nil {
					s.closeSession(sess, "stream closed")
				}
			},
		})

		s.lock.Lock()
		if s.closed.IsBroken() {
			s.lock.Unlock()
			_ = conn.Close()
			return
		}
		s.streams[stream] = struct{}{}
		s.lock.Unlock()

		stream.Start()
	}
}

func (s *IceService) onSocketData(data []byte, sock ice.Socket, from netip.AddrPort) {
	sess := s.getOrCreateSession(data, sock, from)
	if sess == nil {
		return
	}
	sess.lastSeen.Store(s.clock.Now().UnixNano())
	sess.server.OnSocketData(data, sock, from)
}

func (s *IceService) getOrCreateSession(data []byte, sock ice.Socket, from netip.AddrPort) *session {
	key := sessionKey{local: sock.LocalAddr(), remote: from}

	s.lock.Lock()
	defer s.lock.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	if s.closed.IsBroken() {
		return nil
	}
	// only a STUN message opens a session
	if kind := proto.Demux(data); kind != proto.KindSTUN {
		s.dropped.Debugw("dropping packet from unknown client", "client", from, "kind", kind)
		return nil
	}

	// relays bind where the client reached us and advertise the node ip
	announceIP, _ := netip.ParseAddr(s.conf.RTC.NodeIP)

	lgr := s.logger.WithValues("client", from, "local", key.local)
	srv, err := ice.NewServer(ice.ServerParams{
		TransportParams: ice.TransportParams{
			Ufrag:    s.ufrag,
			Password: s.password,
			Config:   s.conf.TransportConfig(),
			Clock:    s.clock,
			Logger:   lgr,
		},
		EnableTURN: s.conf.RTC.EnableTURN,
		Realm:      s.conf.RTC.Realm,
		RelayIP:    key.local.Addr(),
		AnnounceIP: announceIP,
		Ports:      s.ports,
		Net:        s.net,
	})
	if err != nil {
		lgr.Errorw("could not create session", err)
		return nil
	}

	sess := &session{key: key, server: srv}
	sess.lastSeen.Store(s.clock.Now().UnixNano())
	s.sessions[key] = sess
	srv.Start()

	prometheus.AddSession(1)
	lgr.Debugw("session opened", "sessions", len(s.sessions))
	return sess
}

func (s *IceService) closeSession(sess *session, reason string) {
	s.lock.Lock()
	if s.sessions[sess.key] != sess {
		s.lock.Unlock()
		return
	}
	delete(s.sessions, sess.key)
	s.lock.Unlock()

	sess.server.Close()
	prometheus.AddSession(-1)
	s.logger.Debugw("session closed", "client", sess.key.remote, "local", sess.key.local, "reason", reason)
}

func (s *IceService) sweepWorker(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-s.closed.Watch():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep closes sessions with no client traffic for the session timeout.
func (s *IceService) sweep() {
	deadline := s.clock.Now().Add(-s.timeout).UnixNano()

	s.lock.Lock()
	var idle []*session
	for _, sess := range s.sessions {
		if sess.lastSeen.Load() <= deadline || sess.server.IsClosed() {
			idle = append(idle, sess)
		}
	}
	s.lock.Unlock()

	for _, sess := range idle {
		s.closeSession(sess, "idle")
	}
}
