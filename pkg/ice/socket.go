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
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/portmanager"
)

const maxDatagramSize = 1 << 16

// Socket is one local endpoint of a Pair. Packet sockets can reach any peer,
// stream sockets only the peer they are connected to.
type Socket interface {
	LocalAddr() netip.AddrPort
	WriteTo(b []byte, to netip.AddrPort) error
	IsStream() bool
	Close() error
}

// DataHandler receives inbound payloads. data is only valid for the duration of
// the call.
type DataHandler func(data []byte, sock Socket, from netip.AddrPort)

type SocketParams struct {
	Handler DataHandler
	// Lease is released when the socket closes.
	Lease   *portmanager.Lease
	OnClose func()
	Logger  logger.Logger
}

// -----------------------------------------------------------------

type PacketSocket struct {
	params SocketParams
	conn   net.PacketConn
	local  netip.AddrPort

	closeOnce sync.Once
	closed    core.Fuse
}

func NewPacketSocket(conn net.PacketConn, params SocketParams) *PacketSocket {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	local, _ := toAddrPort(conn.LocalAddr())
	return &PacketSocket{
		params: params,
		conn:   conn,
		local:  local,
		closed: core.NewFuse(),
	}
}

func (s *PacketSocket) Start() {
	go s.readLoop()
}

func (s *PacketSocket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *PacketSocket) IsStream() bool {
	return false
}

func (s *PacketSocket) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := s.conn.WriteTo(b, net.UDPAddrFromAddrPort(to))
	return err
}

func (s *PacketSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Break()
		err = s.conn.Close()
		s.params.Lease.Release()
		if s.params.OnClose != nil {
			s.params.OnClose()
		}
	})
	return err
}

func (s *PacketSocket) String() string {
	return "udp/" + s.local.String()
}

func (s *PacketSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !s.closed.IsBroken() && !errors.Is(err, net.ErrClosed) {
				s.params.Logger.Warnw("udp read failed", err, "local", s.local)
			}
			_ = s.Close()
			return
		}
		from, ok := toAddrPort(addr)
		if !ok || s.params.Handler == nil {
			continue
		}
		s.params.Handler(buf[:n], s, from)
	}
}

// -----------------------------------------------------------------

// StreamSocket carries ICE/TURN over a connected stream, every message framed
// with a 2-byte length.
type StreamSocket struct {
	params SocketParams
	conn   net.Conn
	local  netip.AddrPort
	remote netip.AddrPort

	closeOnce sync.Once
	closed    core.Fuse

	lock sync.Mutex
	buf  []byte
}

func NewStreamSocket(conn net.Conn, params SocketParams) *StreamSocket {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	local, _ := toAddrPort(conn.LocalAddr())
	remote, _ := toAddrPort(conn.RemoteAddr())
	return &StreamSocket{
		params: params,
		conn:   conn,
		local:  local,
		remote: remote,
		closed: core.NewFuse(),
	}
}

func (s *StreamSocket) Start() {
	go s.readLoop()
}

func (s *StreamSocket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *StreamSocket) RemoteAddr() netip.AddrPort {
	return s.remote
}

func (s *StreamSocket) IsStream() bool {
	return true
}

func (s *StreamSocket) WriteTo(b []byte, to netip.AddrPort) error {
	if to != s.remote {
		return ErrStreamPeerMismatch
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var err error
	if s.buf, err = proto.AppendFrame(s.buf[:0], b); err != nil {
		return err
	}
	_, err = s.conn.Write(s.buf)
	return err
}

func (s *StreamSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Break()
		err = s.conn.Close()
		s.params.Lease.Release()
		if s.params.OnClose != nil {
			s.params.OnClose()
		}
	})
	return err
}

func (s *StreamSocket) String() string {
	return "tcp/" + s.local.String()
}

func (s *StreamSocket) readLoop() {
	reader := proto.NewFrameReader(s.conn)
	for {
		msg, err := reader.Next()
		if err != nil {
			if !s.closed.IsBroken() && !errors.Is(err, net.ErrClosed) {
				s.params.Logger.Debugw("stream closed", "local", s.local, "remote", s.remote, "error", err)
			}
			_ = s.Close()
			return
		}
		if s.params.Handler != nil {
			s.params.Handler(msg, s, s.remote)
		}
	}
}

// -----------------------------------------------------------------

func toAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap = a.AddrPort()
	case *net.TCPAddr:
		ap = a.AddrPort()
	default:
		if addr == nil {
			return netip.AddrPort{}, false
		}
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		ap = parsed
	}
	return unmap(ap), ap.IsValid()
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
