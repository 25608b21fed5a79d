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

// Package telemetry wraps the service listeners so that every byte read or
// written through them is counted.
package telemetry

import (
	"net"

	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
)

type Listener struct {
	net.Listener
}

func NewListener(l net.Listener) *Listener {
	return &Listener{Listener: l}
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	return NewConn(conn), nil
}

// Conn counts stream traffic. Frames are not visible here, so only bytes are
// counted.
type Conn struct {
	net.Conn
}

func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

func (c *Conn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		prometheus.IncrementListenerBytes(prometheus.Incoming, prometheus.ProtocolTCP, n, false)
	}
	return
}

func (c *Conn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		prometheus.IncrementListenerBytes(prometheus.Outgoing, prometheus.ProtocolTCP, n, false)
	}
	return
}

type PacketConn struct {
	net.PacketConn
}

func NewPacketConn(c net.PacketConn) *PacketConn {
	return &PacketConn{PacketConn: c}
}

func (c *PacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.PacketConn.ReadFrom(p)
	if n > 0 {
		prometheus.IncrementListenerBytes(prometheus.Incoming, prometheus.ProtocolUDP, n, true)
	}
	return
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(p, addr)
	if n > 0 {
		prometheus.IncrementListenerBytes(prometheus.Outgoing, prometheus.ProtocolUDP, n, true)
	}
	return
}
