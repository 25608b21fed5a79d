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
	"fmt"
	"net/netip"
)

// Pair is the transport 5-tuple a packet travels on. Peer is the next hop, the
// TURN server when the pair is relayed, in which case Relayed holds the final
// peer address.
type Pair struct {
	Socket  Socket
	Peer    netip.AddrPort
	Relayed netip.AddrPort
}

func (p Pair) IsRelayed() bool {
	return p.Relayed.IsValid()
}

func (p Pair) LocalAddr() netip.AddrPort {
	if p.Socket == nil {
		return netip.AddrPort{}
	}
	return p.Socket.LocalAddr()
}

// RemoteAddr is the address of the party at the far end of the pair.
func (p Pair) RemoteAddr() netip.AddrPort {
	if p.IsRelayed() {
		return p.Relayed
	}
	return p.Peer
}

// Hop drops the relayed address, leaving the socket and next hop.
func (p Pair) Hop() Pair {
	return Pair{Socket: p.Socket, Peer: p.Peer}
}

func (p Pair) WithRelayed(addr netip.AddrPort) Pair {
	p.Relayed = addr
	return p
}

func (p Pair) String() string {
	proto := "udp"
	if p.Socket != nil && p.Socket.IsStream() {
		proto = "tcp"
	}
	if p.IsRelayed() {
		return fmt.Sprintf("%s %s <-> %s via %s", proto, p.LocalAddr(), p.Relayed, p.Peer)
	}
	return fmt.Sprintf("%s %s <-> %s", proto, p.LocalAddr(), p.Peer)
}
