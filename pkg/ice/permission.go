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
	"net/netip"
	"time"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
)

// permissionTable tracks TURN permissions by peer IP. An entry is valid while
// its age is below the lifetime; refreshing restarts the age.
type permissionTable struct {
	lifetime time.Duration
	entries  map[netip.Addr]time.Time
}

func newPermissionTable(lifetime time.Duration) *permissionTable {
	return &permissionTable{
		lifetime: lifetime,
		entries:  make(map[netip.Addr]time.Time),
	}
}

func (t *permissionTable) add(ip netip.Addr, now time.Time) {
	t.entries[ip.Unmap()] = now
}

func (t *permissionTable) has(ip netip.Addr, now time.Time) bool {
	at, ok := t.entries[ip.Unmap()]
	return ok && now.Sub(at) < t.lifetime
}

// due lists live permissions at least refreshAfter old.
func (t *permissionTable) due(now time.Time, refreshAfter time.Duration) []netip.Addr {
	var ips []netip.Addr
	for ip, at := range t.entries {
		if age := now.Sub(at); age >= refreshAfter && age < t.lifetime {
			ips = append(ips, ip)
		}
	}
	return ips
}

func (t *permissionTable) expire(now time.Time) int {
	n := 0
	for ip, at := range t.entries {
		if now.Sub(at) >= t.lifetime {
			delete(t.entries, ip)
			n++
		}
	}
	return n
}

func (t *permissionTable) len() int {
	return len(t.entries)
}

// -----------------------------------------------------------------

type channelBinding struct {
	number    proto.ChannelNumber
	peer      netip.AddrPort
	updatedAt time.Time
}

// channelTable maps channel numbers to peers. Reverse lookups scan, the table
// holds tens of entries at most.
type channelTable struct {
	lifetime time.Duration
	bindings map[proto.ChannelNumber]*channelBinding
}

func newChannelTable(lifetime time.Duration) *channelTable {
	return &channelTable{
		lifetime: lifetime,
		bindings: make(map[proto.ChannelNumber]*channelBinding),
	}
}

// add binds or refreshes number to peer. A peer is bound to one number at a
// time, an older binding for the same peer is dropped.
func (t *channelTable) add(number proto.ChannelNumber, peer netip.AddrPort, now time.Time) {
	peer = unmap(peer)
	for n, b := range t.bindings {
		if n != number && b.peer == peer {
			delete(t.bindings, n)
		}
	}
	t.bindings[number] = &channelBinding{number: number, peer: peer, updatedAt: now}
}

func (t *channelTable) byNumber(number proto.ChannelNumber, now time.Time) (netip.AddrPort, bool) {
	b, ok := t.bindings[number]
	if !ok || now.Sub(b.updatedAt) >= t.lifetime {
		return netip.AddrPort{}, false
	}
	return b.peer, true
}

func (t *channelTable) byPeer(peer netip.AddrPort, now time.Time) (proto.ChannelNumber, bool) {
	peer = unmap(peer)
	for _, b := range t.bindings {
		if b.peer == peer && now.Sub(b.updatedAt) < t.lifetime {
			return b.number, true
		}
	}
	return 0, false
}

func (t *channelTable) due(now time.Time, refreshAfter time.Duration) []channelBinding {
	var due []channelBinding
	for _, b := range t.bindings {
		if age := now.Sub(b.updatedAt); age >= refreshAfter && age < t.lifetime {
			due = append(due, *b)
		}
	}
	return due
}

func (t *channelTable) expire(now time.Time) int {
	n := 0
	for number, b := range t.bindings {
		if now.Sub(b.updatedAt) >= t.lifetime {
			delete(t.bindings, number)
			n++
		}
	}
	return n
}

func (t *channelTable) len() int {
	return len(t.bindings)
}
