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

package buffer

import (
	"github.com/gammazero/deque"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// NackList keeps recently sent RTP packets for retransmission. It is bounded by
// packet count and by the media time spanned, taken from RTP timestamps so
// that reordering and pauses do not evict early.
type NackList struct {
	conf      NackConfig
	clockRate uint32

	seqs    deque.Deque[uint16]
	packets map[uint16]*rtp.Packet
}

func NewNackList(conf NackConfig, clockRate uint32) *NackList {
	return &NackList{
		conf:      conf.withDefaults(),
		clockRate: clockRate,
		packets:   make(map[uint16]*rtp.Packet),
	}
}

func (n *NackList) Len() int {
	return n.seqs.Len()
}

func (n *NackList) PushBack(pkt *rtp.Packet) {
	seq := pkt.SequenceNumber
	if _, ok := n.packets[seq]; ok {
		n.packets[seq] = pkt
		return
	}

	n.seqs.PushBack(seq)
	n.packets[seq] = pkt

	for n.seqs.Len() > n.conf.MaxRtpCacheSize {
		n.popFront()
	}
	for n.cacheMS() > n.conf.MaxRtpCacheMS {
		n.popFront()
	}
}

func (n *NackList) Get(seq uint16) *rtp.Packet {
	return n.packets[seq]
}

// ForEachNack calls f for every packet requested by pair that is still cached.
// Evicted packets are skipped.
func (n *NackList) ForEachNack(pair rtcp.NackPair, f func(pkt *rtp.Packet)) {
	for _, seq := range pair.PacketList() {
		if pkt, ok := n.packets[seq]; ok {
			f(pkt)
		}
	}
}

func (n *NackList) popFront() {
	if n.seqs.Len() == 0 {
		return
	}
	delete(n.packets, n.seqs.PopFront())
}

func (n *NackList) cacheMS() uint32 {
	if n.seqs.Len() < 2 || n.clockRate == 0 {
		return 0
	}
	front := n.packets[n.seqs.Front()].Timestamp
	back := n.packets[n.seqs.Back()].Timestamp
	// unsigned arithmetic handles timestamp wrap, a negative span means reordering
	span := back - front
	if span > 1<<31 {
		return 0
	}
	return uint32(uint64(span) * 1000 / uint64(n.clockRate))
}
