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
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/pion/rtcp"
)

const (
	// bounds a single call when sequence numbers jump, e.g. on stream restart
	maxNacksPerCall = 5
	nackBitSize     = 16

	minRTT        = 10 * time.Millisecond
	minResendWait = 5 * time.Millisecond
	defaultRTT    = 50 * time.Millisecond
)

type NackConfig struct {
	MaxRtpCacheMS     uint32  `yaml:"max_rtp_cache_ms,omitempty"`
	MaxRtpCacheSize   int     `yaml:"max_rtp_cache_size,omitempty"`
	NackMaxSize       int     `yaml:"nack_max_size,omitempty"`
	NackMaxMS         uint32  `yaml:"nack_max_ms,omitempty"`
	NackMaxCount      int     `yaml:"nack_max_count,omitempty"`
	NackIntervalRatio float64 `yaml:"nack_interval_ratio,omitempty"`
	NackRtpSize       int     `yaml:"nack_rtp_size,omitempty"`
}

var DefaultNackConfig = NackConfig{
	MaxRtpCacheMS:     5000,
	MaxRtpCacheSize:   2048,
	NackMaxSize:       2048,
	NackMaxMS:         3000,
	NackMaxCount:      15,
	NackIntervalRatio: 1.0,
	NackRtpSize:       8,
}

func (c NackConfig) withDefaults() NackConfig {
	d := DefaultNackConfig
	if c.MaxRtpCacheMS != 0 {
		d.MaxRtpCacheMS = c.MaxRtpCacheMS
	}
	if c.MaxRtpCacheSize != 0 {
		d.MaxRtpCacheSize = c.MaxRtpCacheSize
	}
	if c.NackMaxSize != 0 {
		d.NackMaxSize = c.NackMaxSize
	}
	if c.NackMaxMS != 0 {
		d.NackMaxMS = c.NackMaxMS
	}
	if c.NackMaxCount != 0 {
		d.NackMaxCount = c.NackMaxCount
	}
	if c.NackIntervalRatio != 0 {
		d.NackIntervalRatio = c.NackIntervalRatio
	}
	if c.NackRtpSize != 0 {
		d.NackRtpSize = c.NackRtpSize
	}
	return d
}

type nackStatus struct {
	firstAt   time.Time
	updatedAt time.Time
	count     int
}

// NackContext detects gaps in received RTP sequence numbers and emits generic
// NACK feedback for them. It is not safe for concurrent use.
type NackContext struct {
	conf  NackConfig
	clock clock.Clock

	started bool
	// everything up to and including nackSeq is delivered or given up on
	nackSeq uint16
	// received but not yet contiguous with nackSeq, oldest first
	pending []uint16
	status  *orderedmap.OrderedMap[uint16, *nackStatus]
	rtt     time.Duration

	onNack func(rtcp.NackPair)
}

func NewNackContext(conf NackConfig, clk clock.Clock) *NackContext {
	if clk == nil {
		clk = clock.New()
	}
	return &NackContext{
		conf:   conf.withDefaults(),
		clock:  clk,
		status: orderedmap.NewOrderedMap[uint16, *nackStatus](),
		rtt:    defaultRTT,
	}
}

func (n *NackContext) OnNack(f func(rtcp.NackPair)) {
	n.onNack = f
}

func (n *NackContext) SetRTT(rtt time.Duration) {
	n.rtt = rtt
}

func (n *NackContext) RTT() time.Duration {
	return n.rtt
}

// Pending returns the number of sequence numbers awaiting retransmission.
func (n *NackContext) Pending() int {
	return n.status.Len()
}

func (n *NackContext) Received(seq uint16, isRTX bool) {
	if !n.started {
		n.started = true
		n.nackSeq = seq - 1
	}

	if isRTX || !isNewer(seq, n.nackSeq) {
		// late or retransmitted
		n.clearNackStatus(seq)
		return
	}

	if seq < n.nackSeq {
		// crossed the wrap, flush what is left of the previous cycle
		n.makeNack(0xFFFF, true)
	}

	n.insert(seq)
	n.makeNack(n.pending[len(n.pending)-1], false)
}

// isNewer reports whether a follows b in 16-bit serial number order.
func isNewer(a, b uint16) bool {
	return a != b && int16(a-b) > 0
}

// distance orders pending entries, all of which are newer than nackSeq.
func (n *NackContext) distance(seq uint16) uint16 {
	return seq - n.nackSeq
}

func (n *NackContext) search(seq uint16) (int, bool) {
	return slices.BinarySearchFunc(n.pending, seq, func(e, target uint16) int {
		return int(n.distance(e)) - int(n.distance(target))
	})
}

func (n *NackContext) insert(seq uint16) {
	idx, found := n.search(seq)
	if found {
		return
	}
	n.pending = slices.Insert(n.pending, idx, seq)
}

func (n *NackContext) makeNack(maxSeq uint16, flush bool) {
	for i := 0; i < maxNacksPerCall; i++ {
		n.eraseFrontSeq()
		if n.nackSeq == maxSeq {
			return
		}

		count := int(maxSeq - (n.nackSeq + 1))
		if count > nackBitSize {
			count = nackBitSize
		}
		if !flush && count < n.conf.NackRtpSize {
			// not enough packets after the gap yet, allow for reordering
			return
		}

		pair := rtcp.NackPair{PacketID: n.nackSeq + 1}
		for bit := 0; bit < count; bit++ {
			if !n.contains(n.nackSeq + uint16(bit) + 2) {
				pair.LostPackets |= 1 << bit
			}
		}
		n.doNack(pair, true)

		n.nackSeq += uint16(count) + 1
		idx := 0
		for idx < len(n.pending) && !isNewer(n.pending[idx], n.nackSeq) {
			idx++
		}
		n.pending = n.pending[idx:]
	}
}

func (n *NackContext) contains(seq uint16) bool {
	if !isNewer(seq, n.nackSeq) {
		return false
	}
	_, found := n.search(seq)
	return found
}

func (n *NackContext) eraseFrontSeq() {
	for len(n.pending) > 0 && n.pending[0] == n.nackSeq+1 {
		n.nackSeq = n.pending[0]
		n.pending = n.pending[1:]
	}
}

func (n *NackContext) clearNackStatus(seq uint16) {
	status, ok := n.status.Get(seq)
	if !ok {
		return
	}
	n.status.Delete(seq)

	// time between the first request and the retransmission approximates rtt
	rtt := n.clock.Since(status.firstAt)
	maxRTT := time.Duration(n.conf.NackMaxMS) * time.Millisecond / time.Duration(n.conf.NackMaxCount)
	if rtt > maxRTT {
		rtt = maxRTT
	}
	if rtt < minRTT {
		rtt = minRTT
	}
	n.rtt = rtt
}

func (n *NackContext) recordNack(pair rtcp.NackPair) {
	now := n.clock.Now()
	for _, seq := range pair.PacketList() {
		n.status.Set(seq, &nackStatus{
			firstAt:   now,
			updatedAt: now,
			count:     1,
		})
	}

	for n.status.Len() > n.conf.NackMaxSize {
		n.status.Delete(n.status.Front().Key)
	}
}

// ReSendNack re-requests sequence numbers that are still missing and returns
// the delay until it should be called again, 0 when nothing is pending.
func (n *NackContext) ReSendNack() time.Duration {
	now := n.clock.Now()
	maxAge := time.Duration(n.conf.NackMaxMS) * time.Millisecond
	interval := time.Duration(n.conf.NackIntervalRatio * float64(n.rtt))

	var resend []uint16
	var expired []uint16
	for el := n.status.Front(); el != nil; el = el.Next() {
		status := el.Value
		if now.Sub(status.firstAt) >= maxAge {
			expired = append(expired, el.Key)
			continue
		}
		if now.Sub(status.updatedAt) < interval {
			continue
		}

		resend = append(resend, el.Key)
		status.updatedAt = now
		status.count++
		if status.count >= n.conf.NackMaxCount {
			expired = append(expired, el.Key)
		}
	}
	for _, seq := range expired {
		n.status.Delete(seq)
	}

	if n.status.Len() == 0 && len(resend) == 0 {
		return 0
	}

	// oldest first, everything pending is at or behind nackSeq
	slices.SortFunc(resend, func(a, b uint16) int {
		return int(n.nackSeq-b) - int(n.nackSeq-a)
	})
	for _, pair := range nackPairs(resend) {
		n.doNack(pair, false)
	}

	if n.status.Len() == 0 {
		return 0
	}
	if n.rtt < minResendWait {
		return minResendWait
	}
	return n.rtt
}

func (n *NackContext) doNack(pair rtcp.NackPair, record bool) {
	if record {
		n.recordNack(pair)
	}
	if n.onNack != nil {
		n.onNack(pair)
	}
}

// nackPairs packs sequence numbers, oldest first, into generic NACK FCIs.
func nackPairs(seqs []uint16) []rtcp.NackPair {
	var pairs []rtcp.NackPair
	for _, seq := range seqs {
		if len(pairs) > 0 {
			last := &pairs[len(pairs)-1]
			if diff := seq - last.PacketID; diff >= 1 && diff <= nackBitSize {
				last.LostPackets |= 1 << (diff - 1)
				continue
			}
		}
		pairs = append(pairs, rtcp.NackPair{PacketID: seq})
	}
	return pairs
}
