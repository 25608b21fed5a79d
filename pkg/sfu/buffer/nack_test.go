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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func newTestNackContext(conf NackConfig) (*NackContext, *clock.Mock, *[]rtcp.NackPair) {
	mock := clock.NewMock()
	n := NewNackContext(conf, mock)
	var pairs []rtcp.NackPair
	n.OnNack(func(pair rtcp.NackPair) {
		pairs = append(pairs, pair)
	})
	return n, mock, &pairs
}

func feed(n *NackContext, from, to uint16) {
	for seq := from; ; seq++ {
		n.Received(seq, false)
		if seq == to {
			return
		}
	}
}

func TestNackContext_GapDetection(t *testing.T) {
	tests := []struct {
		name     string
		lossFrom uint16
		lossTo   uint16
		want     rtcp.NackPair
	}{
		{
			name:     "single loss",
			lossFrom: 10,
			lossTo:   10,
			want:     rtcp.NackPair{PacketID: 10},
		},
		{
			name:     "three lost",
			lossFrom: 10,
			lossTo:   12,
			want:     rtcp.NackPair{PacketID: 10, LostPackets: 0b11},
		},
		{
			name:     "sixteen lost",
			lossFrom: 100,
			lossTo:   115,
			want:     rtcp.NackPair{PacketID: 100, LostPackets: 0x7FFF},
		},
		{
			name:     "seventeen lost",
			lossFrom: 100,
			lossTo:   116,
			want:     rtcp.NackPair{PacketID: 100, LostPackets: 0xFFFF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _, pairs := newTestNackContext(NackConfig{})
			feed(n, tt.lossFrom-20, tt.lossFrom-1)
			feed(n, tt.lossTo+1, tt.lossTo+30)

			require.Equal(t, []rtcp.NackPair{tt.want}, *pairs)

			var lost []uint16
			for seq := tt.lossFrom; ; seq++ {
				lost = append(lost, seq)
				if seq == tt.lossTo {
					break
				}
			}
			require.Equal(t, lost, tt.want.PacketList())
			require.Equal(t, len(lost), n.Pending())
		})
	}
}

func TestNackContext_ReorderNotNacked(t *testing.T) {
	n, _, pairs := newTestNackContext(NackConfig{})
	feed(n, 0, 9)
	n.Received(11, false)
	n.Received(12, false)
	n.Received(10, false)
	feed(n, 13, 40)

	require.Empty(t, *pairs)
	require.Equal(t, 0, n.Pending())
}

func TestNackContext_Wraparound(t *testing.T) {
	n, _, pairs := newTestNackContext(NackConfig{})
	for _, seq := range []uint16{65530, 65531, 65532, 65533, 65534, 65535, 0, 1, 2} {
		n.Received(seq, false)
	}
	require.Empty(t, *pairs)
	require.Equal(t, time.Duration(0), n.ReSendNack())
}

func TestNackContext_LossAcrossWrap(t *testing.T) {
	n, _, pairs := newTestNackContext(NackConfig{})
	feed(n, 65514, 65533)
	feed(n, 2, 31)

	// the previous cycle is flushed when the wrap is detected
	var lost []uint16
	for _, pair := range *pairs {
		lost = append(lost, pair.PacketList()...)
	}
	require.Equal(t, []uint16{65534, 65535, 0, 1}, lost)
	require.Equal(t, 4, n.Pending())
}

func TestNackContext_LateAfterWrap(t *testing.T) {
	t.Run("retransmission", func(t *testing.T) {
		n, mock, pairs := newTestNackContext(NackConfig{})
		feed(n, 65520, 65530)
		feed(n, 65532, 65535)
		feed(n, 0, 5)
		require.Equal(t, []rtcp.NackPair{{PacketID: 65531}}, *pairs)
		require.Equal(t, 1, n.Pending())
		nackSeq := n.nackSeq

		mock.Add(20 * time.Millisecond)
		n.Received(65531, false)
		require.Len(t, *pairs, 1)
		require.Equal(t, nackSeq, n.nackSeq)
		require.Equal(t, 0, n.Pending())
		require.Empty(t, n.pending)

		// later losses are still detected
		feed(n, 7, 30)
		require.Len(t, *pairs, 2)
		require.Equal(t, uint16(6), (*pairs)[1].PacketID)
	})

	t.Run("duplicate", func(t *testing.T) {
		n, _, pairs := newTestNackContext(NackConfig{})
		feed(n, 65530, 65535)
		feed(n, 0, 2)
		n.Received(65535, false)
		require.Empty(t, *pairs)
		require.Equal(t, uint16(2), n.nackSeq)
		require.Empty(t, n.pending)

		feed(n, 3, 40)
		require.Empty(t, *pairs)
	})
}

func TestNackContext_BoundedPerCall(t *testing.T) {
	n, _, pairs := newTestNackContext(NackConfig{})
	n.Received(0, false)
	n.Received(10000, false)

	require.Len(t, *pairs, maxNacksPerCall)
	for i, pair := range *pairs {
		require.Equal(t, uint16(1+17*i), pair.PacketID)
		require.Equal(t, rtcp.PacketBitmap(0xFFFF), pair.LostPackets)
	}
}

func TestNackContext_ResendSuppression(t *testing.T) {
	n, mock, pairs := newTestNackContext(NackConfig{})
	feed(n, 0, 9)
	feed(n, 11, 30)
	require.Len(t, *pairs, 1)
	require.Equal(t, uint16(10), (*pairs)[0].PacketID)

	// not before ratio * rtt
	mock.Add(defaultRTT / 2)
	require.Equal(t, defaultRTT, n.ReSendNack())
	require.Len(t, *pairs, 1)

	sent := 1
	for elapsed := defaultRTT / 2; ; {
		mock.Add(defaultRTT / 2)
		elapsed += defaultRTT / 2
		before := len(*pairs)
		next := n.ReSendNack()
		if len(*pairs) > before {
			sent++
			require.Equal(t, time.Duration(0), elapsed%defaultRTT)
			require.Equal(t, rtcp.NackPair{PacketID: 10}, (*pairs)[len(*pairs)-1])
		}
		if next == 0 {
			break
		}
	}
	require.Equal(t, DefaultNackConfig.NackMaxCount, sent)
	require.Equal(t, 0, n.Pending())

	mock.Add(time.Second)
	require.Equal(t, time.Duration(0), n.ReSendNack())
	require.Len(t, *pairs, sent)
}

func TestNackContext_MaxAge(t *testing.T) {
	n, mock, pairs := newTestNackContext(NackConfig{})
	n.SetRTT(time.Second)
	feed(n, 0, 9)
	feed(n, 11, 30)
	require.Len(t, *pairs, 1)

	mock.Add(time.Second)
	require.Equal(t, time.Second, n.ReSendNack())
	mock.Add(time.Second)
	require.Equal(t, time.Second, n.ReSendNack())
	require.Len(t, *pairs, 3)

	// nack_max_ms reached
	mock.Add(time.Second)
	require.Equal(t, time.Duration(0), n.ReSendNack())
	require.Len(t, *pairs, 3)
}

func TestNackContext_RetransmissionUpdatesRTT(t *testing.T) {
	n, mock, _ := newTestNackContext(NackConfig{})
	feed(n, 0, 9)
	feed(n, 11, 30)
	require.Equal(t, 1, n.Pending())

	mock.Add(30 * time.Millisecond)
	n.Received(10, true)
	require.Equal(t, 0, n.Pending())
	require.Equal(t, 30*time.Millisecond, n.RTT())

	// clamped to nack_max_ms / nack_max_count
	feed(n, 32, 60)
	mock.Add(time.Second)
	n.Received(31, false)
	require.Equal(t, 200*time.Millisecond, n.RTT())

	// unknown sequence leaves rtt alone
	n.Received(5, false)
	require.Equal(t, 200*time.Millisecond, n.RTT())
}

func TestNackContext_MaxSize(t *testing.T) {
	n, _, pairs := newTestNackContext(NackConfig{NackMaxSize: 4})
	feed(n, 0, 9)
	for seq := uint16(11); seq < 60; seq += 2 {
		n.Received(seq, false)
	}
	require.NotEmpty(t, *pairs)
	require.Equal(t, 4, n.Pending())
}

// -----------------------------------------------------------------

func TestNackList_CacheByMediaTime(t *testing.T) {
	l := NewNackList(NackConfig{}, 90000)
	for i := 0; i < 300; i++ {
		l.PushBack(&rtp.Packet{Header: rtp.Header{
			SequenceNumber: uint16(65500 + i),
			Timestamp:      uint32(0xFFFF0000 + i*3000),
		}})
	}
	// 5000ms at 3000 ticks per packet spans 150 intervals
	require.Equal(t, 151, l.Len())

	first := uint16(65500)
	last := first + 299
	require.NotNil(t, l.Get(last))
	require.Nil(t, l.Get(last-151))

	var got []uint16
	l.ForEachNack(rtcp.NackPair{PacketID: last - 152, LostPackets: 0b11}, func(pkt *rtp.Packet) {
		got = append(got, pkt.SequenceNumber)
	})
	require.Equal(t, []uint16{last - 150}, got)
}

func TestNackList_CacheBySize(t *testing.T) {
	l := NewNackList(NackConfig{MaxRtpCacheSize: 10}, 90000)
	for i := 0; i < 20; i++ {
		l.PushBack(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i)}})
	}
	require.Equal(t, 10, l.Len())
	require.Nil(t, l.Get(9))
	require.NotNil(t, l.Get(10))

	// duplicate sequence replaces the cached packet
	dup := &rtp.Packet{Header: rtp.Header{SequenceNumber: 19, Timestamp: 19}}
	l.PushBack(dup)
	require.Equal(t, 10, l.Len())
	require.Same(t, dup, l.Get(19))
}
