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

package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/livekit-ice/pkg/sfu/buffer"
)

type captureSender struct {
	lock sync.Mutex
	sent [][]byte
}

func (s *captureSender) Send(b []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, append([]byte(nil), b...))
	return nil
}

func (s *captureSender) nacks(t *testing.T) []*rtcp.TransportLayerNack {
	s.lock.Lock()
	defer s.lock.Unlock()

	var nacks []*rtcp.TransportLayerNack
	for _, b := range s.sent {
		pkts, err := rtcp.Unmarshal(b)
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if n, ok := p.(*rtcp.TransportLayerNack); ok {
				nacks = append(nacks, n)
			}
		}
	}
	return nacks
}

func (s *captureSender) rtp() []*rtp.Packet {
	s.lock.Lock()
	defer s.lock.Unlock()

	var pkts []*rtp.Packet
	for _, b := range s.sent {
		if len(b) > 1 && b[1] >= 192 && b[1] <= 223 {
			continue
		}
		p := &rtp.Packet{}
		if p.Unmarshal(b) == nil {
			pkts = append(pkts, p)
		}
	}
	return pkts
}

func rtpBytes(t *testing.T, ssrc uint32, seq uint16) []byte {
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: []byte{byte(seq)},
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

func TestMediaTransport_RetransmitsOnNack(t *testing.T) {
	out := &captureSender{}
	mt := NewMediaTransport(MediaTransportParams{Sender: out})
	defer mt.Close()

	for seq := uint16(100); seq < 110; seq++ {
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(rtpBytes(t, 1234, seq)))
		require.NoError(t, mt.WriteRTP(pkt))
	}
	require.Len(t, out.rtp(), 10)

	nack, err := rtcp.Marshal([]rtcp.Packet{&rtcp.TransportLayerNack{
		MediaSSRC: 1234,
		// 102, 103 and 105, plus 200 which was never sent
		Nacks: []rtcp.NackPair{{PacketID: 102, LostPackets: 0b101}, {PacketID: 200}},
	}})
	require.NoError(t, err)

	var got []rtcp.Packet
	mt.params.OnRTCP = func(pkts []rtcp.Packet) { got = pkts }
	mt.HandlePacket(nack)
	require.Len(t, got, 1)

	require.Eventually(t, func() bool { return len(out.rtp()) == 13 }, time.Second, 10*time.Millisecond)
	var resent []uint16
	for _, p := range out.rtp()[10:] {
		resent = append(resent, p.SequenceNumber)
	}
	require.Equal(t, []uint16{102, 103, 105}, resent)
}

func TestMediaTransport_NacksGaps(t *testing.T) {
	mock := clock.NewMock()
	out := &captureSender{}
	var received []uint16
	mt := NewMediaTransport(MediaTransportParams{
		Sender:     out,
		Clock:      mock,
		SenderSSRC: 1,
		OnRTP:      func(pkt *rtp.Packet) { received = append(received, pkt.SequenceNumber) },
	})
	defer mt.Close()

	mt.HandlePacket(rtpBytes(t, 42, 10))
	// 11 is lost, wait for enough packets after the gap
	for seq := uint16(12); seq < 12+uint16(buffer.DefaultNackConfig.NackRtpSize); seq++ {
		mt.HandlePacket(rtpBytes(t, 42, seq))
	}
	require.Len(t, received, 1+buffer.DefaultNackConfig.NackRtpSize)

	nacks := out.nacks(t)
	require.Len(t, nacks, 1)
	require.Equal(t, uint32(42), nacks[0].MediaSSRC)
	require.Equal(t, uint32(1), nacks[0].SenderSSRC)
	require.Equal(t, []uint16{11}, nacks[0].Nacks[0].PacketList())

	// still missing after an rtt, asked again
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(out.nacks(t)) >= 2 }, time.Second, 10*time.Millisecond)

	// recovered, nothing more to ask for
	mt.HandlePacket(rtpBytes(t, 42, 11))
	before := len(out.nacks(t))
	mock.Add(time.Second)
	require.Never(t, func() bool { return len(out.nacks(t)) > before }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMediaTransport_IgnoresNonMedia(t *testing.T) {
	out := &captureSender{}
	var calls int
	mt := NewMediaTransport(MediaTransportParams{
		Sender: out,
		OnRTP:  func(*rtp.Packet) { calls++ },
		OnRTCP: func([]rtcp.Packet) { calls++ },
	})

	mt.HandlePacket([]byte{0x00, 0x01, 0x00, 0x00})
	mt.HandlePacket([]byte{0x16, 0xfe, 0xfd})
	mt.HandlePacket(nil)
	require.Zero(t, calls)

	mt.Close()
	mt.Close()
	require.ErrorIs(t, mt.WriteRTP(&rtp.Packet{}), ErrMediaTransportClosed)
}

func TestMediaTransport_CloseBeforeUse(t *testing.T) {
	mt := NewMediaTransport(MediaTransportParams{
		Sender: &captureSender{},
		Nack:   buffer.DefaultNackConfig,
	})

	mt.Close()
	mt.Close()
	require.ErrorIs(t, mt.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 1}}), ErrMediaTransportClosed)
}
