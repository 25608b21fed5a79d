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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/ice"
	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/sfu/buffer"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
)

const defaultClockRate = 90000

var ErrMediaTransportClosed = errors.New("media transport closed")

// PacketSender carries datagrams over a connected ICE pair. *ice.Agent
// satisfies it.
type PacketSender interface {
	Send(b []byte) error
}

type MediaTransportParams struct {
	Sender PacketSender
	Nack   buffer.NackConfig
	// ClockRate converts RTP timestamps for the send cache bound.
	ClockRate uint32
	// SenderSSRC is put in the NACK feedback this transport generates.
	SenderSSRC uint32
	Clock      clock.Clock
	Logger     logger.Logger
	// Listener receives the ICE callbacks other than data.
	Listener ice.Listener

	OnRTP  func(pkt *rtp.Packet)
	OnRTCP func(pkts []rtcp.Packet)
}

// MediaTransport runs RTP loss recovery over an ICE transport: sent packets
// are cached per SSRC and retransmitted when the peer NACKs them, gaps in
// received packets are NACKed and re-requested until recovered or given up.
type MediaTransport struct {
	params MediaTransportParams

	lock        sync.Mutex
	sendCache   map[uint32]*buffer.NackList
	recvNack    map[uint32]*buffer.NackContext
	resendTimer *clock.Timer

	nackWorker *workerpool.WorkerPool
	closed     core.Fuse
}

func NewMediaTransport(params MediaTransportParams) *MediaTransport {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Listener == nil {
		params.Listener = ice.NoopListener{}
	}
	if params.ClockRate == 0 {
		params.ClockRate = defaultClockRate
	}
	return &MediaTransport{
		params:     params,
		sendCache:  make(map[uint32]*buffer.NackList),
		recvNack:   make(map[uint32]*buffer.NackContext),
		nackWorker: workerpool.New(1),
		closed:     core.NewFuse(),
	}
}

// SetSender binds the transport once the ICE layer is up.
func (t *MediaTransport) SetSender(sender PacketSender) {
	t.lock.Lock()
	t.params.Sender = sender
	t.lock.Unlock()
}

func (t *MediaTransport) Close() {
	if t.closed.IsBroken() {
		return
	}
	t.closed.Break()

	t.lock.Lock()
	if t.resendTimer != nil {
		t.resendTimer.Stop()
		t.resendTimer = nil
	}
	t.lock.Unlock()
	t.nackWorker.StopWait()
}

// WriteRTP sends pkt and keeps it for retransmission.
func (t *MediaTransport) WriteRTP(pkt *rtp.Packet) error {
	if t.closed.IsBroken() {
		return ErrMediaTransportClosed
	}
	b, err := pkt.Marshal()
	if err != nil {
		return errors.Wrap(err, "could not marshal rtp")
	}

	t.lock.Lock()
	list, ok := t.sendCache[pkt.SSRC]
	if !ok {
		list = buffer.NewNackList(t.params.Nack, t.params.ClockRate)
		t.sendCache[pkt.SSRC] = list
	}
	list.PushBack(pkt)
	sender := t.params.Sender
	t.lock.Unlock()

	return t.send(sender, b)
}

func (t *MediaTransport) WriteRTCP(pkts []rtcp.Packet) error {
	if t.closed.IsBroken() {
		return ErrMediaTransportClosed
	}
	b, err := rtcp.Marshal(pkts)
	if err != nil {
		return errors.Wrap(err, "could not marshal rtcp")
	}
	t.lock.Lock()
	sender := t.params.Sender
	t.lock.Unlock()
	return t.send(sender, b)
}

func (t *MediaTransport) send(sender PacketSender, b []byte) error {
	if sender == nil {
		return ice.ErrNoSelectedPair
	}
	return sender.Send(b)
}

// HandlePacket processes one inbound datagram. Only RTP and RTCP are
// accepted.
func (t *MediaTransport) HandlePacket(b []byte) {
	if t.closed.IsBroken() || proto.Demux(b) != proto.KindRTP {
		return
	}
	if proto.IsRTCP(b) {
		t.handleRTCP(b)
	} else {
		t.handleRTP(b)
	}
}

func (t *MediaTransport) handleRTP(b []byte) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(b); err != nil {
		t.params.Logger.Debugw("dropping malformed rtp", "error", err, "size", len(b))
		return
	}

	var nacks []rtcp.NackPair
	t.lock.Lock()
	ctx, ok := t.recvNack[pkt.SSRC]
	if !ok {
		ctx = buffer.NewNackContext(t.params.Nack, t.params.Clock)
		t.recvNack[pkt.SSRC] = ctx
	}
	ctx.OnNack(func(pair rtcp.NackPair) {
		nacks = append(nacks, pair)
	})
	ctx.Received(pkt.SequenceNumber, false)
	if ctx.Pending() > 0 {
		t.scheduleResendLocked(ctx.RTT())
	}
	t.lock.Unlock()

	t.sendNacks(pkt.SSRC, nacks)
	if t.params.OnRTP != nil {
		t.params.OnRTP(pkt)
	}
}

func (t *MediaTransport) handleRTCP(b []byte) {
	pkts, err := rtcp.Unmarshal(b)
	if err != nil {
		t.params.Logger.Debugw("dropping malformed rtcp", "error", err, "size", len(b))
		return
	}
	for _, p := range pkts {
		if nack, ok := p.(*rtcp.TransportLayerNack); ok {
			t.serviceNack(nack)
		}
	}
	if t.params.OnRTCP != nil {
		t.params.OnRTCP(pkts)
	}
}

func (t *MediaTransport) sendNacks(ssrc uint32, nacks []rtcp.NackPair) {
	if len(nacks) == 0 {
		return
	}
	count := 0
	for _, n := range nacks {
		count += len(n.PacketList())
	}
	prometheus.IncrementNack(prometheus.Outgoing, uint32(count))

	err := t.WriteRTCP([]rtcp.Packet{&rtcp.TransportLayerNack{
		SenderSSRC: t.params.SenderSSRC,
		MediaSSRC:  ssrc,
		Nacks:      nacks,
	}})
	if err != nil {
		t.params.Logger.Debugw("could not send nack", "error", err, "ssrc", ssrc)
	}
}

// serviceNack retransmits the requested packets off the receive path.
func (t *MediaTransport) serviceNack(nack *rtcp.TransportLayerNack) {
	count := 0
	for _, n := range nack.Nacks {
		count += len(n.PacketList())
	}
	prometheus.IncrementNack(prometheus.Incoming, uint32(count))

	if t.nackWorker.Stopped() {
		return
	}
	t.nackWorker.Submit(func() {
		var packets [][]byte
		t.lock.Lock()
		list := t.sendCache[nack.MediaSSRC]
		if list != nil {
			for _, pair := range nack.Nacks {
				list.ForEachNack(pair, func(pkt *rtp.Packet) {
					if b, err := pkt.Marshal(); err == nil {
						packets = append(packets, b)
					}
				})
			}
		}
		sender := t.params.Sender
		t.lock.Unlock()

		for _, b := range packets {
			if err := t.send(sender, b); err != nil {
				t.params.Logger.Debugw("could not retransmit", "error", err, "ssrc", nack.MediaSSRC)
				return
			}
		}
		if len(packets) > 0 {
			prometheus.IncrementRetransmits(len(packets))
		}
	})
}

func (t *MediaTransport) scheduleResendLocked(d time.Duration) {
	if t.resendTimer != nil || t.closed.IsBroken() {
		return
	}
	t.resendTimer = t.params.Clock.AfterFunc(d, t.resendNacks)
}

// resendNacks re-requests what is still missing on every stream and re-arms
// for the shortest delay any of them asked for.
func (t *MediaTransport) resendNacks() {
	type streamNacks struct {
		ssrc  uint32
		pairs []rtcp.NackPair
	}
	var out []streamNacks

	t.lock.Lock()
	t.resendTimer = nil
	var next time.Duration
	for ssrc, ctx := range t.recvNack {
		s := streamNacks{ssrc: ssrc}
		ctx.OnNack(func(pair rtcp.NackPair) {
			s.pairs = append(s.pairs, pair)
		})
		if d := ctx.ReSendNack(); d > 0 && (next == 0 || d < next) {
			next = d
		}
		if len(s.pairs) > 0 {
			out = append(out, s)
		}
	}
	if next > 0 {
		t.scheduleResendLocked(next)
	}
	t.lock.Unlock()

	for _, s := range out {
		t.sendNacks(s.ssrc, s.pairs)
	}
}

// -----------------------------------------------------------------
// ice.Listener

var _ ice.Listener = (*MediaTransport)(nil)

func (t *MediaTransport) OnIceTransportRecvData(data []byte, _ ice.Pair) {
	t.HandlePacket(data)
}

func (t *MediaTransport) OnIceTransportGatheringCandidate(pair ice.Pair, c ice.CandidateInfo) {
	t.params.Listener.OnIceTransportGatheringCandidate(pair, c)
}

func (t *MediaTransport) OnIceTransportDisconnected(pair ice.Pair) {
	t.params.Listener.OnIceTransportDisconnected(pair)
}

func (t *MediaTransport) OnIceTransportCompleted() {
	t.params.Listener.OnIceTransportCompleted()
}
