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

package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

var (
	atomicRelayBytesIn  uint64
	atomicRelayBytesOut uint64
	atomicNackTotal     uint64

	promPacketLabels   = []string{"direction"}
	promListenerLabels = []string{"direction", "protocol"}

	promListenerPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "listener",
		Name:      "packets_total",
	}, promListenerLabels)
	promListenerBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "listener",
		Name:      "bytes",
	}, promListenerLabels)

	promRelayPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "relay",
		Name:      "packets_total",
	}, promPacketLabels)
	promRelayBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "relay",
		Name:      "bytes",
	}, promPacketLabels)
	promNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "nack",
		Name:      "total",
	}, promPacketLabels)
	promRetransmitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "rtp",
		Name:      "retransmits_total",
	})
)

func registerPacketStats(registerer prometheus.Registerer) {
	registerer.MustRegister(promListenerPackets)
	registerer.MustRegister(promListenerBytes)
	registerer.MustRegister(promRelayPackets)
	registerer.MustRegister(promRelayBytes)
	registerer.MustRegister(promNackTotal)
	registerer.MustRegister(promRetransmitTotal)
}

// IncrementListenerBytes counts traffic on the STUN/TURN listeners. Datagram
// reads and writes also count one packet each.
func IncrementListenerBytes(direction Direction, protocol Protocol, bytes int, isPacket bool) {
	promListenerBytes.WithLabelValues(string(direction), string(protocol)).Add(float64(bytes))
	if isPacket {
		promListenerPackets.WithLabelValues(string(direction), string(protocol)).Inc()
	}
}

// IncrementRelayed counts one packet of the given size forwarded by a TURN
// allocation. Incoming is peer to client.
func IncrementRelayed(direction Direction, bytes int) {
	promRelayPackets.WithLabelValues(string(direction)).Inc()
	promRelayBytes.WithLabelValues(string(direction)).Add(float64(bytes))
	if direction == Incoming {
		atomic.AddUint64(&atomicRelayBytesIn, uint64(bytes))
	} else {
		atomic.AddUint64(&atomicRelayBytesOut, uint64(bytes))
	}
}

func IncrementNack(direction Direction, count uint32) {
	promNackTotal.WithLabelValues(string(direction)).Add(float64(count))
	atomic.AddUint64(&atomicNackTotal, uint64(count))
}

func IncrementRetransmits(count int) {
	promRetransmitTotal.Add(float64(count))
}

func RelayedBytes() (in uint64, out uint64) {
	return atomic.LoadUint64(&atomicRelayBytesIn), atomic.LoadUint64(&atomicRelayBytesOut)
}

func NackTotal() uint64 {
	return atomic.LoadUint64(&atomicNackTotal)
}
