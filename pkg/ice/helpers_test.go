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
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/stun"
	"github.com/pion/transport/v2/vnet"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type sentPacket struct {
	data []byte
	to   netip.AddrPort
	at   time.Time
}

// fakeSocket records writes and optionally hands them to a peer.
type fakeSocket struct {
	addr    netip.AddrPort
	stream  bool
	clock   clock.Clock
	onWrite func(b []byte, to netip.AddrPort)

	lock   sync.Mutex
	sent   []sentPacket
	closed bool
}

func newFakeSocket(addr string, clk clock.Clock) *fakeSocket {
	if clk == nil {
		clk = clock.New()
	}
	return &fakeSocket{addr: netip.MustParseAddrPort(addr), clock: clk}
}

func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.addr }
func (s *fakeSocket) IsStream() bool            { return s.stream }

func (s *fakeSocket) WriteTo(b []byte, to netip.AddrPort) error {
	buf := make([]byte, len(b))
	copy(buf, b)

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}
	s.sent = append(s.sent, sentPacket{data: buf, to: to, at: s.clock.Now()})
	onWrite := s.onWrite
	s.lock.Unlock()

	if onWrite != nil {
		onWrite(buf, to)
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) setOnWrite(fn func(b []byte, to netip.AddrPort)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onWrite = fn
}

func (s *fakeSocket) packets() []sentPacket {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]sentPacket(nil), s.sent...)
}

func (s *fakeSocket) last() *stun.Message {
	pkts := s.packets()
	if len(pkts) == 0 {
		return nil
	}
	m := &stun.Message{Raw: pkts[len(pkts)-1].data}
	if err := m.Decode(); err != nil {
		return nil
	}
	return m
}

func (s *fakeSocket) reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = nil
}

// -----------------------------------------------------------------

type testListener struct {
	completed    atomic.Int32
	disconnected atomic.Int32
	gathered     chan CandidateInfo
	data         chan []byte
}

func newTestListener() *testListener {
	return &testListener{
		gathered: make(chan CandidateInfo, 64),
		data:     make(chan []byte, 64),
	}
}

func (l *testListener) OnIceTransportRecvData(data []byte, _ Pair) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case l.data <- buf:
	default:
	}
}

func (l *testListener) OnIceTransportGatheringCandidate(_ Pair, c CandidateInfo) {
	select {
	case l.gathered <- c:
	default:
	}
}

func (l *testListener) OnIceTransportDisconnected(Pair) {
	l.disconnected.Inc()
}

func (l *testListener) OnIceTransportCompleted() {
	l.completed.Inc()
}

func mustBuild(t testing.TB, setters ...stun.Setter) *stun.Message {
	m, err := stun.Build(setters...)
	require.NoError(t, err)
	return m
}

// newVNet starts a virtual router on cidr with one net per static ip.
func newVNet(t *testing.T, cidr string, ips ...string) []*vnet.Net {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(nw))
		nets = append(nets, nw)
	}
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return nets
}
