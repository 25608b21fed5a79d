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
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-ice/pkg/utils"
)

const (
	kindTransport = "transport"
	kindServer    = "server"
	kindAgent     = "agent"
)

// Listener receives the observable outcomes of a transport. Callbacks run on
// the transport's event loop and must not block.
type Listener interface {
	OnIceTransportRecvData(data []byte, pair Pair)
	OnIceTransportGatheringCandidate(pair Pair, candidate CandidateInfo)
	OnIceTransportDisconnected(pair Pair)
	OnIceTransportCompleted()
}

type NoopListener struct{}

func (NoopListener) OnIceTransportRecvData([]byte, Pair)                  {}
func (NoopListener) OnIceTransportGatheringCandidate(Pair, CandidateInfo) {}
func (NoopListener) OnIceTransportDisconnected(Pair)                      {}
func (NoopListener) OnIceTransportCompleted()                             {}

type TransportParams struct {
	Ufrag    string
	Password string
	Config   TransportConfig
	Clock    clock.Clock
	Logger   logger.Logger
	Listener Listener
}

type authResult int

const (
	authOK authResult = iota
	authBadRequest
	authUnauthorized
	authStaleNonce
)

type requestHandler func(req *stun.Message, pair Pair)

type handlerKey struct {
	class  stun.MessageClass
	method stun.Method
}

// transportHooks are the points where the server and agent roles specialise
// the shared request engine.
type transportHooks struct {
	authenticate      func(req *stun.Message, pair Pair) authResult
	reject            func(req *stun.Message, pair Pair, result authResult)
	responseIntegrity func(req *stun.Message) stun.Setter
	sendSocketData    func(b []byte, pair Pair) error
	onChannelData     func(cd *proto.ChannelData, pair Pair)
	onOther           func(data []byte, pair Pair)
	onNonce           func(realm, nonce string)
}

// Transport is the STUN request/response engine shared by every role: request
// table with retransmission, authentication, handler dispatch, TURN permission
// and channel binding bookkeeping. All state is owned by its event loop.
type Transport struct {
	params   TransportParams
	conf     TransportConfig
	kind     string
	loop     *utils.EventLoop
	clock    clock.Clock
	logger   logger.Logger
	listener Listener

	handlers    map[handlerKey]requestHandler
	pending     map[transactionID]*requestInfo
	permissions *permissionTable
	channels    *channelTable
	hooks       transportHooks

	checkTimer *utils.Timer
	started    atomic.Bool
	closeOnce  sync.Once
}

// NewTransport creates a transport that only answers binding requests, which is
// the behaviour shared by every role.
func NewTransport(params TransportParams) *Transport {
	return newTransport(kindTransport, params)
}

func newTransport(kind string, params TransportParams) *Transport {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Listener == nil {
		params.Listener = NoopListener{}
	}
	if params.Ufrag == "" {
		params.Ufrag = utils.NewUfrag()
	}
	if params.Password == "" {
		params.Password = utils.NewPassword()
	}
	conf := params.Config.withDefaults()
	lgr := params.Logger.WithValues("ufrag", params.Ufrag, "kind", kind)

	t := &Transport{
		params:   params,
		conf:     conf,
		kind:     kind,
		clock:    params.Clock,
		logger:   lgr,
		listener: params.Listener,
		loop: utils.NewEventLoop(utils.EventLoopParams{
			Name:   kind + "-" + params.Ufrag,
			Clock:  params.Clock,
			Logger: lgr,
		}),
		handlers:    make(map[handlerKey]requestHandler),
		pending:     make(map[transactionID]*requestInfo),
		permissions: newPermissionTable(conf.PermissionLifetime),
		channels:    newChannelTable(conf.ChannelLifetime),
	}
	t.hooks = transportHooks{
		authenticate:      t.authenticateShortTerm,
		reject:            t.rejectRequest,
		responseIntegrity: t.shortTermResponseIntegrity,
		sendSocketData:    t.writeSocket,
		onChannelData: func(cd *proto.ChannelData, pair Pair) {
			t.logger.Debugw("dropping channel data", "channel", cd.Number, "pair", pair)
		},
		onOther: func(data []byte, pair Pair) {
			t.logger.Debugw("dropping non stun packet", "size", len(data), "pair", pair)
		},
	}
	t.registerHandler(stun.ClassRequest, stun.MethodBinding, t.handleBindingRequest)
	return t
}

func (t *Transport) Ufrag() string {
	return t.params.Ufrag
}

func (t *Transport) Password() string {
	return t.params.Password
}

func (t *Transport) Logger() logger.Logger {
	return t.logger
}

func (t *Transport) Start() {
	if t.started.Swap(true) {
		return
	}
	t.loop.Start()
	t.checkTimer = t.loop.Every(t.conf.CheckInterval, func() bool {
		t.checkRequestTimeouts()
		return true
	})
}

func (t *Transport) Close() {
	if t.checkTimer != nil {
		t.checkTimer.Stop()
	}
	t.loop.Stop()
}

// shutdown runs cleanup on the loop, or inline once the loop is gone, then
// stops the transport. Only the first call has any effect.
func (t *Transport) shutdown(cleanup func()) {
	t.closeOnce.Do(func() {
		if !t.started.Load() {
			cleanup()
		} else if err := t.loop.Exec(cleanup); err != nil {
			<-t.loop.Done()
			cleanup()
		}
		t.Close()
	})
}

func (t *Transport) IsClosed() bool {
	return t.loop.IsStopped()
}

func (t *Transport) Done() <-chan struct{} {
	return t.loop.Done()
}

// Exec runs fn on the transport loop and waits for it. Before Start, fn runs
// inline.
func (t *Transport) Exec(fn func()) error {
	if !t.started.Load() {
		fn()
		return nil
	}
	if err := t.loop.Exec(fn); err != nil {
		return ErrClosed
	}
	return nil
}

// OnSocketData is the entry point for socket readers. It copies data and
// processes it on the loop.
func (t *Transport) OnSocketData(data []byte, sock Socket, from netip.AddrPort) {
	buf := make([]byte, len(data))
	copy(buf, data)
	pair := Pair{Socket: sock, Peer: unmap(from)}
	t.loop.Enqueue(func() {
		t.processSocketData(buf, pair)
	})
}

func (t *Transport) registerHandler(class stun.MessageClass, method stun.Method, h requestHandler) {
	t.handlers[handlerKey{class: class, method: method}] = h
}

func (t *Transport) processSocketData(data []byte, pair Pair) {
	kind := proto.Demux(data)
	switch {
	case kind == proto.KindSTUN && stun.IsMessage(data):
		m := &stun.Message{Raw: data}
		if err := m.Decode(); err != nil {
			t.logger.Debugw("dropping malformed stun packet", "error", err, "pair", pair)
			return
		}
		t.processStunPacket(m, pair)

	case kind == proto.KindChannelData && proto.IsChannelData(data):
		cd := &proto.ChannelData{}
		if err := cd.Decode(data); err != nil {
			t.logger.Debugw("dropping malformed channel data", "error", err, "pair", pair)
			return
		}
		t.hooks.onChannelData(cd, pair)

	default:
		t.hooks.onOther(data, pair)
	}
}

func (t *Transport) processStunPacket(m *stun.Message, pair Pair) {
	switch m.Type.Class {
	case stun.ClassRequest, stun.ClassIndication:
		t.processRequest(m, pair)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		t.processResponse(m, pair)
	}
}

func (t *Transport) processRequest(m *stun.Message, pair Pair) {
	if m.Type.Class == stun.ClassRequest {
		if result := t.hooks.authenticate(m, pair); result != authOK {
			t.hooks.reject(m, pair, result)
			return
		}
	}

	h, ok := t.handlers[handlerKey{class: m.Type.Class, method: m.Type.Method}]
	if !ok {
		t.logger.Warnw("unhandled stun message", nil, "type", m.Type, "pair", pair)
		return
	}
	h(m, pair)
}

func (t *Transport) processResponse(m *stun.Message, pair Pair) {
	req, ok := t.pending[m.TransactionID]
	if !ok {
		t.logger.Debugw("response for unknown transaction", "type", m.Type, "pair", pair)
		return
	}
	delete(t.pending, m.TransactionID)

	if m.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(m); err != nil {
			t.logger.Debugw("error response without error code", "type", m.Type, "pair", pair)
			return
		}
		prometheus.IncrementStunErrorResponse(t.kind, code.Code)

		if (code.Code == stun.CodeUnauthorized || code.Code == stun.CodeStaleNonce) && t.retryWithCredentials(req, m) {
			return
		}
		req.handler(m, pair)
		return
	}

	if integrity, ok := req.creds.integrity(); ok {
		if err := integrity.Check(m); err != nil {
			t.logger.Warnw("response failed integrity check", err, "type", m.Type, "pair", pair)
			return
		}
	}
	req.handler(m, pair)
}

// retryWithCredentials answers a long-term credential challenge by resending the
// request, under a new transaction id, with the supplied realm and nonce.
func (t *Transport) retryWithCredentials(req *requestInfo, resp *stun.Message) bool {
	if !req.creds.longTerm || req.creds.password == "" || req.authRetries >= maxAuthRetries {
		return false
	}

	var nonce stun.Nonce
	if err := nonce.GetFrom(resp); err != nil {
		return false
	}
	var realm stun.Realm
	if err := realm.GetFrom(resp); err == nil {
		req.creds.realm = realm.String()
	} else if req.creds.realm == "" {
		return false
	}
	req.creds.nonce = nonce.String()
	req.authRetries++

	if t.hooks.onNonce != nil {
		t.hooks.onNonce(req.creds.realm, req.creds.nonce)
	}
	if err := t.transmit(req); err != nil {
		t.logger.Warnw("could not resend request with credentials", err, "method", req.method)
	}
	return true
}

func (t *Transport) sendRequest(
	pair Pair,
	method stun.Method,
	creds requestCredentials,
	handler responseHandler,
	attrs ...stun.Setter,
) error {
	return t.transmit(&requestInfo{
		method:  method,
		attrs:   attrs,
		creds:   creds,
		pair:    pair,
		handler: handler,
	})
}

func (t *Transport) transmit(req *requestInfo) error {
	m, err := req.build()
	if err != nil {
		return errors.Wrap(err, "could not build stun request")
	}
	req.msg = m
	req.rto = t.conf.InitialRTO
	req.nextTimeout = t.clock.Now().Add(req.rto)
	t.pending[m.TransactionID] = req

	prometheus.IncrementStunRequest(t.kind, req.method)
	return t.sendPacket(m, req.pair)
}

// checkRequestTimeouts retransmits overdue requests with a doubling RTO and
// drops those that exhausted their retries.
func (t *Transport) checkRequestTimeouts() {
	now := t.clock.Now()
	for id, req := range t.pending {
		if now.Before(req.nextTimeout) {
			continue
		}
		if req.retries >= t.conf.MaxRetries {
			t.logger.Debugw("stun request timed out", "method", req.method, "retries", req.retries, "pair", req.pair)
			prometheus.IncrementStunTimeout(t.kind, req.method)
			delete(t.pending, id)
			continue
		}

		req.retries++
		req.rto *= 2
		req.nextTimeout = now.Add(req.rto)
		prometheus.IncrementStunRetransmit(t.kind, req.method)
		_ = t.sendPacket(req.msg, req.pair)
	}
}

func (t *Transport) pendingCount() int {
	return len(t.pending)
}

// -----------------------------------------------------------------

func (t *Transport) authenticateShortTerm(m *stun.Message, _ Pair) authResult {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return authBadRequest
	}
	if !m.Contains(stun.AttrMessageIntegrity) {
		return authBadRequest
	}
	if !strings.HasPrefix(username.String(), t.params.Ufrag+":") {
		return authUnauthorized
	}
	if err := stun.NewShortTermIntegrity(t.params.Password).Check(m); err != nil {
		return authUnauthorized
	}
	return authOK
}

func (t *Transport) rejectRequest(m *stun.Message, pair Pair, result authResult) {
	code := stun.CodeUnauthorized
	if result == authBadRequest {
		code = stun.CodeBadRequest
	}
	t.logger.Debugw("rejecting request", "type", m.Type, "code", int(code), "pair", pair)
	_ = t.sendErrorResponse(m, pair, code)
}

func (t *Transport) shortTermResponseIntegrity(req *stun.Message) stun.Setter {
	if !req.Contains(stun.AttrMessageIntegrity) {
		return nil
	}
	return stun.NewShortTermIntegrity(t.params.Password)
}

func (t *Transport) handleBindingRequest(req *stun.Message, pair Pair) {
	_ = t.sendSuccessResponse(req, pair, xorMappedAddress(pair.RemoteAddr()))
}

// -----------------------------------------------------------------

func (t *Transport) buildResponse(req *stun.Message, class stun.MessageClass, setters ...stun.Setter) (*stun.Message, error) {
	s := make([]stun.Setter, 0, len(setters)+4)
	s = append(s, stun.NewTransactionIDSetter(req.TransactionID), stun.NewType(req.Type.Method, class))
	s = append(s, setters...)
	if class == stun.ClassSuccessResponse {
		if integrity := t.hooks.responseIntegrity(req); integrity != nil {
			s = append(s, integrity)
		}
	}
	s = append(s, stun.Fingerprint)
	return stun.Build(s...)
}

func (t *Transport) sendSuccessResponse(req *stun.Message, pair Pair, setters ...stun.Setter) error {
	m, err := t.buildResponse(req, stun.ClassSuccessResponse, setters...)
	if err != nil {
		t.logger.Warnw("could not build response", err, "type", req.Type)
		return err
	}
	return t.sendPacket(m, pair)
}

func (t *Transport) sendErrorResponse(req *stun.Message, pair Pair, code stun.ErrorCode, setters ...stun.Setter) error {
	m, err := t.buildResponse(req, stun.ClassErrorResponse, append([]stun.Setter{code}, setters...)...)
	if err != nil {
		t.logger.Warnw("could not build error response", err, "type", req.Type, "code", int(code))
		return err
	}
	return t.sendPacket(m, pair)
}

func (t *Transport) sendIndication(pair Pair, method stun.Method, setters ...stun.Setter) error {
	s := make([]stun.Setter, 0, len(setters)+3)
	s = append(s, stun.TransactionID, stun.NewType(method, stun.ClassIndication))
	s = append(s, setters...)
	s = append(s, stun.Fingerprint)
	m, err := stun.Build(s...)
	if err != nil {
		return err
	}
	return t.sendPacket(m, pair)
}

func (t *Transport) sendPacket(m *stun.Message, pair Pair) error {
	return t.hooks.sendSocketData(m.Raw, pair)
}

// sendChannelData writes straight to the hop, it is already the relay framing.
func (t *Transport) sendChannelData(number proto.ChannelNumber, data []byte, pair Pair) error {
	cd := proto.ChannelData{Number: number, Data: data}
	return t.writeSocket(cd.Append(nil, pair.Socket.IsStream()), pair.Hop())
}

func (t *Transport) writeSocket(b []byte, pair Pair) error {
	if pair.Socket == nil {
		return ErrClosed
	}
	if err := pair.Socket.WriteTo(b, pair.Peer); err != nil {
		t.logger.Debugw("socket write failed", "error", err, "pair", pair)
		return err
	}
	return nil
}

// -----------------------------------------------------------------

func (t *Transport) addPermission(ip netip.Addr) {
	t.permissions.add(ip, t.clock.Now())
}

func (t *Transport) hasPermission(ip netip.Addr) bool {
	return t.permissions.has(ip, t.clock.Now())
}

func (t *Transport) addChannelBind(number proto.ChannelNumber, peer netip.AddrPort) {
	t.channels.add(number, peer, t.clock.Now())
}

func (t *Transport) channelPeer(number proto.ChannelNumber) (netip.AddrPort, bool) {
	return t.channels.byNumber(number, t.clock.Now())
}

func (t *Transport) channelNumber(peer netip.AddrPort) (proto.ChannelNumber, bool) {
	return t.channels.byPeer(peer, t.clock.Now())
}

func (t *Transport) expireBindings() {
	now := t.clock.Now()
	if n := t.permissions.expire(now); n > 0 {
		t.logger.Debugw("permissions expired", "count", n)
	}
	if n := t.channels.expire(now); n > 0 {
		t.logger.Debugw("channel bindings expired", "count", n)
	}
}

func xorMappedAddress(addr netip.AddrPort) *stun.XORMappedAddress {
	return &stun.XORMappedAddress{IP: addr.Addr().AsSlice(), Port: int(addr.Port())}
}

func peerAddress(addr netip.AddrPort) proto.PeerAddress {
	return proto.PeerAddress{IP: addr.Addr().AsSlice(), Port: int(addr.Port())}
}

func addrPortFromIP(ip []byte, port int) (netip.AddrPort, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port)), true
}
