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
	"slices"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pion/ice/v2"
	"github.com/pion/stun"
	"github.com/pion/transport/v2"
	"github.com/pion/transport/v2/stdnet"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/livekit-ice/pkg/ice/proto"
	"github.com/livekit/livekit-ice/pkg/portmanager"
	"github.com/livekit/livekit-ice/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-ice/pkg/utils"
)

type Role int32

const (
	RoleControlling Role = iota
	RoleControlled
)

func (r Role) String() string {
	if r == RoleControlled {
		return "controlled"
	}
	return "controlling"
}

func (r Role) opposite() Role {
	if r == RoleControlling {
		return RoleControlled
	}
	return RoleControlling
}

type AgentState int32

const (
	AgentStateNew AgentState = iota
	AgentStateRunning
	AgentStateNominated
	AgentStateCompleted
)

func (s AgentState) String() string {
	switch s {
	case AgentStateNew:
		return "new"
	case AgentStateRunning:
		return "running"
	case AgentStateNominated:
		return "nominated"
	case AgentStateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type Implementation int

const (
	ImplementationFull Implementation = iota
	// ImplementationLite answers checks but never sends its own.
	ImplementationLite
)

type AgentParams struct {
	TransportParams

	Role           Role
	Implementation Implementation
	Policy         TransportPolicy
	// IceServer is the STUN or TURN server used for srflx and relay gathering.
	IceServer *IceServerInfo
	Net       transport.Net
	// Ports is an optional pool for host sockets, ephemeral ports otherwise.
	Ports           *portmanager.PortManager
	Tiebreaker      uint64
	InterfaceFilter func(name string) bool
	IPFilter        func(ip netip.Addr) bool
}

type stashedResponse struct {
	msg  *stun.Message
	pair Pair
}

// Agent is a full (or lite) ICE agent: it gathers local candidates, checks
// pairs against remote candidates, resolves role conflicts, nominates and
// selects a pair and carries application data over it, relayed through TURN
// when needed.
type Agent struct {
	*Transport
	params     AgentParams
	tiebreaker uint64

	role         atomic.Int32
	state        atomic.Int32
	selected     atomic.Pointer[Pair]
	lastSelected atomic.Pointer[Pair]

	// owned by the loop
	remoteUfrag       string
	remotePwd         string
	remoteCandidates  *orderedmap.OrderedMap[string, CandidateInfo]
	sockets           *socketCandidates
	ownedSockets      []Socket
	checklist         checklist
	validList         []*CandidatePair
	selectedCandidate *CandidatePair
	nominatedPair     *Pair
	stashed           *stashedResponse
	completed         bool

	serverAddr       netip.AddrPort
	turnPair         *Pair
	turnCreds        requestCredentials
	relayCandidate   *CandidateInfo
	allocationExpiry time.Time
	nextChannel      proto.ChannelNumber
	pendingChannels  map[netip.AddrPort]struct{}

	refreshTimer *utils.Timer
}

func NewAgent(params AgentParams) (*Agent, error) {
	if params.Net == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, errors.Wrap(err, "could not create net")
		}
		params.Net = n
	}
	if params.Tiebreaker == 0 {
		params.Tiebreaker = utils.RandomUint64()
	}

	a := &Agent{
		Transport:        newTransport(kindAgent, params.TransportParams),
		params:           params,
		tiebreaker:       params.Tiebreaker,
		remoteCandidates: orderedmap.NewOrderedMap[string, CandidateInfo](),
		sockets:          newSocketCandidates(),
		nextChannel:      proto.MinChannelNumber,
		pendingChannels:  make(map[netip.AddrPort]struct{}),
	}
	a.role.Store(int32(params.Role))
	a.state.Store(int32(AgentStateNew))

	a.hooks.sendSocketData = a.sendSocketData
	a.hooks.onChannelData = a.handleChannelData
	a.hooks.onOther = a.handleOther
	a.hooks.onNonce = func(realm, nonce string) {
		a.turnCreds.realm, a.turnCreds.nonce = realm, nonce
	}
	a.registerHandler(stun.ClassRequest, stun.MethodBinding, a.handleBindingRequest)
	a.registerHandler(stun.ClassIndication, stun.MethodData, a.handleDataIndication)
	return a, nil
}

func (a *Agent) Start() {
	a.Transport.Start()
	a.refreshTimer = a.loop.Every(a.conf.RefreshInterval, func() bool {
		a.refresh()
		return true
	})
}

// Close stops the agent, closes every socket it owns and reports a disconnect
// if the session had completed.
func (a *Agent) Close() {
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	a.shutdown(func() {
		if a.turnPair != nil && a.relayCandidate != nil {
			_ = a.sendRequest(*a.turnPair, stun.MethodRefresh, a.turnCreds, func(*stun.Message, Pair) {}, proto.Lifetime{})
		}
		if a.completed {
			if p := a.selected.Load(); p != nil {
				a.listener.OnIceTransportDisconnected(*p)
			}
		}
		for _, sock := range a.ownedSockets {
			_ = sock.Close()
		}
		a.ownedSockets = nil
	})
}

func (a *Agent) Tiebreaker() uint64 {
	return a.tiebreaker
}

func (a *Agent) Role() Role {
	return Role(a.role.Load())
}

func (a *Agent) State() AgentState {
	return AgentState(a.state.Load())
}

func (a *Agent) SelectedPair() (Pair, bool) {
	if p := a.selected.Load(); p != nil {
		return *p, true
	}
	return Pair{}, false
}

func (a *Agent) LastSelectedPair() (Pair, bool) {
	if p := a.lastSelected.Load(); p != nil {
		return *p, true
	}
	return Pair{}, false
}

func (a *Agent) SetRemoteCredentials(ufrag, pwd string) error {
	return a.Exec(func() {
		a.remoteUfrag, a.remotePwd = ufrag, pwd
		a.checkWaitingPairs()
	})
}

// AddRemoteCandidate schedules connectivity checks against c.
func (a *Agent) AddRemoteCandidate(c CandidateInfo) error {
	c.fillDefaults()
	if !a.loop.Enqueue(func() {
		if a.remoteUfrag == "" && c.Ufrag != "" {
			a.remoteUfrag, a.remotePwd = c.Ufrag, c.Pwd
			a.checkWaitingPairs()
		}
		a.connectivityCheck(c)
	}) {
		return ErrClosed
	}
	return nil
}

// Send writes application data on the selected pair.
func (a *Agent) Send(b []byte) error {
	p := a.selected.Load()
	if p == nil {
		return ErrNoSelectedPair
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	pair := *p
	if !a.loop.Enqueue(func() {
		_ = a.sendSocketData(buf, pair)
	}) {
		return ErrClosed
	}
	return nil
}

// LocalCandidates must not be called from a listener callback.
func (a *Agent) LocalCandidates() []CandidateInfo {
	var candidates []CandidateInfo
	_ = a.Exec(func() {
		candidates = a.sockets.all()
	})
	return candidates
}

// -----------------------------------------------------------------

func (a *Agent) setRole(role Role) {
	if a.Role() == role {
		return
	}
	a.role.Store(int32(role))
	if role == RoleControlled && a.State() == AgentStateNominated {
		a.state.Store(int32(AgentStateRunning))
	}
	a.checklist.reprioritize(role)
	a.logger.Infow("ice role switched", "newRole", role, "tiebreaker", a.tiebreaker)
}

func (a *Agent) connectivityCheck(remote CandidateInfo) {
	if a.State() == AgentStateNew {
		a.state.Store(int32(AgentStateRunning))
	}

	key := remote.key()
	if _, ok := a.remoteCandidates.Get(key); ok {
		return
	}
	a.remoteCandidates.Set(key, remote)
	if remote.Transport != TransportUDP {
		a.logger.Debugw("skipping non udp remote candidate", "candidate", remote)
		return
	}

	for _, sock := range a.sockets.hostSockets() {
		if sock.LocalAddr().Addr().Is4() != remote.Addr.Addr().Is4() {
			continue
		}
		a.addToChecklist(Pair{Socket: sock, Peer: remote.Addr}, remote)
	}
	if a.relayCandidate != nil {
		a.localRelayedConnectivityCheck(remote)
	}
}

func (a *Agent) localRelayedConnectivityCheck(remote CandidateInfo) {
	if a.turnPair == nil || remote.Addr.Addr().Is4() != a.relayCandidate.Addr.Addr().Is4() {
		return
	}
	a.sendCreatePermission(remote.Addr)
	a.addToChecklist(a.turnPair.WithRelayed(remote.Addr), remote)
}

func (a *Agent) addToChecklist(pair Pair, remote CandidateInfo) {
	if cp := a.checklist.find(pair); cp != nil {
		// a signalled candidate replaces the peer reflexive one learned first
		if cp.Remote.Type == CandidateTypePeerReflexive && remote.Type != CandidateTypePeerReflexive {
			cp.Remote = remote
		}
		a.triggeredCheck(pair)
		return
	}
	local, ok := a.sockets.first(pair.Socket)
	if !ok {
		return
	}

	cp := &CandidatePair{
		Pair:     pair,
		Local:    local,
		Remote:   remote,
		Priority: pairPriorityForRole(a.Role(), local.Priority, remote.Priority),
		State:    PairStateInProgress,
	}
	a.checklist.add(cp)
	a.sendConnectivityCheck(cp, false)
}

func (a *Agent) sendConnectivityCheck(cp *CandidatePair, nominate bool) {
	if a.params.Implementation == ImplementationLite {
		return
	}

	attrs := []stun.Setter{ice.PriorityAttr(CandidatePriority(CandidateTypePeerReflexive, cp.Local.Component))}
	if a.Role() == RoleControlling {
		attrs = append(attrs, ice.AttrControlling(a.tiebreaker))
	} else {
		attrs = append(attrs, ice.AttrControlled(a.tiebreaker))
	}
	if nominate {
		attrs = append(attrs, ice.UseCandidate())
	}

	ufrag, pwd := a.remoteUfrag, a.remotePwd
	if cp.Remote.Ufrag != "" {
		ufrag, pwd = cp.Remote.Ufrag, cp.Remote.Pwd
	}
	if ufrag == "" {
		// no remote credentials yet, checked once they are known
		cp.State = PairStateWaiting
		return
	}
	pair := cp.Pair
	handler := func(resp *stun.Message, _ Pair) {
		a.onCheckResponse(pair, nominate, resp)
	}
	if err := a.sendRequest(pair, stun.MethodBinding, shortTermCredentials(ufrag+":"+a.Ufrag(), pwd), handler, attrs...); err != nil {
		a.logger.Debugw("connectivity check send failed", "error", err, "pair", pair)
	}
}

func (a *Agent) onCheckResponse(pair Pair, nominate bool, resp *stun.Message) {
	if resp.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		_ = code.GetFrom(resp)
		if code.Code == stun.CodeRoleConflict {
			a.onRoleConflictResponse(pair, nominate, resp)
			return
		}
		a.logger.Debugw("connectivity check rejected", "code", int(code.Code), "pair", pair)
		if cp := a.checklist.find(pair); cp != nil && cp.State == PairStateInProgress {
			cp.State = PairStateFailed
		}
		return
	}

	if nominate {
		a.onCompleted(pair)
		return
	}
	a.learnLocalPeerReflexive(pair, resp)
	a.onConnected(pair)
}

func (a *Agent) onRoleConflictResponse(pair Pair, nominate bool, resp *stun.Message) {
	prometheus.IncrementRoleConflict()

	var (
		controlling ice.AttrControlling
		controlled  ice.AttrControlled
	)
	role := a.Role()
	switch {
	case controlling.GetFrom(resp) == nil:
		if role == RoleControlling {
			a.setRole(RoleControlled)
		}
	case controlled.GetFrom(resp) == nil:
		if role == RoleControlled {
			a.setRole(RoleControlling)
		}
	default:
		a.setRole(role.opposite())
	}

	if cp := a.checklist.find(pair); cp != nil {
		a.sendConnectivityCheck(cp, nominate && a.Role() == RoleControlling)
	}
}

// learnLocalPeerReflexive records the mapped address of a successful check as a
// local peer reflexive candidate when it is new.
func (a *Agent) learnLocalPeerReflexive(pair Pair, resp *stun.Message) {
	if pair.IsRelayed() {
		return
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return
	}
	addr, ok := addrPortFromIP(mapped.IP, mapped.Port)
	if !ok || a.sockets.hasAddress(addr) {
		return
	}
	a.onGatheringCandidate(Pair{Socket: pair.Socket}, CandidateInfo{
		Type:      CandidateTypePeerReflexive,
		Transport: TransportUDP,
		Addr:      addr,
		Base:      pair.LocalAddr(),
	})
}

func (a *Agent) onConnected(pair Pair) {
	if a.State() != AgentStateRunning {
		return
	}
	cp := a.checklist.find(pair)
	if cp == nil || cp.State == PairStateFrozen || cp.State == PairStateWaiting {
		return
	}
	cp.State = PairStateSucceeded

	if !a.params.Policy.Allows(cp) {
		a.logger.Debugw("pair rejected by transport policy", "policy", a.params.Policy, "pair", cp)
		return
	}
	if slices.Contains(a.validList, cp) {
		// re-checked after a role conflict
		return
	}
	a.validList = append(a.validList, cp)

	switch a.Role() {
	case RoleControlling:
		a.state.Store(int32(AgentStateNominated))
		cp.Nominated = true
		a.sendConnectivityCheck(cp, true)
	case RoleControlled:
		if a.nominatedPair != nil {
			a.onCompleted(*a.nominatedPair)
		}
	}
}

// onCompleted selects pair once it is known to be valid. A nomination that
// arrives before the local check succeeded is remembered and retried from
// onConnected.
func (a *Agent) onCompleted(pair Pair) {
	var found *CandidatePair
	for _, cp := range a.validList {
		if cp.Pair == pair {
			found = cp
			break
		}
	}

	if found == nil && a.params.Implementation == ImplementationFull {
		p := pair
		a.nominatedPair = &p
		return
	}
	if found != nil {
		found.Nominated = true
		a.selectedCandidate = found
	}

	if a.setSelectedPair(pair) {
		a.state.Store(int32(AgentStateCompleted))
		a.nominatedPair = nil
		a.logger.Infow("ice completed", "pair", pair)
		if !a.completed {
			a.completed = true
			prometheus.IncrementIceCompleted()
			a.listener.OnIceTransportCompleted()
		}
	}

	if a.stashed != nil && a.stashed.pair == pair {
		_ = a.sendPacket(a.stashed.msg, a.stashed.pair)
		a.stashed = nil
	}
}

func (a *Agent) setSelectedPair(pair Pair) bool {
	cur := a.selected.Load()
	if cur != nil && *cur == pair {
		return false
	}
	if cur != nil {
		a.lastSelected.Store(cur)
	}
	p := pair
	a.selected.Store(&p)
	return true
}

// -----------------------------------------------------------------

func (a *Agent) handleBindingRequest(req *stun.Message, pair Pair) {
	if a.resolveRoleConflict(req, pair) {
		return
	}
	if a.State() == AgentStateNew {
		a.state.Store(int32(AgentStateRunning))
	}
	if a.checklist.find(pair) == nil {
		a.learnRemotePeerReflexive(req, pair)
	}

	resp, err := a.buildResponse(req, stun.ClassSuccessResponse, xorMappedAddress(pair.RemoteAddr()))
	if err != nil {
		a.logger.Warnw("could not build binding response", err)
		return
	}

	useCandidate := ice.UseCandidate().IsSet(req)
	if useCandidate && a.Role() == RoleControlled {
		a.stashed = &stashedResponse{msg: resp, pair: pair}
		a.onCompleted(pair)
		if a.stashed != nil {
			a.triggeredCheck(pair)
		}
		return
	}

	_ = a.sendPacket(resp, pair)
	if !useCandidate {
		a.triggeredCheck(pair)
	}
}

// resolveRoleConflict applies the tiebreaker rule. It returns true when a 487
// was sent and the request must not be processed further.
func (a *Agent) resolveRoleConflict(req *stun.Message, pair Pair) bool {
	switch a.Role() {
	case RoleControlling:
		var peer ice.AttrControlling
		if peer.GetFrom(req) != nil {
			return false
		}
		prometheus.IncrementRoleConflict()
		if a.tiebreaker >= uint64(peer) {
			_ = a.sendErrorResponse(req, pair, stun.CodeRoleConflict, ice.AttrControlling(a.tiebreaker))
			return true
		}
		a.setRole(RoleControlled)

	case RoleControlled:
		var peer ice.AttrControlled
		if peer.GetFrom(req) != nil {
			return false
		}
		prometheus.IncrementRoleConflict()
		if a.tiebreaker >= uint64(peer) {
			a.setRole(RoleControlling)
			return false
		}
		_ = a.sendErrorResponse(req, pair, stun.CodeRoleConflict, ice.AttrControlled(a.tiebreaker))
		return true
	}
	return false
}

// learnRemotePeerReflexive pairs a request from an unknown address with a new
// peer reflexive remote candidate.
func (a *Agent) learnRemotePeerReflexive(req *stun.Message, pair Pair) {
	if a.params.Implementation == ImplementationLite {
		return
	}
	if _, ok := a.sockets.first(pair.Socket); !ok {
		return
	}

	addr := pair.RemoteAddr()
	for el := a.remoteCandidates.Front(); el != nil; el = el.Next() {
		if el.Value.Addr == addr {
			a.addToChecklist(pair, el.Value)
			return
		}
	}

	var priority ice.PriorityAttr
	_ = priority.GetFrom(req)
	remote := CandidateInfo{
		Type:      CandidateTypePeerReflexive,
		Transport: TransportUDP,
		Addr:      addr,
		Base:      addr,
		Priority:  uint32(priority),
	}
	remote.fillDefaults()
	a.remoteCandidates.Set(remote.key(), remote)
	a.logger.Debugw("learned peer reflexive remote candidate", "candidate", remote)
	a.addToChecklist(pair, remote)
}

func (a *Agent) checkWaitingPairs() {
	for _, cp := range a.checklist.all() {
		if cp.State == PairStateWaiting {
			a.triggeredCheck(cp.Pair)
		}
	}
}

func (a *Agent) triggeredCheck(pair Pair) {
	cp := a.checklist.find(pair)
	if cp == nil {
		return
	}
	switch cp.State {
	case PairStateFrozen, PairStateWaiting, PairStateFailed:
		cp.State = PairStateInProgress
		a.sendConnectivityCheck(cp, false)
	}
}

// -----------------------------------------------------------------

func (a *Agent) sendSocketData(b []byte, pair Pair) error {
	if pair.IsRelayed() {
		return a.sendRelayPacket(b, pair)
	}
	return a.writeSocket(b, pair)
}

// sendRelayPacket wraps b for the TURN server, as ChannelData when a channel
// is bound to the peer and as a SEND indication otherwise.
func (a *Agent) sendRelayPacket(b []byte, pair Pair) error {
	peer := pair.Relayed
	if !a.hasPermission(peer.Addr()) {
		a.logger.Warnw("no permission for relayed peer", nil, "peer", peer)
		return nil
	}
	if number, ok := a.channelNumber(peer); ok {
		return a.sendChannelData(number, b, pair.Hop())
	}
	return a.sendIndication(pair.Hop(), stun.MethodSend, peerAddress(peer), proto.Data(b))
}

func (a *Agent) isTurnHop(pair Pair) bool {
	return a.turnPair != nil && pair.Hop() == *a.turnPair
}

func (a *Agent) handleDataIndication(ind *stun.Message, pair Pair) {
	if !a.isTurnHop(pair) {
		return
	}
	var (
		peer proto.PeerAddress
		data proto.Data
	)
	if peer.GetFrom(ind) != nil || data.GetFrom(ind) != nil {
		a.logger.Debugw("data indication missing required attributes", "pair", pair)
		return
	}
	addr, ok := addrPortFromIP(peer.IP, peer.Port)
	if !ok || !a.hasPermission(addr.Addr()) {
		a.logger.Debugw("data indication from peer without permission", "peer", addr)
		return
	}
	a.processSocketData(data, pair.WithRelayed(addr))
}

func (a *Agent) handleChannelData(cd *proto.ChannelData, pair Pair) {
	if !a.isTurnHop(pair) {
		return
	}
	peer, ok := a.channelPeer(cd.Number)
	if !ok {
		a.logger.Debugw("channel data on unbound channel", "channel", cd.Number)
		return
	}
	a.processSocketData(cd.Data, pair.WithRelayed(peer))
}

func (a *Agent) handleOther(data []byte, pair Pair) {
	a.listener.OnIceTransportRecvData(data, pair)
}

// -----------------------------------------------------------------

func (a *Agent) sendCreatePermission(peer netip.AddrPort) {
	if a.turnPair == nil {
		return
	}
	a.addPermission(peer.Addr())
	handler := func(resp *stun.Message, _ Pair) {
		if resp.Type.Class != stun.ClassSuccessResponse {
			a.logger.Warnw("create permission failed", nil, "peer", peer, "code", errorCode(resp))
			return
		}
		if peer.Port() != 0 {
			a.bindChannel(peer)
		}
	}
	if err := a.sendRequest(*a.turnPair, stun.MethodCreatePermission, a.turnCreds, handler, peerAddress(peer)); err != nil {
		a.logger.Warnw("could not send create permission", err, "peer", peer)
	}
}

// bindChannel requests a channel for peer unless one is bound or pending.
func (a *Agent) bindChannel(peer netip.AddrPort) {
	if _, ok := a.channelNumber(peer); ok {
		return
	}
	if _, ok := a.pendingChannels[peer]; ok {
		return
	}
	number := a.nextChannel
	if a.nextChannel == proto.MaxChannelNumber {
		a.nextChannel = proto.MinChannelNumber
	} else {
		a.nextChannel++
	}
	a.pendingChannels[peer] = struct{}{}
	a.sendChannelBind(number, peer)
}

func (a *Agent) sendChannelBind(number proto.ChannelNumber, peer netip.AddrPort) {
	if a.turnPair == nil {
		return
	}
	handler := func(resp *stun.Message, _ Pair) {
		delete(a.pendingChannels, peer)
		if resp.Type.Class != stun.ClassSuccessResponse {
			a.logger.Warnw("channel bind failed", nil, "peer", peer, "channel", number, "code", errorCode(resp))
			return
		}
		a.addChannelBind(number, peer)
	}
	if err := a.sendRequest(*a.turnPair, stun.MethodChannelBind, a.turnCreds, handler, number, peerAddress(peer)); err != nil {
		a.logger.Warnw("could not send channel bind", err, "peer", peer)
	}
}

func (a *Agent) sendAllocationRefresh(lifetime time.Duration) {
	handler := func(resp *stun.Message, _ Pair) {
		if resp.Type.Class != stun.ClassSuccessResponse {
			a.logger.Warnw("allocation refresh failed", nil, "code", errorCode(resp))
			return
		}
		var lt proto.Lifetime
		if err := lt.GetFrom(resp); err == nil {
			a.allocationExpiry = a.clock.Now().Add(lt.Duration)
		}
	}
	if err := a.sendRequest(*a.turnPair, stun.MethodRefresh, a.turnCreds, handler, proto.Lifetime{Duration: lifetime}); err != nil {
		a.logger.Warnw("could not send allocation refresh", err)
	}
}

// refresh keeps TURN state alive: permissions and channel bindings are renewed
// ahead of expiry and the allocation before its lifetime runs out.
func (a *Agent) refresh() {
	if a.turnPair == nil {
		return
	}
	now := a.clock.Now()
	for _, ip := range a.permissions.due(now, a.conf.PermissionRefresh) {
		a.sendCreatePermission(netip.AddrPortFrom(ip, 0))
	}
	for _, b := range a.channels.due(now, a.conf.ChannelRefresh) {
		a.sendChannelBind(b.number, b.peer)
	}
	a.expireBindings()

	if a.relayCandidate != nil && !a.allocationExpiry.IsZero() && a.allocationExpiry.Sub(now) <= 2*a.conf.RefreshInterval {
		a.sendAllocationRefresh(a.conf.AllocationLifetime)
	}
}

func errorCode(m *stun.Message) int {
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return 0
	}
	return int(code.Code)
}
