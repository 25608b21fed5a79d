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
	"hash/fnv"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pkg/errors"
)

const (
	candidatePrefix    = "candidate:"
	sdpCandidatePrefix = "a=" + candidatePrefix

	localPreference = 100
)

type CandidateType int

const (
	CandidateTypeHost CandidateType = iota
	CandidateTypeServerReflexive
	CandidateTypePeerReflexive
	CandidateTypeRelay
)

func (t CandidateType) iceType() ice.CandidateType {
	switch t {
	case CandidateTypeServerReflexive:
		return ice.CandidateTypeServerReflexive
	case CandidateTypePeerReflexive:
		return ice.CandidateTypePeerReflexive
	case CandidateTypeRelay:
		return ice.CandidateTypeRelay
	default:
		return ice.CandidateTypeHost
	}
}

// Preference is the RFC 8445 type preference: host 126, prflx 110, srflx 100,
// relay 0.
func (t CandidateType) Preference() uint16 {
	return t.iceType().Preference()
}

func (t CandidateType) String() string {
	return t.iceType().String()
}

func candidateTypeFromICE(t ice.CandidateType) (CandidateType, error) {
	switch t {
	case ice.CandidateTypeHost:
		return CandidateTypeHost, nil
	case ice.CandidateTypeServerReflexive:
		return CandidateTypeServerReflexive, nil
	case ice.CandidateTypePeerReflexive:
		return CandidateTypePeerReflexive, nil
	case ice.CandidateTypeRelay:
		return CandidateTypeRelay, nil
	default:
		return 0, errors.Wrapf(ErrInvalidCandidate, "type %s", t)
	}
}

type TransportType int

const (
	TransportUDP TransportType = iota
	TransportTCP
)

func (t TransportType) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(s) {
	case "udp":
		return TransportUDP, nil
	case "tcp":
		return TransportTCP, nil
	default:
		return 0, errors.Wrap(ErrUnsupportedProtocol, s)
	}
}

// CandidatePriority computes (type-pref << 24) | (local-pref << 8) | (256 - component).
func CandidatePriority(t CandidateType, component uint16) uint32 {
	return uint32(t.Preference())<<24 | uint32(localPreference)<<8 | uint32(256-int(component))
}

type CandidateInfo struct {
	Type      CandidateType
	Transport TransportType
	Addr      netip.AddrPort
	// Base is the address the candidate was derived from: the host address for
	// reflexive candidates and the relayed address for relay candidates.
	Base       netip.AddrPort
	Priority   uint32
	Foundation string
	Component  uint16
	Ufrag      string
	Pwd        string
}

func (c CandidateInfo) key() string {
	return c.Type.String() + "/" + c.Transport.String() + "/" + c.Addr.String() + "/" + c.Base.String()
}

func (c CandidateInfo) String() string {
	return fmt.Sprintf("%s %s %s", c.Type, c.Transport, c.Addr)
}

func (c *CandidateInfo) fillDefaults() {
	if c.Component == 0 {
		c.Component = 1
	}
	if c.Priority == 0 {
		c.Priority = CandidatePriority(c.Type, c.Component)
	}
	if c.Foundation == "" {
		c.Foundation = computeFoundation(c.Type, c.Transport, c.Base.Addr())
	}
}

// Marshal returns the SDP candidate attribute value, prefixed with "candidate:".
func (c CandidateInfo) Marshal() (string, error) {
	c.fillDefaults()

	network := c.Transport.String()
	address := c.Addr.Addr().String()
	port := int(c.Addr.Port())

	var (
		cand ice.Candidate
		err  error
	)
	switch c.Type {
	case CandidateTypeHost:
		cand, err = ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:    network,
			Address:    address,
			Port:       port,
			Component:  c.Component,
			Priority:   c.Priority,
			Foundation: c.Foundation,
		})
	case CandidateTypeServerReflexive:
		cand, err = ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
			Network:    network,
			Address:    address,
			Port:       port,
			Component:  c.Component,
			Priority:   c.Priority,
			Foundation: c.Foundation,
			RelAddr:    c.Base.Addr().String(),
			RelPort:    int(c.Base.Port()),
		})
	case CandidateTypePeerReflexive:
		cand, err = ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			Network:    network,
			Address:    address,
			Port:       port,
			Component:  c.Component,
			Priority:   c.Priority,
			Foundation: c.Foundation,
			RelAddr:    c.Base.Addr().String(),
			RelPort:    int(c.Base.Port()),
		})
	case CandidateTypeRelay:
		cand, err = ice.NewCandidateRelay(&ice.CandidateRelayConfig{
			Network:    network,
			Address:    address,
			Port:       port,
			Component:  c.Component,
			Priority:   c.Priority,
			Foundation: c.Foundation,
			RelAddr:    c.Base.Addr().String(),
			RelPort:    int(c.Base.Port()),
		})
	default:
		return "", errors.Wrapf(ErrInvalidCandidate, "type %d", c.Type)
	}
	if err != nil {
		return "", errors.Wrap(err, "could not build candidate")
	}
	return candidatePrefix + cand.Marshal(), nil
}

// UnmarshalCandidate parses an SDP candidate attribute, with or without the
// "a=candidate:" prefix. Hostname (mDNS) candidates are rejected.
func UnmarshalCandidate(s string) (CandidateInfo, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, sdpCandidatePrefix)
	s = strings.TrimPrefix(s, candidatePrefix)

	cand, err := ice.UnmarshalCandidate(s)
	if err != nil {
		return CandidateInfo{}, errors.Wrap(ErrInvalidCandidate, err.Error())
	}

	typ, err := candidateTypeFromICE(cand.Type())
	if err != nil {
		return CandidateInfo{}, err
	}
	ip, err := netip.ParseAddr(cand.Address())
	if err != nil {
		return CandidateInfo{}, errors.Wrapf(ErrInvalidCandidate, "address %q", cand.Address())
	}

	info := CandidateInfo{
		Type:       typ,
		Transport:  TransportUDP,
		Addr:       netip.AddrPortFrom(ip.Unmap(), uint16(cand.Port())),
		Priority:   cand.Priority(),
		Foundation: cand.Foundation(),
		Component:  cand.Component(),
	}
	if cand.NetworkType().IsTCP() {
		info.Transport = TransportTCP
	}
	info.Base = info.Addr
	if rel := cand.RelatedAddress(); rel != nil {
		if relIP, err := netip.ParseAddr(rel.Address); err == nil {
			info.Base = netip.AddrPortFrom(relIP.Unmap(), uint16(rel.Port))
		}
	}
	return info, nil
}

func computeFoundation(t CandidateType, transport TransportType, base netip.Addr) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.String() + transport.String() + base.String()))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}
