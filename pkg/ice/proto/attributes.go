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

// Package proto holds the TURN pieces pion/stun does not expose: the TURN
// attributes, ChannelData framing, stream framing and RFC 7983 demultiplexing.
package proto

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pkg/errors"
)

const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF

	ProtoUDP = 17
)

var (
	ErrInvalidChannelNumber = errors.New("channel number not in [0x4000, 0x7FFF]")
	ErrBadAttributeLength   = errors.New("bad attribute length")
)

type ChannelNumber uint16

func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

func (n ChannelNumber) String() string {
	return fmt.Sprintf("0x%04x", uint16(n))
}

// AddTo adds CHANNEL-NUMBER with the RFFU bytes zeroed.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, uint16(n))
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return ErrBadAttributeLength
	}
	*n = ChannelNumber(binary.BigEndian.Uint16(v))
	return nil
}

// Lifetime is the LIFETIME attribute, carried in whole seconds.
type Lifetime struct {
	time.Duration
}

func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(l.Seconds()))
	m.Add(stun.AttrLifetime, v)
	return nil
}

func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return ErrBadAttributeLength
	}
	l.Duration = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
	return nil
}

type Data []byte

func (d Data) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}

func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], v...)
	return nil
}

type RequestedTransport struct {
	Protocol byte
}

func (t RequestedTransport) AddTo(m *stun.Message) error {
	m.Add(stun.AttrRequestedTransport, []byte{t.Protocol, 0, 0, 0})
	return nil
}

func (t *RequestedTransport) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return ErrBadAttributeLength
	}
	t.Protocol = v[0]
	return nil
}

type PeerAddress struct {
	IP   net.IP
	Port int
}

func (a PeerAddress) AddTo(m *stun.Message) error {
	return (&stun.XORMappedAddress{IP: a.IP, Port: a.Port}).AddToAs(m, stun.AttrXORPeerAddress)
}

func (a *PeerAddress) GetFrom(m *stun.Message) error {
	xa := stun.XORMappedAddress{}
	if err := xa.GetFromAs(m, stun.AttrXORPeerAddress); err != nil {
		return err
	}
	a.IP, a.Port = xa.IP, xa.Port
	return nil
}

type RelayedAddress struct {
	IP   net.IP
	Port int
}

func (a RelayedAddress) AddTo(m *stun.Message) error {
	return (&stun.XORMappedAddress{IP: a.IP, Port: a.Port}).AddToAs(m, stun.AttrXORRelayedAddress)
}

func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	xa := stun.XORMappedAddress{}
	if err := xa.GetFromAs(m, stun.AttrXORRelayedAddress); err != nil {
		return err
	}
	a.IP, a.Port = xa.IP, xa.Port
	return nil
}
