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

package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const channelDataHeaderSize = 4

var ErrBadChannelData = errors.New("malformed channel data")

type ChannelData struct {
	Number ChannelNumber
	Data   []byte
}

// IsChannelData reports whether b starts with a ChannelData header whose
// number is in range and whose length fits in b.
func IsChannelData(b []byte) bool {
	if len(b) < channelDataHeaderSize {
		return false
	}
	if !ChannelNumber(binary.BigEndian.Uint16(b)).Valid() {
		return false
	}
	return int(binary.BigEndian.Uint16(b[2:])) <= len(b)-channelDataHeaderSize
}

// Append encodes c onto dst. Stream transports require the payload to be
// padded to a multiple of four bytes.
func (c *ChannelData) Append(dst []byte, padded bool) []byte {
	var hdr [channelDataHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(c.Number))
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(c.Data)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, c.Data...)
	if padded {
		for i := len(c.Data); i%4 != 0; i++ {
			dst = append(dst, 0)
		}
	}
	return dst
}

func (c *ChannelData) Encode() []byte {
	return c.Append(make([]byte, 0, channelDataHeaderSize+len(c.Data)), false)
}

// Decode parses b into c. c.Data aliases b.
func (c *ChannelData) Decode(b []byte) error {
	if !IsChannelData(b) {
		return ErrBadChannelData
	}
	c.Number = ChannelNumber(binary.BigEndian.Uint16(b))
	length := int(binary.BigEndian.Uint16(b[2:]))
	c.Data = b[channelDataHeaderSize : channelDataHeaderSize+length]
	return nil
}
