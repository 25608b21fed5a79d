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

// PacketKind classifies a datagram by its first byte, see RFC 7983.
type PacketKind int

const (
	KindUnknown PacketKind = iota
	KindSTUN
	KindDTLS
	KindChannelData
	KindRTP
)

func (k PacketKind) String() string {
	switch k {
	case KindSTUN:
		return "STUN"
	case KindDTLS:
		return "DTLS"
	case KindChannelData:
		return "ChannelData"
	case KindRTP:
		return "RTP"
	default:
		return "Unknown"
	}
}

func Demux(b []byte) PacketKind {
	if len(b) == 0 {
		return KindUnknown
	}
	switch c := b[0]; {
	case c <= 3:
		return KindSTUN
	case c >= 20 && c <= 63:
		return KindDTLS
	case c >= 64 && c <= 79:
		return KindChannelData
	case c >= 128 && c <= 191:
		return KindRTP
	default:
		return KindUnknown
	}
}

// IsRTCP tells RTCP apart from RTP once Demux returned KindRTP.
func IsRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}
