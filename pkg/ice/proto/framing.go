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
	"io"

	"github.com/pkg/errors"
)

const frameHeaderSize = 2

var ErrFrameTooLarge = errors.New("frame exceeds 65535 bytes")

// AppendFrame appends msg to dst with the 2-byte big-endian length prefix used
// for ICE and TURN over TCP.
func AppendFrame(dst []byte, msg []byte) ([]byte, error) {
	if len(msg) > 0xFFFF {
		return dst, ErrFrameTooLarge
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	dst = append(dst, hdr[:]...)
	return append(dst, msg...), nil
}

// FrameReader splits a length-prefixed stream back into messages.
type FrameReader struct {
	r   io.Reader
	buf []byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:   r,
		buf: make([]byte, 0xFFFF),
	}
}

// Next returns the next message. The returned slice is only valid until the
// following call.
func (f *FrameReader) Next() ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(f.r, f.buf[:length]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return f.buf[:length], nil
}
