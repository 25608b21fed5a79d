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

package utils

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/jxskiss/base62"
	"github.com/thoas/go-funk"
)

const (
	ufragLength    = 4
	passwordBytes  = 18
	nonceLength    = 80
	identifierSize = 12
)

// ice-char per RFC 8445, ALPHA / DIGIT / "+" / "/"
var iceChars = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/")

func RandomString(n int) string {
	return funk.RandomString(n, iceChars)
}

func NewUfrag() string {
	return RandomString(ufragLength)
}

// NewPassword returns a short-term credential password with at least 128 bits
// of entropy, encoded with ice-chars.
func NewPassword() string {
	return base62.EncodeToString(randomBytes(passwordBytes))
}

func NewNonce() string {
	return RandomString(nonceLength)
}

// NewIdentifier is used for session and allocation ids in logs.
func NewIdentifier(prefix string) string {
	return prefix + base62.EncodeToString(randomBytes(identifierSize))
}

func RandomUint64() uint64 {
	return binary.BigEndian.Uint64(randomBytes(8))
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	// cannot error
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic("could not read random")
	}
	return buf
}
