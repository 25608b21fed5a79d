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

import "github.com/pkg/errors"

var (
	ErrClosed              = errors.New("ice transport closed")
	ErrNoSelectedPair      = errors.New("no selected candidate pair")
	ErrNoIceServer         = errors.New("no stun/turn server configured")
	ErrNoTurnServer        = errors.New("relay gathering requires a turn server")
	ErrNoUsableInterface   = errors.New("no usable network interface")
	ErrUnsupportedSchema   = errors.New("unsupported ice server schema")
	ErrUnsupportedProtocol = errors.New("unsupported transport protocol")
	ErrInvalidIceServerURL = errors.New("invalid ice server url")
	ErrInvalidCandidate    = errors.New("invalid candidate")
	ErrInvalidPolicy       = errors.New("invalid ice transport policy")
	ErrStreamPeerMismatch  = errors.New("stream socket cannot write to another peer")
)
