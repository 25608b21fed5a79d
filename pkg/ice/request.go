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
	"time"

	"github.com/pion/stun"
)

const maxAuthRetries = 2

type transactionID = [stun.TransactionIDSize]byte

type responseHandler func(resp *stun.Message, pair Pair)

// requestCredentials describes how a request is signed. Short-term requests
// carry USERNAME and are keyed by the peer password. Long-term requests go out
// unsigned until a 401 challenge supplied realm and nonce.
type requestCredentials struct {
	username string
	password string
	longTerm bool
	realm    string
	nonce    string
}

func shortTermCredentials(username, password string) requestCredentials {
	return requestCredentials{username: username, password: password}
}

func (c requestCredentials) setters() []stun.Setter {
	if c.longTerm {
		if c.nonce == "" {
			return nil
		}
		return []stun.Setter{
			stun.NewUsername(c.username),
			stun.NewRealm(c.realm),
			stun.NewNonce(c.nonce),
			stun.NewLongTermIntegrity(c.username, c.realm, c.password),
		}
	}

	var setters []stun.Setter
	if c.username != "" {
		setters = append(setters, stun.NewUsername(c.username))
	}
	if c.password != "" {
		setters = append(setters, stun.NewShortTermIntegrity(c.password))
	}
	return setters
}

// integrity returns the key a response to this request must be signed with.
func (c requestCredentials) integrity() (stun.MessageIntegrity, bool) {
	switch {
	case c.longTerm && c.nonce != "":
		return stun.NewLongTermIntegrity(c.username, c.realm, c.password), true
	case !c.longTerm && c.password != "":
		return stun.NewShortTermIntegrity(c.password), true
	default:
		return nil, false
	}
}

type requestInfo struct {
	method  stun.Method
	attrs   []stun.Setter
	creds   requestCredentials
	pair    Pair
	handler responseHandler

	msg         *stun.Message
	rto         time.Duration
	retries     int
	nextTimeout time.Time
	authRetries int
}

// build encodes the request under a fresh transaction id.
func (r *requestInfo) build() (*stun.Message, error) {
	setters := make([]stun.Setter, 0, len(r.attrs)+7)
	setters = append(setters, stun.TransactionID, stun.NewType(r.method, stun.ClassRequest))
	setters = append(setters, r.attrs...)
	setters = append(setters, r.creds.setters()...)
	setters = append(setters, stun.Fingerprint)
	return stun.Build(setters...)
}
