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
	"strings"

	"github.com/pkg/errors"
)

// TransportPolicy filters which successful pairs may become valid.
type TransportPolicy int

const (
	PolicyAll TransportPolicy = iota
	PolicyRelayOnly
	PolicyP2POnly
)

func ParseTransportPolicy(s string) (TransportPolicy, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return PolicyAll, nil
	case "relay", "relay_only":
		return PolicyRelayOnly, nil
	case "p2p", "p2p_only":
		return PolicyP2POnly, nil
	default:
		return 0, errors.Wrap(ErrInvalidPolicy, s)
	}
}

func (p TransportPolicy) String() string {
	switch p {
	case PolicyRelayOnly:
		return "relay_only"
	case PolicyP2POnly:
		return "p2p_only"
	default:
		return "all"
	}
}

func (p TransportPolicy) Allows(cp *CandidatePair) bool {
	relayed := cp.Pair.IsRelayed() || cp.Local.Type == CandidateTypeRelay || cp.Remote.Type == CandidateTypeRelay
	switch p {
	case PolicyRelayOnly:
		return relayed
	case PolicyP2POnly:
		return !relayed
	default:
		return true
	}
}
