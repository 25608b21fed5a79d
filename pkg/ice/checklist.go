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
	"sort"
)

type PairState int

const (
	PairStateFrozen PairState = iota
	PairStateWaiting
	PairStateInProgress
	PairStateSucceeded
	PairStateFailed
)

func (s PairState) String() string {
	switch s {
	case PairStateFrozen:
		return "frozen"
	case PairStateWaiting:
		return "waiting"
	case PairStateInProgress:
		return "in_progress"
	case PairStateSucceeded:
		return "succeeded"
	case PairStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type CandidatePair struct {
	Pair      Pair
	Local     CandidateInfo
	Remote    CandidateInfo
	Priority  uint64
	State     PairState
	Nominated bool
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s <-> %s", p.Local, p.Remote)
}

// PairPriority is 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D?1:0), with G the
// controlling agent's candidate priority and D the controlled agent's.
func PairPriority(controlling, controlled uint32) uint64 {
	g, d := uint64(controlling), uint64(controlled)
	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}
	p := lo<<32 + 2*hi
	if g > d {
		p++
	}
	return p
}

func pairPriorityForRole(role Role, local, remote uint32) uint64 {
	if role == RoleControlling {
		return PairPriority(local, remote)
	}
	return PairPriority(remote, local)
}

// ranksBefore orders by descending pair priority, then by local type preference.
func ranksBefore(a, b *CandidatePair) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Local.Type.Preference() > b.Local.Type.Preference()
}

// checklist keeps candidate pairs sorted. Owned by the agent loop.
type checklist struct {
	pairs []*CandidatePair
}

func (c *checklist) add(p *CandidatePair) {
	i := sort.Search(len(c.pairs), func(i int) bool {
		return ranksBefore(p, c.pairs[i])
	})
	c.pairs = append(c.pairs, nil)
	copy(c.pairs[i+1:], c.pairs[i:])
	c.pairs[i] = p
}

func (c *checklist) find(pair Pair) *CandidatePair {
	for _, p := range c.pairs {
		if p.Pair == pair {
			return p
		}
	}
	return nil
}

// reprioritize recomputes every pair priority after a role switch.
func (c *checklist) reprioritize(role Role) {
	for _, p := range c.pairs {
		p.Priority = pairPriorityForRole(role, p.Local.Priority, p.Remote.Priority)
	}
	sort.SliceStable(c.pairs, func(i, j int) bool {
		return ranksBefore(c.pairs[i], c.pairs[j])
	})
}

func (c *checklist) len() int {
	return len(c.pairs)
}

func (c *checklist) all() []*CandidatePair {
	return c.pairs
}
