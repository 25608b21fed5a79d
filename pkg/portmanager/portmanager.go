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

package portmanager

import (
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/atomic"
)

var (
	ErrNoPortAvailable = errors.New("no port available")
	ErrInvalidRange    = errors.New("invalid port range")
)

// PortManager is a pool of ports in [min, max). Free ports are stored in
// random order so that reuse patterns are not predictable across restarts.
type PortManager struct {
	lock   sync.Mutex
	min    int
	max    int
	free   deque.Deque[uint16]
	pooled map[uint16]struct{}
	leased map[uint16]struct{}
}

func New(min, max int) (*PortManager, error) {
	p := &PortManager{
		pooled: make(map[uint16]struct{}),
		leased: make(map[uint16]struct{}),
	}
	if err := p.SetRange(min, max); err != nil {
		return nil, err
	}
	return p, nil
}

// SetRange replaces the pool range. Leased ports stay leased; on release they
// are recycled only when they fall inside the new range.
func (p *PortManager) SetRange(min, max int) error {
	if min <= 0 || max > 65536 || min >= max {
		return errors.Wrapf(ErrInvalidRange, "[%d, %d)", min, max)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.min, p.max = min, max
	p.free.Clear()
	p.pooled = make(map[uint16]struct{}, max-min)
	for port := min; port < max; port++ {
		if _, ok := p.leased[uint16(port)]; ok {
			continue
		}
		p.pushRandomLocked(uint16(port))
	}
	return nil
}

func (p *PortManager) Range() (int, int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.min, p.max
}

func (p *PortManager) Available() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.free.Len()
}

func (p *PortManager) Leased() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.leased)
}

func (p *PortManager) Acquire() (*Lease, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.free.Len() == 0 {
		return nil, ErrNoPortAvailable
	}

	port := p.free.PopFront()
	delete(p.pooled, port)
	p.leased[port] = struct{}{}
	return &Lease{manager: p, port: port}, nil
}

func (p *PortManager) release(port uint16) {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.leased, port)
	if int(port) < p.min || int(port) >= p.max {
		return
	}
	if _, ok := p.pooled[port]; ok {
		return
	}
	p.pushRandomLocked(port)
}

func (p *PortManager) pushRandomLocked(port uint16) {
	if funk.RandomInt(0, 2) == 0 {
		p.free.PushFront(port)
	} else {
		p.free.PushBack(port)
	}
	p.pooled[port] = struct{}{}
}

// -------------------------------------------

// Lease holds a port until Release is called.
type Lease struct {
	manager  *PortManager
	port     uint16
	released atomic.Bool
}

func (l *Lease) Port() uint16 {
	return l.port
}

func (l *Lease) Release() {
	if l == nil || l.released.Swap(true) {
		return
	}
	l.manager.release(l.port)
}

func (l *Lease) String() string {
	return fmt.Sprintf("port %d", l.port)
}
