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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/livekit/protocol/logger"
)

const defaultEventLoopSize = 512

var ErrEventLoopStopped = errors.New("event loop stopped")

type EventLoopParams struct {
	Name   string
	Size   int
	Clock  clock.Clock
	Logger logger.Logger
}

// EventLoop runs closures one at a time on a dedicated goroutine. State owned by
// the loop must only be touched from closures posted to it.
type EventLoop struct {
	params EventLoopParams

	lock    sync.RWMutex
	ops     chan func()
	stopped core.Fuse
	done    core.Fuse
}

func NewEventLoop(params EventLoopParams) *EventLoop {
	if params.Size <= 0 {
		params.Size = defaultEventLoopSize
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &EventLoop{
		params:  params,
		ops:     make(chan func(), params.Size),
		stopped: core.NewFuse(),
		done:    core.NewFuse(),
	}
}

func (l *EventLoop) Name() string {
	return l.params.Name
}

func (l *EventLoop) Clock() clock.Clock {
	return l.params.Clock
}

func (l *EventLoop) SetLogger(logger logger.Logger) {
	l.params.Logger = logger
}

func (l *EventLoop) Start() {
	go l.process()
}

func (l *EventLoop) Stop() {
	l.lock.Lock()
	if l.stopped.IsBroken() {
		l.lock.Unlock()
		return
	}

	l.stopped.Break()
	close(l.ops)
	l.lock.Unlock()
}

func (l *EventLoop) IsStopped() bool {
	return l.stopped.IsBroken()
}

// Done is closed once the loop goroutine has exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done.Watch()
}

// Enqueue posts op to the loop. It returns false if the loop is stopped or the
// queue is full, in which case op is dropped.
func (l *EventLoop) Enqueue(op func()) bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if l.stopped.IsBroken() {
		return false
	}

	select {
	case l.ops <- op:
		return true
	default:
		l.params.Logger.Errorw("event loop full", nil, "name", l.params.Name, "size", l.params.Size)
		return false
	}
}

// Exec runs op on the loop and waits for it to finish. Must not be called from
// the loop goroutine.
func (l *EventLoop) Exec(op func()) error {
	finished := make(chan struct{})
	if !l.Enqueue(func() {
		defer close(finished)
		op()
	}) {
		return ErrEventLoopStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done.Watch():
		select {
		case <-finished:
			return nil
		default:
			return ErrEventLoopStopped
		}
	}
}

// AfterFunc posts fn to the loop once d has elapsed. Timers that fire after the
// loop has stopped, or after Stop was called on the timer, do nothing.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.set(l.params.Clock.AfterFunc(d, func() {
		l.Enqueue(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	}))
	return t
}

// Every posts fn to the loop every d until fn returns false or the timer is stopped.
func (l *EventLoop) Every(d time.Duration, fn func() bool) *Timer {
	t := &Timer{}
	var schedule func()
	schedule = func() {
		t.set(l.params.Clock.AfterFunc(d, func() {
			l.Enqueue(func() {
				if t.stopped.Load() {
					return
				}
				if fn() {
					schedule()
				}
			})
		}))
	}
	schedule()
	return t
}

func (l *EventLoop) process() {
	defer l.done.Break()

	for op := range l.ops {
		if l.stopped.IsBroken() {
			// drain without running, closures posted before Stop are stale
			continue
		}
		l.run(op)
	}
}

func (l *EventLoop) run(op func()) {
	defer func() {
		if r := recover(); r != nil {
			l.params.Logger.Errorw("recovered panic in event loop", nil,
				"name", l.params.Name,
				zap.Any("panic", r),
				zap.StackSkip("stack", 2),
			)
		}
	}()
	op()
}

// -----------------------------------------------------------------

type Timer struct {
	lock    sync.Mutex
	timer   *clock.Timer
	stopped atomic.Bool
}

func (t *Timer) set(timer *clock.Timer) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopped.Load() {
		timer.Stop()
		return
	}
	t.timer = timer
}

func (t *Timer) Stop() {
	t.stopped.Store(true)

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
