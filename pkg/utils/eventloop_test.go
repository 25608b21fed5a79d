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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestEventLoop_Order(t *testing.T) {
	l := NewEventLoop(EventLoopParams{Name: "test"})
	l.Start()
	defer l.Stop()

	var lock sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Enqueue(func() {
			lock.Lock()
			got = append(got, i)
			lock.Unlock()
		}))
	}

	require.NoError(t, l.Exec(func() {}))
	lock.Lock()
	defer lock.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestEventLoop_Stop(t *testing.T) {
	l := NewEventLoop(EventLoopParams{Name: "test"})
	l.Start()

	l.Stop()
	l.Stop()
	require.True(t, l.IsStopped())
	require.False(t, l.Enqueue(func() {}))
	require.ErrorIs(t, l.Exec(func() {}), ErrEventLoopStopped)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestEventLoop_StopWithoutStart(t *testing.T) {
	l := NewEventLoop(EventLoopParams{Name: "test"})
	require.False(t, l.IsStopped())

	l.Stop()
	l.Stop()
	require.True(t, l.IsStopped())
	require.False(t, l.Enqueue(func() {}))
}

func TestEventLoop_RecoversPanic(t *testing.T) {
	l := NewEventLoop(EventLoopParams{Name: "test"})
	l.Start()
	defer l.Stop()

	l.Enqueue(func() { panic("boom") })

	ran := false
	require.NoError(t, l.Exec(func() { ran = true }))
	require.True(t, ran)
}

func TestEventLoop_AfterFunc(t *testing.T) {
	mock := clock.NewMock()
	l := NewEventLoop(EventLoopParams{Name: "test", Clock: mock})
	l.Start()
	defer l.Stop()

	var fired atomic.Int32
	l.AfterFunc(time.Second, func() { fired.Inc() })
	cancelled := l.AfterFunc(time.Second, func() { fired.Add(100) })
	cancelled.Stop()

	mock.Add(500 * time.Millisecond)
	require.Never(t, func() bool { return fired.Load() != 0 }, 50*time.Millisecond, 10*time.Millisecond)

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return fired.Load() != 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestEventLoop_AfterFuncOnStoppedLoop(t *testing.T) {
	mock := clock.NewMock()
	l := NewEventLoop(EventLoopParams{Name: "test", Clock: mock})
	l.Start()

	var fired atomic.Bool
	l.AfterFunc(time.Second, func() { fired.Store(true) })
	l.Stop()
	<-l.Done()

	mock.Add(time.Second)
	require.Never(t, fired.Load, 50*time.Millisecond, 10*time.Millisecond)
}

func TestEventLoop_Every(t *testing.T) {
	l := NewEventLoop(EventLoopParams{Name: "test"})
	l.Start()
	defer l.Stop()

	var count atomic.Int32
	l.Every(5*time.Millisecond, func() bool {
		return count.Inc() < 3
	})

	require.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return count.Load() != 3 }, 50*time.Millisecond, 10*time.Millisecond)
}
