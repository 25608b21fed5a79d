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

//go:build !windows

package prometheus

import (
	"runtime"
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/loadavg"
)

// cpuSampler turns cumulative cpu counters into a load over the last interval.
type cpuSampler struct {
	lock      sync.Mutex
	lastTotal uint64
	lastIdle  uint64
}

func (s *cpuSampler) sample() (cpuLoad float32, numCPUs uint32, err error) {
	stats, err := cpu.Get()
	if err != nil {
		return 0, 0, err
	}

	s.lock.Lock()
	if s.lastTotal > 0 && s.lastTotal < stats.Total {
		cpuLoad = 1 - float32(stats.Idle-s.lastIdle)/float32(stats.Total-s.lastTotal)
	}
	s.lastTotal, s.lastIdle = stats.Total, stats.Idle
	s.lock.Unlock()

	return cpuLoad, uint32(runtime.NumCPU()), nil
}

func getLoadAvg() (*loadavg.Stats, error) {
	return loadavg.Get()
}
