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
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
)

// SampledLogger counts every event but only logs the first one and then each
// time the counter reaches a power of Base, e.g. 1, 5, 25, 125 for Base 5.
// Safe for concurrent use.
type SampledLogger struct {
	lgr     logger.Logger
	base    int64
	counter atomic.Int64
}

func NewSampledLogger(lgr logger.Logger, base int) *SampledLogger {
	return &SampledLogger{
		lgr:  lgr,
		base: int64(base),
	}
}

func (s *SampledLogger) Debugw(msg string, keysAndValues ...any) {
	if n, ok := s.sample(); ok {
		s.lgr.Debugw(msg, append(keysAndValues, "counter", n)...)
	}
}

func (s *SampledLogger) Warnw(msg string, err error, keysAndValues ...any) {
	if n, ok := s.sample(); ok {
		s.lgr.Warnw(msg, err, append(keysAndValues, "counter", n)...)
	}
}

func (s *SampledLogger) Counter() int64 {
	return s.counter.Load()
}

func (s *SampledLogger) sample() (int64, bool) {
	n := s.counter.Inc()
	return n, isPowerOf(n, s.base)
}

func isPowerOf(n, base int64) bool {
	if base < 2 {
		return true
	}
	for n%base == 0 {
		n /= base
	}
	return n == 1
}
