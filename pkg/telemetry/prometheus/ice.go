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

package prometheus

import (
	"strconv"

	"github.com/pion/stun"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promStunLabels = []string{"role", "method"}

	promStunRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "stun",
		Name:      "requests_total",
	}, promStunLabels)
	promStunRetransmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "stun",
		Name:      "retransmits_total",
	}, promStunLabels)
	promStunTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "stun",
		Name:      "timeouts_total",
	}, promStunLabels)
	promStunErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "stun",
		Name:      "error_responses_total",
	}, []string{"role", "code"})
	promRoleConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "ice",
		Name:      "role_conflicts_total",
	})
	promIceCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livekitNamespace,
		Subsystem: "ice",
		Name:      "completed_total",
	})
	promAllocations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "turn",
		Name:      "allocations",
	})
	promSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livekitNamespace,
		Subsystem: "ice",
		Name:      "sessions",
	})
)

func registerIceStats(registerer prometheus.Registerer) {
	registerer.MustRegister(promStunRequests)
	registerer.MustRegister(promStunRetransmits)
	registerer.MustRegister(promStunTimeouts)
	registerer.MustRegister(promStunErrors)
	registerer.MustRegister(promRoleConflicts)
	registerer.MustRegister(promIceCompleted)
	registerer.MustRegister(promAllocations)
	registerer.MustRegister(promSessions)
}

func IncrementStunRequest(role string, method stun.Method) {
	promStunRequests.WithLabelValues(role, method.String()).Inc()
}

func IncrementStunRetransmit(role string, method stun.Method) {
	promStunRetransmits.WithLabelValues(role, method.String()).Inc()
}

func IncrementStunTimeout(role string, method stun.Method) {
	promStunTimeouts.WithLabelValues(role, method.String()).Inc()
}

func IncrementStunErrorResponse(role string, code stun.ErrorCode) {
	promStunErrors.WithLabelValues(role, strconv.Itoa(int(code))).Inc()
}

func IncrementRoleConflict() {
	promRoleConflicts.Inc()
}

func IncrementIceCompleted() {
	promIceCompleted.Inc()
}

func AddAllocation(delta int) {
	promAllocations.Add(float64(delta))
}

func AddSession(delta int) {
	promSessions.Add(float64(delta))
}
