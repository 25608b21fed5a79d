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
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	livekitNamespace string = "livekit"
)

var (
	initialized atomic.Bool
	cpuStats    cpuSampler

	promNodeCPULoad    = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: livekitNamespace, Subsystem: "node", Name: "cpu_load"})
	promNodeMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: livekitNamespace, Subsystem: "node", Name: "memory_load"})
	promNodeLoadAvg    = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: livekitNamespace, Subsystem: "node", Name: "load_avg_1m"})
	promNodeLoadAvg5m  = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: livekitNamespace, Subsystem: "node", Name: "load_avg_5m"})
)

// Init registers all collectors. Collectors are usable before Init so that
// library code and tests never need a registry.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	labels := prometheus.Labels{"node_id": nodeID}
	registerer := prometheus.WrapRegistererWith(labels, prometheus.DefaultRegisterer)

	registerer.MustRegister(promNodeCPULoad)
	registerer.MustRegister(promNodeMemoryLoad)
	registerer.MustRegister(promNodeLoadAvg)
	registerer.MustRegister(promNodeLoadAvg5m)

	registerIceStats(registerer)
	registerPacketStats(registerer)
}

type NodeStats struct {
	CPULoad    float32
	NumCPUs    uint32
	MemoryLoad float32
	LoadAvg1m  float64
	LoadAvg5m  float64
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// UpdateNodeStats samples system load and publishes it to the node gauges.
func UpdateNodeStats() (*NodeStats, error) {
	loadAvg, err := getLoadAvg()
	if err != nil {
		return nil, err
	}

	cpuLoad, numCPUs, err := cpuStats.sample()
	if err != nil {
		return nil, err
	}

	// vm_stat may be missing on some systems, use what is available
	memoryLoad, _ := getMemoryStats()

	promNodeCPULoad.Set(float64(cpuLoad))
	promNodeMemoryLoad.Set(float64(memoryLoad))
	promNodeLoadAvg.Set(loadAvg.Loadavg1)
	promNodeLoadAvg5m.Set(loadAvg.Loadavg5)

	return &NodeStats{
		CPULoad:    cpuLoad,
		NumCPUs:    numCPUs,
		MemoryLoad: memoryLoad,
		LoadAvg1m:  loadAvg.Loadavg1,
		LoadAvg5m:  loadAvg.Loadavg5,
	}, nil
}
