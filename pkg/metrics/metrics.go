// Copyright 2023 Intel Corporation. All Rights Reserved.
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

// Package metrics defines the operator-visible telemetry of the paging
// core on a dedicated prometheus registry, exposed through the
// instrumentation HTTP service.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/intel/ssi-pager/pkg/log"
)

var log = logger.NewLogger("metrics")

var (
	registry = prometheus.NewRegistry()

	// FaultsTotal counts resolved fault events by classification
	// (local_first_touch, remote_fetch, wake_only).
	FaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faults_total",
			Help: "Resolved guest page faults by classification.",
		},
		[]string{"classification"},
	)

	// TransportOps counts transport operations by op and peer.
	TransportOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_ops_total",
			Help: "Transport operations by op and peer.",
		},
		[]string{"op", "peer"},
	)

	// TransportErrors counts transport failures by kind and peer.
	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_errors_total",
			Help: "Transport errors by kind and peer.",
		},
		[]string{"kind", "peer"},
	)

	// FaultServiceTime observes per-fault service time in microseconds.
	FaultServiceTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fault_service_time_us",
			Help:    "Fault service time in microseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 16),
		},
	)

	// PeerConnectionsUp gauges the number of established peer connections.
	PeerConnectionsUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peer_connections_up",
			Help: "Established peer transport connections.",
		},
	)
)

func init() {
	registry.MustRegister(
		FaultsTotal,
		TransportOps,
		TransportErrors,
		FaultServiceTime,
		PeerConnectionsUp,
	)
}

// Gatherer returns the registry carrying the paging core metrics.
func Gatherer() prometheus.Gatherer {
	return registry
}

// PageCounts is implemented by the page directory; registering it exposes
// the pages_local and pages_remote gauges.
type PageCounts interface {
	LocalPages() int64
	RemotePages() int64
}

// RegisterPageGauges exposes directory ownership counts. Call once at
// startup.
func RegisterPageGauges(counts PageCounts) {
	local := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pages_local",
			Help: "Pages owned by this node.",
		},
		func() float64 { return float64(counts.LocalPages()) },
	)
	remote := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pages_remote",
			Help: "Pages owned by, or being fetched from, other nodes.",
		},
		func() float64 { return float64(counts.RemotePages()) },
	)
	if err := registry.Register(local); err != nil {
		log.Error("failed to register pages_local gauge: %v", err)
	}
	if err := registry.Register(remote); err != nil {
		log.Error("failed to register pages_remote gauge: %v", err)
	}
}

// PeerLabel formats a peer node id as a metric label value.
func PeerLabel(peer uint32) string {
	return strconv.FormatUint(uint64(peer), 10)
}
