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

// Package stats collects per-fault samples into bounded per-worker rings
// and derives the summary figures the exposition and migration layers
// consume: remote miss ratio, service time percentiles, an EWMA fault-rate
// estimate, and per-page heat.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// Classification tells how a fault was resolved.
type Classification uint8

const (
	// LocalFirstTouch is an unclaimed page claimed and zero-filled here.
	LocalFirstTouch Classification = iota
	// RemoteFetch is a page fetched from its owning node.
	RemoteFetch
	// WakeOnly is a coalesced or spurious fault resolved without a
	// transfer.
	WakeOnly
)

// String returns the classification label used in telemetry.
func (c Classification) String() string {
	switch c {
	case LocalFirstTouch:
		return "local_first_touch"
	case RemoteFetch:
		return "remote_fetch"
	case WakeOnly:
		return "wake_only"
	}
	return "invalid"
}

// Sample is one resolved fault.
type Sample struct {
	Page        uint64
	Class       Classification
	ServiceTime time.Duration
	// Owner is the serving node for RemoteFetch samples.
	Owner uint32
	When  time.Time
}

// DefaultRingSize bounds per-worker sample retention.
const DefaultRingSize = 4096

// Ring is a bounded sample buffer owned by a single resolver worker.
// Push and Snapshot both take the ring lock, so the producer and readers
// serialize on it; the ring is not lock-free. Snapshot returns a copy.
type Ring struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	count   int

	svc  ewma.MovingAverage // service time, microseconds
	rate ewma.MovingAverage // instantaneous fault rate, faults/s
	last time.Time
}

// NewRing creates a ring retaining up to size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{
		samples: make([]Sample, size),
		svc:     ewma.NewMovingAverage(),
		rate:    ewma.NewMovingAverage(),
	}
}

// Push appends one sample.
func (r *Ring) Push(s Sample) {
	if s.When.IsZero() {
		s.When = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}

	r.svc.Add(float64(s.ServiceTime.Microseconds()))
	if !r.last.IsZero() {
		if dt := s.When.Sub(r.last).Seconds(); dt > 0 {
			r.rate.Add(1 / dt)
		}
	}
	r.last = s.When
}

// Snapshot copies out the retained samples, oldest first.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sample, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.samples)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}

func (r *Ring) averages() (svc, rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.svc.Value(), r.rate.Value()
}

// Summary is the derived per-node view of the recent fault traffic.
type Summary struct {
	TotalFaults     int
	RemoteFetches   int
	RemoteMissRatio float64

	MedianServiceTime time.Duration
	P99ServiceTime    time.Duration

	// FaultRate is an EWMA estimate in faults per second.
	FaultRate float64
}

// Collector aggregates the per-worker rings.
type Collector struct {
	rings []*Ring
	heat  *Heat
}

// NewCollector creates a collector with one ring per resolver worker.
func NewCollector(workers, ringSize int) *Collector {
	if workers < 1 {
		workers = 1
	}
	rings := make([]*Ring, workers)
	for i := range rings {
		rings[i] = NewRing(ringSize)
	}
	return &Collector{
		rings: rings,
		heat:  NewHeat(),
	}
}

// Ring returns worker w's ring.
func (c *Collector) Ring(w int) *Ring {
	return c.rings[w%len(c.rings)]
}

// Heat returns the per-page heat tracker.
func (c *Collector) Heat() *Heat {
	return c.heat
}

// Record appends a sample on the given worker's ring and feeds the heat
// tracker for remote fetches.
func (c *Collector) Record(worker int, s Sample) {
	c.Ring(worker).Push(s)
	if s.Class == RemoteFetch {
		c.heat.RecordRemoteHit(s.Page, s.Owner, s.When)
	}
}

// Summarize derives the summary over samples within the given window.
// A zero window summarizes everything retained.
func (c *Collector) Summarize(window time.Duration) Summary {
	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	var times []time.Duration
	sum := Summary{}
	var rateSum float64

	for _, r := range c.rings {
		for _, s := range r.Snapshot() {
			if !cutoff.IsZero() && s.When.Before(cutoff) {
				continue
			}
			if s.Class == WakeOnly {
				continue
			}
			sum.TotalFaults++
			if s.Class == RemoteFetch {
				sum.RemoteFetches++
			}
			times = append(times, s.ServiceTime)
		}
		_, rate := r.averages()
		rateSum += rate
	}

	if sum.TotalFaults > 0 {
		sum.RemoteMissRatio = float64(sum.RemoteFetches) / float64(sum.TotalFaults)
	}
	sum.FaultRate = rateSum

	if len(times) > 0 {
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		sum.MedianServiceTime = times[len(times)/2]
		p99 := (len(times) * 99) / 100
		if p99 >= len(times) {
			p99 = len(times) - 1
		}
		sum.P99ServiceTime = times[p99]
	}
	return sum
}
