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

package stats

import (
	"testing"
	"time"
)

func TestRingRetention(t *testing.T) {
	r := NewRing(4)

	for i := 0; i < 6; i++ {
		r.Push(Sample{Page: uint64(i), Class: LocalFirstTouch, ServiceTime: time.Microsecond})
	}

	snap := r.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("expected 4 retained samples, got %d", len(snap))
	}
	// oldest first, oldest retained is page 2
	for i, s := range snap {
		if want := uint64(i + 2); s.Page != want {
			t.Errorf("sample %d: expected page %d, got %d", i, want, s.Page)
		}
	}
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing(8)
	r.Push(Sample{Page: 1})
	r.Push(Sample{Page: 2})

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(snap))
	}
	if snap[0].Page != 1 || snap[1].Page != 2 {
		t.Errorf("unexpected order: %v, %v", snap[0].Page, snap[1].Page)
	}
}

func TestSummarize(t *testing.T) {
	c := NewCollector(2, 64)

	// 3 local first-touches and 1 remote fetch across two workers
	c.Record(0, Sample{Page: 0, Class: LocalFirstTouch, ServiceTime: 10 * time.Microsecond})
	c.Record(0, Sample{Page: 1, Class: LocalFirstTouch, ServiceTime: 20 * time.Microsecond})
	c.Record(1, Sample{Page: 2, Class: LocalFirstTouch, ServiceTime: 30 * time.Microsecond})
	c.Record(1, Sample{Page: 3, Class: RemoteFetch, Owner: 1, ServiceTime: 400 * time.Microsecond})
	// wake-only resolutions do not count as faults in the ratio
	c.Record(0, Sample{Page: 3, Class: WakeOnly, ServiceTime: time.Microsecond})

	sum := c.Summarize(0)
	if sum.TotalFaults != 4 {
		t.Errorf("expected 4 faults, got %d", sum.TotalFaults)
	}
	if sum.RemoteFetches != 1 {
		t.Errorf("expected 1 remote fetch, got %d", sum.RemoteFetches)
	}
	if sum.RemoteMissRatio != 0.25 {
		t.Errorf("expected miss ratio 0.25, got %f", sum.RemoteMissRatio)
	}
	if sum.MedianServiceTime != 30*time.Microsecond {
		t.Errorf("expected median 30µs, got %v", sum.MedianServiceTime)
	}
	if sum.P99ServiceTime != 400*time.Microsecond {
		t.Errorf("expected p99 400µs, got %v", sum.P99ServiceTime)
	}
}

func TestSummarizeWindow(t *testing.T) {
	c := NewCollector(1, 64)

	old := time.Now().Add(-time.Minute)
	c.Record(0, Sample{Page: 0, Class: RemoteFetch, Owner: 1, ServiceTime: time.Microsecond, When: old})
	c.Record(0, Sample{Page: 1, Class: LocalFirstTouch, ServiceTime: time.Microsecond})

	sum := c.Summarize(10 * time.Second)
	if sum.TotalFaults != 1 {
		t.Errorf("expected 1 fault inside the window, got %d", sum.TotalFaults)
	}
	if sum.RemoteFetches != 0 {
		t.Errorf("expected 0 remote fetches inside the window, got %d", sum.RemoteFetches)
	}
}

func TestHeatWindows(t *testing.T) {
	h := NewHeat()
	now := time.Now()

	h.RecordRemoteHit(7, 2, now.Add(-30*time.Second))
	h.RecordRemoteHit(7, 2, now)
	h.RecordRemoteHit(7, 2, now)

	if got := h.RemoteHits(7, 2, 10*time.Second); got != 2 {
		t.Errorf("expected 2 hits inside window, got %d", got)
	}
	if got := h.RemoteHits(7, 2, time.Minute); got != 2 {
		t.Errorf("expired hits must stay dropped, got %d", got)
	}
	if got := h.RemoteHits(7, 3, time.Minute); got != 0 {
		t.Errorf("expected 0 hits for other owner, got %d", got)
	}
}

func TestHotServedPages(t *testing.T) {
	h := NewHeat()
	now := time.Now()

	for i := 0; i < 5; i++ {
		h.RecordServeHit(1, 9, now)
	}
	for i := 0; i < 3; i++ {
		h.RecordServeHit(2, 9, now)
	}
	h.RecordServeHit(3, 8, now)

	hot := h.HotServedPages(3, time.Minute)
	if len(hot) != 2 {
		t.Fatalf("expected 2 hot pages, got %d", len(hot))
	}
	if hot[0].Page != 1 || hot[0].Peer != 9 || hot[0].Hits != 5 {
		t.Errorf("unexpected hottest page: %+v", hot[0])
	}
	if hot[1].Page != 2 || hot[1].Hits != 3 {
		t.Errorf("unexpected second page: %+v", hot[1])
	}

	h.Forget(1)
	hot = h.HotServedPages(3, time.Minute)
	if len(hot) != 1 || hot[0].Page != 2 {
		t.Errorf("expected only page 2 after forgetting page 1, got %+v", hot)
	}
}

func TestCollectorFaultRate(t *testing.T) {
	c := NewCollector(1, 64)
	base := time.Now()
	// 100 faults 1ms apart ~ 1000 faults/s
	for i := 0; i < 100; i++ {
		c.Record(0, Sample{
			Page:        uint64(i),
			Class:       LocalFirstTouch,
			ServiceTime: time.Microsecond,
			When:        base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	rate := c.Summarize(0).FaultRate
	if rate < 100 || rate > 10000 {
		t.Errorf("fault rate estimate %f outside plausible range", rate)
	}
}
