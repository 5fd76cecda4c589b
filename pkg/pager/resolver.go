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

package pager

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/ssi-pager/pkg/directory"
	"github.com/intel/ssi-pager/pkg/metrics"
	"github.com/intel/ssi-pager/pkg/stats"
	"github.com/intel/ssi-pager/pkg/uffd"
)

// retryBackoff spaces the bounded per-fault retry attempts.
const retryBackoff = 200 * time.Millisecond

// worker consumes fault events until the stream closes. Per-page
// coalescing in the directory keeps at most one fetch in flight per page
// regardless of the worker count.
func (p *Pager) worker(id int) {
	defer p.wg.Done()

	for ev := range p.source.Events() {
		p.handleFault(id, ev)
	}
}

// handleFault drives one fault event to an installed page, retrying
// transport failures up to the configured bound. Retry exhaustion
// terminates the guest; that is the MVP failure mode for owner loss.
func (p *Pager) handleFault(worker int, ev uffd.Event) {
	start := time.Now()

	page, err := p.region.PageOf(ev.Addr)
	if err != nil {
		// the kernel never delivers faults outside the registered range
		p.fatal(errors.Wrapf(err, "fault at %#x outside guest memory", ev.Addr))
		return
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxFaultRetries; attempt++ {
		class, owner, err := p.resolve(page, ev)
		if err == nil {
			elapsed := time.Since(start)
			p.stats.Record(worker, stats.Sample{
				Page:        page,
				Class:       class,
				ServiceTime: elapsed,
				Owner:       owner,
				When:        start,
			})
			metrics.FaultsTotal.WithLabelValues(class.String()).Inc()
			metrics.FaultServiceTime.Observe(float64(elapsed.Microseconds()))
			return
		}

		lastErr = err
		if errors.Is(err, directory.ErrShutdown) {
			return
		}
		warnLog.Warn("fault on page %d (attempt %d/%d) failed: %v",
			page, attempt+1, p.cfg.MaxFaultRetries+1, err)

		// leave the transport room to reconnect before the next attempt
		select {
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		case <-p.stop:
			return
		}
	}

	p.fatal(errors.Wrapf(lastErr, "fault on page %d unresolvable after %d attempts",
		page, p.cfg.MaxFaultRetries+1))
}

// resolve makes one attempt at resolving a fault. For remote fetches it
// also reports the serving node.
func (p *Pager) resolve(page uint64, ev uffd.Event) (stats.Classification, uint32, error) {
	for {
		state, err := p.dir.Lookup(page)
		if err != nil {
			return 0, 0, err
		}

		switch state.Tag {
		case directory.Unclaimed:
			claimed, _, err := p.dir.TryClaimLocal(page)
			if err != nil {
				return 0, 0, err
			}
			if !claimed {
				// lost the first-touch race, re-read the state
				continue
			}
			if err := p.installer.ZeroPage(ev.Addr); err != nil {
				return 0, 0, err
			}
			return stats.LocalFirstTouch, 0, nil

		case directory.Local:
			// spurious: the page is already present
			if err := p.installer.Wake(ev.Addr); err != nil {
				return 0, 0, err
			}
			return stats.WakeOnly, 0, nil

		case directory.Remote, directory.InFlight:
			res, err := p.dir.BeginFetch(page)
			if err != nil {
				return 0, 0, err
			}

			switch {
			case res.Proceed:
				if err := p.fetchAndInstall(page, res.Owner, ev); err != nil {
					return 0, 0, err
				}
				return stats.RemoteFetch, res.Owner, nil

			case res.Waiter != nil:
				if err := res.Waiter.Wait(); err != nil {
					return 0, 0, err
				}
				// the winning fetch installed the page
				if err := p.installer.Wake(ev.Addr); err != nil {
					return 0, 0, err
				}
				return stats.WakeOnly, 0, nil

			default:
				// state moved under us, re-read
				continue
			}
		}
	}
}

// fetchAndInstall performs the fetch this caller won and completes the
// directory transition, waking the coalesced waiters.
func (p *Pager) fetchAndInstall(page uint64, owner uint32, ev uffd.Event) error {
	data, _, err := p.transport.Fetch(context.Background(), owner, page)
	if err != nil {
		if ferr := p.dir.FinishFetch(page, owner, err); ferr != nil {
			log.Error("failed to revert fetch of page %d: %v", page, ferr)
		}
		return errors.Wrapf(err, "fetching page %d from node %d", page, owner)
	}

	if err := p.installer.CopyPage(ev.Addr, data); err != nil {
		if ferr := p.dir.FinishFetch(page, owner, err); ferr != nil {
			log.Error("failed to revert fetch of page %d: %v", page, ferr)
		}
		return errors.Wrapf(err, "installing page %d", page)
	}

	return p.dir.FinishFetch(page, owner, nil)
}
